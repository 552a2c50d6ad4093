package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"tradeguard/internal/alerts"
	"tradeguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var errHubStopped = errors.New("websocket hub stopped")

// sync.Pool для JSON буферов: сериализация на каждое сообщение без аллокаций буфера
var jsonBufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

// userMessage - сообщение конкретному пользователю
type userMessage struct {
	userID string
	data   []byte
	result chan int // сколько соединений приняли сообщение
}

// Hub управляет WebSocket соединениями пользователей
//
// Соединения сгруппированы по user_id: один пользователь может держать
// несколько вкладок. Hub реализует alerts.Sender для канала in_app.
//
// Использование:
// 1. hub := NewHub(logger)
// 2. go hub.Run(ctx)
// 3. registry.Register(models.ChannelInApp, hub)
type Hub struct {
	clients map[string]map[*Client]struct{}

	send       chan userMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu  sync.RWMutex
	log *utils.Logger
}

// NewHub создает новый Hub
func NewHub(log *utils.Logger) *Hub {
	if log == nil {
		log = utils.L()
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		send:       make(chan userMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log.WithComponent("ws_hub"),
	}
}

// Run запускает главный цикл Hub; при отмене ctx закрывает все соединения
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.clients[client.userID]
			if !ok {
				set = make(map[*Client]struct{})
				h.clients[client.userID] = set
			}
			set[client] = struct{}{}
			total := h.countLocked()
			h.mu.Unlock()
			ConnectedClients.Set(float64(total))
			h.log.Debug("client connected", utils.UserID(client.userID), utils.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			total := h.countLocked()
			h.mu.Unlock()
			ConnectedClients.Set(float64(total))
			h.log.Debug("client disconnected", utils.UserID(client.userID), utils.Int("total", total))

		case msg := <-h.send:
			msg.result <- h.deliver(msg)
		}
	}
}

// deliver кладёт сообщение в буферы соединений пользователя.
// Медленные клиенты отключаются.
func (h *Hub) deliver(msg userMessage) int {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients[msg.userID]))
	for c := range h.clients[msg.userID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	var slow []*Client
	for _, c := range targets {
		select {
		case c.send <- msg.data:
			delivered++
		default:
			slow = append(slow, c)
		}
	}

	if len(slow) > 0 {
		h.mu.Lock()
		for _, c := range slow {
			h.removeLocked(c)
		}
		h.mu.Unlock()
		h.log.Warn("removed slow clients", utils.UserID(msg.userID), utils.Int("count", len(slow)))
	}
	return delivered
}

func (h *Hub) removeLocked(c *Client) {
	set, ok := h.clients[c.userID]
	if !ok {
		return
	}
	if _, ok := set[c]; ok {
		delete(set, c)
		close(c.send)
	}
	if len(set) == 0 {
		delete(h.clients, c.userID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for c := range set {
			close(c.send)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	ConnectedClients.Set(0)
}

func (h *Hub) countLocked() int {
	n := 0
	for _, set := range h.clients {
		n += len(set)
	}
	return n
}

// SendToUser сериализует сообщение и отправляет во все соединения пользователя.
// Возвращает число соединений, принявших сообщение.
func (h *Hub) SendToUser(ctx context.Context, userID string, message interface{}) (int, error) {
	data, err := encode(message)
	if err != nil {
		return 0, err
	}

	msg := userMessage{userID: userID, data: data, result: make(chan int, 1)}
	select {
	case <-h.done:
		return 0, errHubStopped
	default:
	}

	select {
	case h.send <- msg:
	case <-h.done:
		return 0, errHubStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	select {
	case n := <-msg.result:
		return n, nil
	case <-h.done:
		// Run мог успеть доставить перед остановкой
		select {
		case n := <-msg.result:
			return n, nil
		default:
			return 0, errHubStopped
		}
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Send - канал in_app: destination не используется, получатель берётся из сообщения.
// Пользователь без соединений - временная ошибка: он может подключиться до повтора.
func (h *Hub) Send(ctx context.Context, _ string, msg *alerts.Message) (string, error) {
	id := uuid.NewString()
	n, err := h.SendToUser(ctx, msg.UserID, NewAlertMessage(id, msg))
	if err != nil {
		return "", fmt.Errorf("%w: %v", alerts.ErrChannelUnavailable, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: user %s has no open connections", alerts.ErrChannelUnavailable, msg.UserID)
	}
	return id, nil
}

// NotifyUser - отправка без ожидания ошибок (обновления риска)
func (h *Hub) NotifyUser(ctx context.Context, userID string, message interface{}) {
	if _, err := h.SendToUser(ctx, userID, message); err != nil {
		h.log.Debug("ws notify failed", utils.UserID(userID), utils.Err(err))
	}
}

func encode(message interface{}) ([]byte, error) {
	buf := jsonBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer jsonBufferPool.Put(buf)

	if err := json.NewEncoder(buf).Encode(message); err != nil {
		return nil, fmt.Errorf("encode ws message: %w", err)
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")

	// буфер вернётся в пул, данные копируем
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// ClientCount возвращает количество подключенных клиентов
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

// UserConnections - число соединений пользователя
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}
