package alerts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// Message - то, что уходит в канал доставки
type Message struct {
	AlertID    string                 `json:"alert_id"`
	RecordID   string                 `json:"record_id"`
	UserID     string                 `json:"user_id"`
	Type       string                 `json:"type"`
	Priority   string                 `json:"priority"`
	Title      string                 `json:"title"`
	Body       string                 `json:"body"`
	Symbol     string                 `json:"symbol,omitempty"`
	Pattern    string                 `json:"pattern,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// NewMessage собирает сообщение из события и записи
func NewMessage(recordID string, ev *models.AlertEvent) *Message {
	return &Message{
		AlertID:    ev.ID,
		RecordID:   recordID,
		UserID:     ev.UserID,
		Type:       ev.Type,
		Priority:   ev.Priority,
		Title:      ev.Title,
		Body:       ev.Message,
		Symbol:     ev.Symbol,
		Pattern:    ev.Pattern,
		Confidence: ev.Confidence,
		Payload:    ev.Payload,
		CreatedAt:  ev.CreatedAt,
	}
}

// Sender - канал доставки.
// Временные сбои оборачиваются в ErrChannelUnavailable, отказ получателя в ErrChannelRejected.
type Sender interface {
	Send(ctx context.Context, destination string, msg *Message) (messageID string, err error)
}

// SenderFunc позволяет использовать функцию как Sender
type SenderFunc func(ctx context.Context, destination string, msg *Message) (string, error)

func (f SenderFunc) Send(ctx context.Context, destination string, msg *Message) (string, error) {
	return f(ctx, destination, msg)
}

// Registry - каналы по имени
type Registry struct {
	mu      sync.RWMutex
	senders map[string]Sender
}

func NewRegistry() *Registry {
	return &Registry{senders: make(map[string]Sender)}
}

// Register добавляет или заменяет канал
func (r *Registry) Register(channel string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[channel] = s
}

// Get возвращает канал или ErrUnknownChannel
func (r *Registry) Get(channel string) (Sender, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	return s, nil
}

// Channels - зарегистрированные каналы по алфавиту
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ============================================================
// Console
// ============================================================

// ConsoleSender пишет сообщение в лог сервера
type ConsoleSender struct {
	log *utils.Logger
}

func NewConsoleSender(log *utils.Logger) *ConsoleSender {
	if log == nil {
		log = utils.L()
	}
	return &ConsoleSender{log: log.WithComponent("console_channel")}
}

func (s *ConsoleSender) Send(ctx context.Context, _ string, msg *Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrChannelUnavailable, err)
	}
	id := uuid.NewString()
	s.log.Info("alert",
		utils.String("message_id", id),
		utils.AlertID(msg.AlertID),
		utils.UserID(msg.UserID),
		utils.String("type", msg.Type),
		utils.String("priority", msg.Priority),
		utils.Symbol(msg.Symbol),
		utils.String("title", msg.Title),
		utils.String("body", msg.Body),
	)
	return id, nil
}

// ============================================================
// Каналы без провайдера
// ============================================================

// UnconfiguredSender - заглушка для email/sms/push без подключённого шлюза.
// Всегда отвечает постоянной ошибкой, чтобы не крутить повторы.
type UnconfiguredSender struct {
	Channel string
}

func (s UnconfiguredSender) Send(context.Context, string, *Message) (string, error) {
	return "", fmt.Errorf("%w: no provider configured for %s", ErrChannelRejected, s.Channel)
}
