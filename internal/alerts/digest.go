package alerts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// BufferedEvent - событие, отложенное до сводки
type BufferedEvent struct {
	Event      models.AlertEvent `json:"event"`
	RecordID   string            `json:"record_id"`
	Reason     string            `json:"reason"` // quiet_hours, digest_mode, throttled
	BufferedAt time.Time         `json:"buffered_at"`
}

// DigestStore - буфер событий для сводки.
// Drain атомарно забирает и очищает буфер пользователя.
type DigestStore interface {
	Add(ctx context.Context, userID string, e BufferedEvent) error
	Users(ctx context.Context) ([]string, error)
	Len(ctx context.Context, userID string) (int, error)
	Drain(ctx context.Context, userID string) ([]BufferedEvent, error)
}

// MemoryDigestStore - буфер в памяти процесса
type MemoryDigestStore struct {
	mu      sync.Mutex
	buffers map[string][]BufferedEvent
}

func NewMemoryDigestStore() *MemoryDigestStore {
	return &MemoryDigestStore{buffers: make(map[string][]BufferedEvent)}
}

func (s *MemoryDigestStore) Add(_ context.Context, userID string, e BufferedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[userID] = append(s.buffers[userID], e)
	return nil
}

func (s *MemoryDigestStore) Users(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.buffers))
	for id := range s.buffers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemoryDigestStore) Len(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffers[userID]), nil
}

func (s *MemoryDigestStore) Drain(_ context.Context, userID string) ([]BufferedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.buffers[userID]
	delete(s.buffers, userID)
	return out, nil
}

// ============================================================
// Сводка
// ============================================================

const maxTopSymbols = 5

// Summarize собирает сводку: число событий, топ символов по частоте
// (при равенстве по алфавиту, не более 5) и максимальную уверенность
func Summarize(userID string, events []BufferedEvent) models.DigestSummary {
	sum := models.DigestSummary{UserID: userID, Count: len(events), TopSymbols: []string{}}
	freq := make(map[string]int)
	for i, e := range events {
		if e.Event.Symbol != "" {
			freq[e.Event.Symbol]++
		}
		if c := e.Event.Confidence; c != nil && (sum.MaxConfidence == nil || *c > *sum.MaxConfidence) {
			v := *c
			sum.MaxConfidence = &v
		}
		if i == 0 || e.BufferedAt.Before(sum.From) {
			sum.From = e.BufferedAt
		}
		if e.BufferedAt.After(sum.To) {
			sum.To = e.BufferedAt
		}
	}

	symbols := make([]string, 0, len(freq))
	for s := range freq {
		symbols = append(symbols, s)
	}
	sort.Slice(symbols, func(i, j int) bool {
		if freq[symbols[i]] != freq[symbols[j]] {
			return freq[symbols[i]] > freq[symbols[j]]
		}
		return symbols[i] < symbols[j]
	})
	if len(symbols) > maxTopSymbols {
		symbols = symbols[:maxTopSymbols]
	}
	sum.TopSymbols = symbols
	return sum
}

// digestEvent - событие DIGEST для доставки сводки
func digestEvent(sum models.DigestSummary, now time.Time) *models.AlertEvent {
	msg := fmt.Sprintf("%d alerts while you were away", sum.Count)
	if len(sum.TopSymbols) > 0 {
		msg += ". Top symbols: " + strings.Join(sum.TopSymbols, ", ")
	}
	if sum.MaxConfidence != nil {
		msg += fmt.Sprintf(". Max confidence: %.0f%%", *sum.MaxConfidence*100)
	}
	payload := map[string]interface{}{
		"count":       sum.Count,
		"top_symbols": sum.TopSymbols,
		"from":        sum.From,
		"to":          sum.To,
	}
	if sum.MaxConfidence != nil {
		payload["max_confidence"] = *sum.MaxConfidence
	}
	return &models.AlertEvent{
		UserID:    sum.UserID,
		Type:      models.AlertTypeDigest,
		Priority:  models.PriorityNormal,
		Title:     fmt.Sprintf("Digest: %d alerts", sum.Count),
		Message:   msg,
		Payload:   payload,
		CreatedAt: now,
	}
}

// ============================================================
// Планировщик
// ============================================================

// DigestScheduler - периодическая отправка сводок
type DigestScheduler struct {
	d        *Dispatcher
	interval time.Duration
	log      *utils.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewDigestScheduler создаёт планировщик; interval <= 0 означает раз в час
func NewDigestScheduler(d *Dispatcher, interval time.Duration) *DigestScheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &DigestScheduler{
		d:        d,
		interval: interval,
		log:      d.baseLog.WithComponent("digest_scheduler"),
		stopCh:   make(chan struct{}),
	}
}

// Start запускает цикл; возвращается при отмене ctx или Stop
func (s *DigestScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("digest scheduler started", utils.String("interval", s.interval.String()))

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if _, err := s.Flush(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("digest flush failed", utils.Err(err))
			}
			s.d.pruneHistory(ctx)
		}
	}
}

func (s *DigestScheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// Flush отправляет сводки всем пользователям с буфером.
// Возвращает число отправленных сводок.
func (s *DigestScheduler) Flush(ctx context.Context) (int, error) {
	users, err := s.d.digest.Users(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		ok, err := s.flushUser(ctx, userID)
		if err != nil {
			DigestFlushes.WithLabelValues("error").Inc()
			s.log.Warn("digest flush failed for user", utils.UserID(userID), utils.Err(err))
			continue
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

func (s *DigestScheduler) flushUser(ctx context.Context, userID string) (bool, error) {
	pref, loc, err := s.d.preference(ctx, userID)
	if err != nil {
		return false, err
	}
	now := s.d.now()

	// буфер ждёт окончания тихих часов
	if InQuietHours(pref, loc, now) {
		return false, nil
	}

	events, err := s.d.digest.Drain(ctx, userID)
	if err != nil {
		return false, err
	}

	kept := events[:0]
	for _, e := range events {
		if e.Reason != models.SkipReasonQuietHours && !pref.DigestMode {
			s.d.markDropped(ctx, e.RecordID)
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		DigestFlushes.WithLabelValues("empty").Inc()
		return false, nil
	}

	sum := Summarize(userID, kept)
	rec, err := s.d.deliverEvent(ctx, digestEvent(sum, now), pref)
	if err != nil {
		return false, err
	}
	DigestFlushes.WithLabelValues(rec.Status).Inc()
	DigestEvents.Add(float64(sum.Count))

	s.log.Info("digest sent",
		utils.UserID(userID),
		utils.Int("count", sum.Count),
		utils.Status(rec.Status),
	)
	return true, nil
}
