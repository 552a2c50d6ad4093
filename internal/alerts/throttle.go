package alerts

import (
	"context"
	"sync"
	"time"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// ThrottleLimits - лимиты пользователя; 0 = без ограничения
type ThrottleLimits struct {
	MaxPerHour int
	MaxPerDay  int
	Location   *time.Location // граница суток в зоне пользователя
}

// LimitsFor извлекает лимиты из настроек
func LimitsFor(pref *models.AlertPreference, loc *time.Location) ThrottleLimits {
	return ThrottleLimits{MaxPerHour: pref.MaxPerHour, MaxPerDay: pref.MaxPerDay, Location: loc}
}

func (l ThrottleLimits) unlimited() bool {
	return l.MaxPerHour <= 0 && l.MaxPerDay <= 0
}

func (l ThrottleLimits) reached(hour, day int) bool {
	return (l.MaxPerHour > 0 && hour >= l.MaxPerHour) || (l.MaxPerDay > 0 && day >= l.MaxPerDay)
}

// Throttle - счётчики отправок по окнам час/сутки.
// Peek только проверяет, Acquire атомарно проверяет и увеличивает.
type Throttle interface {
	Peek(ctx context.Context, userID string, limits ThrottleLimits, now time.Time) (exceeded bool, err error)
	Acquire(ctx context.Context, userID string, limits ThrottleLimits, now time.Time) error
}

// hourStart - начало часового окна (часы одинаковы во всех зонах с целым смещением)
func hourStart(now time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t := now.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, loc)
}

// ============================================================
// In-memory
// ============================================================

// MemoryThrottle хранит окна в map под мьютексом
type MemoryThrottle struct {
	mu      sync.Mutex
	windows map[string]*models.ThrottleWindow
}

func NewMemoryThrottle() *MemoryThrottle {
	return &MemoryThrottle{windows: make(map[string]*models.ThrottleWindow)}
}

// window возвращает окно пользователя, сбрасывая истёкшие счётчики
func (t *MemoryThrottle) window(userID string, limits ThrottleLimits, now time.Time) *models.ThrottleWindow {
	w, ok := t.windows[userID]
	if !ok {
		w = &models.ThrottleWindow{UserID: userID}
		t.windows[userID] = w
	}
	if h := hourStart(now, limits.Location); !h.Equal(w.HourStart) {
		w.HourStart = h
		w.HourCount = 0
	}
	if d := utils.DayStartIn(now, limits.Location); !d.Equal(w.DayStart) {
		w.DayStart = d
		w.DayCount = 0
	}
	return w
}

func (t *MemoryThrottle) Peek(_ context.Context, userID string, limits ThrottleLimits, now time.Time) (bool, error) {
	if limits.unlimited() {
		return false, nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.window(userID, limits, now)
	return limits.reached(w.HourCount, w.DayCount), nil
}

func (t *MemoryThrottle) Acquire(_ context.Context, userID string, limits ThrottleLimits, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.window(userID, limits, now)
	if limits.reached(w.HourCount, w.DayCount) {
		return ErrThrottleExceeded
	}
	w.HourCount++
	w.DayCount++
	return nil
}

// Snapshot - копия окна пользователя (для API и тестов)
func (t *MemoryThrottle) Snapshot(userID string) (models.ThrottleWindow, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[userID]
	if !ok {
		return models.ThrottleWindow{}, false
	}
	return *w, true
}
