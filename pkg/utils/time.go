package utils

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// time.go - утилиты для работы со временем
//
// Назначение:
// Границы торгового дня и недели в часовом поясе счёта,
// окна "тихих часов" пользователя и форматирование длительностей.
//
// Функции:
// - DayStartIn: начало дня (00:00:00) в указанной зоне
// - WeekStartIn: начало недели (понедельник 00:00:00) в указанной зоне
// - LoadLocation: загрузка зоны с кэшем, fallback на UTC
// - ParseClock / ClockWindow: окно времени суток с переходом через полночь
//
// Все функции принимают момент времени явно, чтобы тесты
// и детерминированные сбросы не зависели от time.Now().

// ============================================================
// Границы периодов
// ============================================================

// DayStartIn возвращает начало дня, содержащего t, в зоне loc.
// nil loc трактуется как UTC.
//
// Пример:
//
//	ny, _ := time.LoadLocation("America/New_York")
//	// t: 2024-01-15 03:30 UTC = 2024-01-14 22:30 EST
//	start := DayStartIn(t, ny)
//	// start: 2024-01-14 00:00:00 EST
func DayStartIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// WeekStartIn возвращает понедельник 00:00:00 недели, содержащей t, в зоне loc.
// Неделя начинается с понедельника (ISO 8601).
func WeekStartIn(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)

	// 0=Sunday -> 7
	weekday := int(t.Weekday())
	if weekday == 0 {
		weekday = 7
	}
	daysBack := weekday - 1

	// time.Date нормализует отрицательный день в предыдущий месяц
	return time.Date(t.Year(), t.Month(), t.Day()-daysBack, 0, 0, 0, 0, loc)
}

// NextDayStartIn возвращает начало следующего дня в зоне loc
func NextDayStartIn(t time.Time, loc *time.Location) time.Time {
	start := DayStartIn(t, loc)
	return time.Date(start.Year(), start.Month(), start.Day()+1, 0, 0, 0, 0, start.Location())
}

// NextWeekStartIn возвращает начало следующей недели в зоне loc
func NextWeekStartIn(t time.Time, loc *time.Location) time.Time {
	start := WeekStartIn(t, loc)
	return time.Date(start.Year(), start.Month(), start.Day()+7, 0, 0, 0, 0, start.Location())
}

// GetDayStartFrom возвращает начало дня для указанного времени в UTC
func GetDayStartFrom(t time.Time) time.Time {
	return DayStartIn(t, time.UTC)
}

// GetWeekStartFrom возвращает понедельник 00:00:00 UTC недели, содержащей t
func GetWeekStartFrom(t time.Time) time.Time {
	return WeekStartIn(t, time.UTC)
}

// ============================================================
// Часовые пояса
// ============================================================

var (
	locationCache   = make(map[string]*time.Location)
	locationCacheMu sync.RWMutex
)

// LoadLocation загружает зону по имени IANA с кэшированием.
// Пустое имя = UTC. Неизвестная зона возвращает ошибку.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC, nil
	}

	locationCacheMu.RLock()
	loc, ok := locationCache[name]
	locationCacheMu.RUnlock()
	if ok {
		return loc, nil
	}

	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", name, err)
	}

	locationCacheMu.Lock()
	locationCache[name] = loc
	locationCacheMu.Unlock()
	return loc, nil
}

// MustLocation как LoadLocation, но при ошибке возвращает UTC
func MustLocation(name string) *time.Location {
	loc, err := LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ============================================================
// Время суток
// ============================================================

// ClockTime - время суток в минутах от полуночи (0..1439)
type ClockTime int

// ParseClock разбирает строку "HH:MM" (24-часовой формат)
func ParseClock(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 || len(parts[0]) == 0 || len(parts[1]) != 2 {
		return 0, fmt.Errorf("invalid clock %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return ClockTime(h*60 + m), nil
}

// ClockOf возвращает время суток момента t в его зоне
func ClockOf(t time.Time) ClockTime {
	return ClockTime(t.Hour()*60 + t.Minute())
}

// String форматирует как "HH:MM"
func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

// ClockWindow - полуоткрытое окно [Start, End) времени суток.
// Start > End означает переход через полночь (22:00-07:00).
// Start == End - пустое окно.
type ClockWindow struct {
	Start ClockTime
	End   ClockTime
}

// Contains проверяет, попадает ли время суток c в окно
func (w ClockWindow) Contains(c ClockTime) bool {
	if w.Start == w.End {
		return false
	}
	if w.Start < w.End {
		return c >= w.Start && c < w.End
	}
	// через полночь
	return c >= w.Start || c < w.End
}

// ContainsTime проверяет момент t, переведённый в зону loc
func (w ClockWindow) ContainsTime(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	return w.Contains(ClockOf(t.In(loc)))
}

// ============================================================
// Диапазоны
// ============================================================

// TimeRange - полуоткрытый диапазон [Start, End)
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains проверяет, попадает ли время в диапазон
func (tr TimeRange) Contains(t time.Time) bool {
	return !t.Before(tr.Start) && t.Before(tr.End)
}

// Duration возвращает длительность диапазона
func (tr TimeRange) Duration() time.Duration {
	return tr.End.Sub(tr.Start)
}

// DayRangeIn возвращает диапазон дня, содержащего t, в зоне loc
func DayRangeIn(t time.Time, loc *time.Location) TimeRange {
	return TimeRange{Start: DayStartIn(t, loc), End: NextDayStartIn(t, loc)}
}

// WeekRangeIn возвращает диапазон недели, содержащей t, в зоне loc
func WeekRangeIn(t time.Time, loc *time.Location) TimeRange {
	return TimeRange{Start: WeekStartIn(t, loc), End: NextWeekStartIn(t, loc)}
}

// ============================================================
// Форматирование
// ============================================================

// FormatDuration форматирует продолжительность в человекочитаемый формат
//
// Примеры:
//   - "45s"
//   - "5m30s"
//   - "2h15m0s"
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return (time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute).String()
	}
	if minutes > 0 {
		return (time.Duration(minutes)*time.Minute + time.Duration(seconds)*time.Second).String()
	}
	return (time.Duration(seconds) * time.Second).String()
}
