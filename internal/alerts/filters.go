package alerts

import (
	"context"
	"time"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// Action - решение фильтра
type Action int

const (
	ActionPass Action = iota
	ActionSkip
	ActionBuffer
)

func (a Action) String() string {
	switch a {
	case ActionSkip:
		return "skip"
	case ActionBuffer:
		return "buffer"
	default:
		return "pass"
	}
}

// Verdict - результат фильтра с причиной для записи
type Verdict struct {
	Action Action
	Reason string
}

var pass = Verdict{Action: ActionPass}

func skip(reason string) Verdict   { return Verdict{Action: ActionSkip, Reason: reason} }
func buffer(reason string) Verdict { return Verdict{Action: ActionBuffer, Reason: reason} }

// FilterInput - данные, доступные фильтрам
type FilterInput struct {
	Event    *models.AlertEvent
	Pref     *models.AlertPreference
	Location *time.Location
	Now      time.Time
}

// Filter - шаг конвейера; первый не-pass результат останавливает конвейер
type Filter interface {
	Name() string
	Apply(ctx context.Context, in *FilterInput) (Verdict, error)
}

// DefaultFilters - конвейер в порядке применения
func DefaultFilters(throttle Throttle) []Filter {
	return []Filter{
		confidenceFilter{},
		allowListFilter{},
		quietHoursFilter{},
		throttleFilter{throttle: throttle},
		priorityFilter{},
	}
}

// runFilters применяет конвейер; в режиме сводки прошедшее событие буферизуется
func runFilters(ctx context.Context, filters []Filter, in *FilterInput) (Verdict, error) {
	for _, f := range filters {
		v, err := f.Apply(ctx, in)
		if err != nil {
			return Verdict{}, err
		}
		if v.Action != ActionPass {
			return v, nil
		}
	}
	if in.Pref.DigestMode {
		return buffer(models.SkipReasonDigest), nil
	}
	return pass, nil
}

// 1. Уверенность
type confidenceFilter struct{}

func (confidenceFilter) Name() string { return "confidence" }

// события без уверенности (риск, блокировки) фильтр не трогает
func (confidenceFilter) Apply(_ context.Context, in *FilterInput) (Verdict, error) {
	if in.Event.Confidence != nil && *in.Event.Confidence < in.Pref.MinConfidence {
		return skip(models.SkipReasonConfidence), nil
	}
	return pass, nil
}

// 2. Списки символов и паттернов
type allowListFilter struct{}

func (allowListFilter) Name() string { return "allow_list" }

func (allowListFilter) Apply(_ context.Context, in *FilterInput) (Verdict, error) {
	if len(in.Pref.Symbols) > 0 && in.Event.Symbol != "" && !contains(in.Pref.Symbols, in.Event.Symbol) {
		return skip(models.SkipReasonSymbol), nil
	}
	if len(in.Pref.Patterns) > 0 && in.Event.Pattern != "" && !contains(in.Pref.Patterns, in.Event.Pattern) {
		return skip(models.SkipReasonPattern), nil
	}
	return pass, nil
}

// 3. Тихие часы; CRITICAL проходит всегда
type quietHoursFilter struct{}

func (quietHoursFilter) Name() string { return "quiet_hours" }

func (quietHoursFilter) Apply(_ context.Context, in *FilterInput) (Verdict, error) {
	if in.Event.Priority == models.PriorityCritical {
		return pass, nil
	}
	if InQuietHours(in.Pref, in.Location, in.Now) {
		return buffer(models.SkipReasonQuietHours), nil
	}
	return pass, nil
}

// 4. Лимиты в час/сутки. Здесь только проверка, счётчик растёт при отправке.
type throttleFilter struct {
	throttle Throttle
}

func (throttleFilter) Name() string { return "throttle" }

func (f throttleFilter) Apply(ctx context.Context, in *FilterInput) (Verdict, error) {
	if f.throttle == nil {
		return pass, nil
	}
	exceeded, err := f.throttle.Peek(ctx, in.Event.UserID, LimitsFor(in.Pref, in.Location), in.Now)
	if err != nil {
		return Verdict{}, err
	}
	if !exceeded {
		return pass, nil
	}
	if in.Pref.DigestMode {
		return buffer(models.SkipReasonThrottled), nil
	}
	return skip(models.SkipReasonThrottled), nil
}

// 5. Только HIGH и выше
type priorityFilter struct{}

func (priorityFilter) Name() string { return "high_priority_only" }

func (priorityFilter) Apply(_ context.Context, in *FilterInput) (Verdict, error) {
	if in.Pref.HighPriorityOnly && models.PriorityRank(in.Event.Priority) < models.PriorityRank(models.PriorityHigh) {
		return skip(models.SkipReasonPriority), nil
	}
	return pass, nil
}

func quietWindow(q *models.QuietHours) (utils.ClockWindow, error) {
	start, err := utils.ParseClock(q.Start)
	if err != nil {
		return utils.ClockWindow{}, err
	}
	end, err := utils.ParseClock(q.End)
	if err != nil {
		return utils.ClockWindow{}, err
	}
	return utils.ClockWindow{Start: start, End: end}, nil
}

// InQuietHours - находится ли пользователь в тихих часах в момент now.
// Битое окно не блокирует доставку: настройки валидируются при сохранении.
func InQuietHours(pref *models.AlertPreference, loc *time.Location, now time.Time) bool {
	if pref.QuietHours == nil {
		return false
	}
	w, err := quietWindow(pref.QuietHours)
	if err != nil {
		return false
	}
	return w.ContainsTime(now, loc)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
