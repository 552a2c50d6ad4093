package models

import "time"

// Типы алертов
const (
	AlertTypePattern       = "PATTERN"        // найден паттерн
	AlertTypeRiskLimit     = "RISK_LIMIT"     // приближение к лимиту
	AlertTypeLock          = "LOCK"           // блокировка/разблокировка счёта
	AlertTypeTradeApproved = "TRADE_APPROVED" // сделка одобрена
	AlertTypeTradeRejected = "TRADE_REJECTED" // сделка отклонена
	AlertTypeDigest        = "DIGEST"         // сводка
	AlertTypeSystem        = "SYSTEM"
)

// Приоритеты (по возрастанию)
const (
	PriorityLow      = "LOW"
	PriorityNormal   = "NORMAL"
	PriorityHigh     = "HIGH"
	PriorityCritical = "CRITICAL"
)

// PriorityRank возвращает порядковый номер приоритета (неизвестный = NORMAL)
func PriorityRank(p string) int {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 2
	case PriorityCritical:
		return 3
	default:
		return 1
	}
}

// Статусы записи доставки
const (
	AlertStatusSkipped   = "skipped"
	AlertStatusDelivered = "delivered"
	AlertStatusPartial   = "partial"
	AlertStatusFailed    = "failed"
	AlertStatusBuffered  = "buffered"
	AlertStatusPending   = "pending" // первая попытка ещё идёт
)

// Причины пропуска/буферизации
const (
	SkipReasonConfidence = "below_min_confidence"
	SkipReasonSymbol     = "symbol_not_allowed"
	SkipReasonPattern    = "pattern_not_allowed"
	SkipReasonQuietHours = "quiet_hours"
	SkipReasonThrottled  = "throttled"
	SkipReasonPriority   = "below_high_priority"
	SkipReasonDigest     = "digest_mode"
	SkipReasonNoChannels = "no_channels"
	SkipReasonAlertsOff  = "alerts_disabled"
	SkipReasonDigestOff  = "digest_disabled" // режим сводки выключен до отправки буфера
)

// AlertEvent - событие для доставки пользователю
type AlertEvent struct {
	ID         string                 `json:"id"`
	UserID     string                 `json:"user_id" validate:"required"`
	Type       string                 `json:"type" validate:"required,oneof=PATTERN RISK_LIMIT LOCK TRADE_APPROVED TRADE_REJECTED DIGEST SYSTEM"`
	Priority   string                 `json:"priority,omitempty" validate:"omitempty,oneof=LOW NORMAL HIGH CRITICAL"`
	Symbol     string                 `json:"symbol,omitempty"`
	Pattern    string                 `json:"pattern,omitempty"`
	Confidence *float64               `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`
	Title      string                 `json:"title"`
	Message    string                 `json:"message"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	DedupeKey  string                 `json:"dedupe_key,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
}

// DeliveryResult - итог доставки по одному каналу
type DeliveryResult struct {
	Channel   string    `json:"channel"`
	Success   bool      `json:"success"`
	MessageID string    `json:"message_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	Permanent bool      `json:"permanent,omitempty"` // повтор бессмысленен
	Attempts  int       `json:"attempts"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertRecord - журнал обработки события
type AlertRecord struct {
	ID         string           `json:"id"`
	UserID     string           `json:"user_id"`
	Event      AlertEvent       `json:"event"`
	Status     string           `json:"status"`
	SkipReason string           `json:"skip_reason,omitempty"`
	Deliveries []DeliveryResult `json:"deliveries"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
}

// Clone возвращает копию записи (Deliveries копируются)
func (r *AlertRecord) Clone() *AlertRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Deliveries = append([]DeliveryResult(nil), r.Deliveries...)
	return &c
}

// AggregateStatus вычисляет общий статус по результатам каналов
func AggregateStatus(results []DeliveryResult) string {
	if len(results) == 0 {
		return AlertStatusSkipped
	}
	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	switch {
	case ok == len(results):
		return AlertStatusDelivered
	case ok > 0:
		return AlertStatusPartial
	default:
		return AlertStatusFailed
	}
}

// AlertHistoryFilter - фильтр журнала алертов
type AlertHistoryFilter struct {
	Status string
	Type   string
	Symbol string
	Since  time.Time
	Limit  int
}

// Matches проверяет запись на соответствие фильтру (без Limit)
func (f AlertHistoryFilter) Matches(r *AlertRecord) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Type != "" && r.Event.Type != f.Type {
		return false
	}
	if f.Symbol != "" && r.Event.Symbol != f.Symbol {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// DigestSummary - содержимое сводки
type DigestSummary struct {
	UserID        string    `json:"user_id"`
	Count         int       `json:"count"`
	TopSymbols    []string  `json:"top_symbols"`
	MaxConfidence *float64  `json:"max_confidence,omitempty"`
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
}

// ThrottleWindow - счётчики отправок пользователя в текущих окнах
type ThrottleWindow struct {
	UserID    string    `json:"user_id"`
	HourStart time.Time `json:"hour_start"`
	HourCount int       `json:"hour_count"`
	DayStart  time.Time `json:"day_start"`
	DayCount  int       `json:"day_count"`
}
