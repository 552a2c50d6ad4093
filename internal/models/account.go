package models

import "time"

// RiskConfig - риск-параметры счёта
type RiskConfig struct {
	RiskPerTradePct      float64 `json:"risk_per_trade_pct" db:"risk_per_trade_pct" validate:"gte=1,lte=5"`      // % баланса на сделку
	HeatLimitPct         float64 `json:"heat_limit_pct" db:"heat_limit_pct" validate:"gt=0,lte=100"`             // предел суммарного риска открытых позиций, %
	DailyLossLimit       float64 `json:"daily_loss_limit" db:"daily_loss_limit" validate:"gt=0"`                 // $
	WeeklyLossLimit      float64 `json:"weekly_loss_limit" db:"weekly_loss_limit" validate:"gt=0"`               // $
	MaxPositionPct       float64 `json:"max_position_pct" db:"max_position_pct" validate:"gt=0,lte=100"`         // макс. стоимость одной позиции, % баланса
	CorrelationThreshold float64 `json:"correlation_threshold" db:"correlation_threshold" validate:"gt=0,lte=1"` // |ρ| выше порога = коррелированы
	CorrelatedRiskPct    float64 `json:"correlated_risk_pct" db:"correlated_risk_pct" validate:"gt=0,lte=100"`   // предел суммарного риска коррелированной группы, %
	NearLimitRatio       float64 `json:"near_limit_ratio" db:"near_limit_ratio" validate:"gt=0,lte=1"`           // доля heat limit, с которой корреляция отклоняет
	ATRMultiple          float64 `json:"atr_multiple" db:"atr_multiple" validate:"gt=0"`
	KellyCap             float64 `json:"kelly_cap" db:"kelly_cap" validate:"gt=0,lte=1"`
}

// DefaultRiskConfig возвращает документированные значения по умолчанию.
// Источники расходятся (дневной лимит $500 / $2000, heat 3% / 6%),
// поэтому здесь один вариант, а переопределение идёт через RISK_DEFAULT_*.
func DefaultRiskConfig() RiskConfig {
	return RiskConfig{
		RiskPerTradePct:      2,
		HeatLimitPct:         6,
		DailyLossLimit:       500,
		WeeklyLossLimit:      1500,
		MaxPositionPct:       20,
		CorrelationThreshold: 0.7,
		CorrelatedRiskPct:    4,
		NearLimitRatio:       0.8,
		ATRMultiple:          1.5,
		KellyCap:             0.25,
	}
}

// Account - торговый счёт с агрегатами трекера.
// Инвариант: HeatPct == Σ RiskPct открытых позиций.
type Account struct {
	ID          string     `json:"id" db:"id"`
	OwnerUserID string     `json:"owner_user_id" db:"owner_user_id"` // получатель риск-алертов
	Balance     float64    `json:"balance" db:"balance"`
	Timezone    string     `json:"timezone" db:"timezone"` // IANA, границы дня/недели
	Risk        RiskConfig `json:"risk" db:"-"`

	HeatPct    float64   `json:"heat_pct" db:"heat_pct"`
	DailyLoss  float64   `json:"daily_loss" db:"daily_loss"`   // накопленный реализованный убыток, положительное число
	WeeklyLoss float64   `json:"weekly_loss" db:"weekly_loss"` // то же за неделю
	DayStart   time.Time `json:"day_start" db:"day_start"`     // начало дня, к которому относится DailyLoss
	WeekStart  time.Time `json:"week_start" db:"week_start"`

	Locked     bool       `json:"locked" db:"locked"`
	LockReason string     `json:"lock_reason,omitempty" db:"lock_reason"` // daily, weekly
	LockedAt   *time.Time `json:"locked_at,omitempty" db:"locked_at"`

	Version   int64     `json:"version" db:"version"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Clone возвращает независимую копию
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.LockedAt != nil {
		t := *a.LockedAt
		c.LockedAt = &t
	}
	return &c
}

// RiskMetrics - снимок состояния счёта для GetRiskMetrics
type RiskMetrics struct {
	AccountID       string    `json:"account_id"`
	Balance         float64   `json:"balance"`
	HeatPct         float64   `json:"heat_pct"`
	HeatLimitPct    float64   `json:"heat_limit_pct"`
	DailyLoss       float64   `json:"daily_loss"`
	DailyLossLimit  float64   `json:"daily_loss_limit"`
	WeeklyLoss      float64   `json:"weekly_loss"`
	WeeklyLossLimit float64   `json:"weekly_loss_limit"`
	Locked          bool      `json:"locked"`
	LockReason      string    `json:"lock_reason,omitempty"`
	OpenPositions   int       `json:"open_positions"`
	Version         int64     `json:"version"`
	AsOf            time.Time `json:"as_of"`
}

// AccountEvent - запись аудита переходов circuit breaker
type AccountEvent struct {
	ID         string    `json:"id" db:"id"`
	AccountID  string    `json:"account_id" db:"account_id"`
	Type       string    `json:"type" db:"type"`     // LOCKED, UNLOCKED
	Reason     string    `json:"reason" db:"reason"` // daily, weekly, reset
	Message    string    `json:"message" db:"message"`
	DailyLoss  float64   `json:"daily_loss" db:"daily_loss"`
	WeeklyLoss float64   `json:"weekly_loss" db:"weekly_loss"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// Типы событий счёта
const (
	AccountEventLocked   = "LOCKED"
	AccountEventUnlocked = "UNLOCKED"
)

// Причины блокировки
const (
	LockReasonDaily  = "daily"
	LockReasonWeekly = "weekly"
	LockReasonReset  = "reset"
)
