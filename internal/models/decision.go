package models

import "time"

// Методы расчёта размера позиции
const (
	SizingFixedPercent = "FIXED_PERCENT"
	SizingATR          = "ATR_BASED"
	SizingKelly        = "KELLY"
)

// Состояния решения по сделке
const (
	DecisionPending    = "PENDING"
	DecisionEvaluating = "EVALUATING"
	DecisionApproved   = "APPROVED"
	DecisionRejected   = "REJECTED"
)

// Уровни риска
const (
	RiskLevelLow    = "LOW"
	RiskLevelMedium = "MEDIUM"
	RiskLevelHigh   = "HIGH"
)

// TradeRequest - входные данные для расчёта и одобрения сделки
type TradeRequest struct {
	AccountID  string   `json:"account_id" validate:"required"`
	Symbol     string   `json:"symbol" validate:"required,symbol"`
	Direction  string   `json:"direction,omitempty" validate:"omitempty,oneof=long short"`
	EntryPrice float64  `json:"entry_price" validate:"gt=0"`
	StopPrice  float64  `json:"stop_price" validate:"gt=0"`
	Method     string   `json:"method,omitempty" validate:"omitempty,oneof=FIXED_PERCENT ATR_BASED KELLY"`
	RiskPct    float64  `json:"risk_pct,omitempty" validate:"omitempty,gte=1,lte=5"` // 0 = из настроек счёта
	ATR        *float64 `json:"atr,omitempty"`
	WinRate    *float64 `json:"win_rate,omitempty"`
	AvgWin     *float64 `json:"avg_win,omitempty"`
	AvgLoss    *float64 `json:"avg_loss,omitempty"`
}

// SizingResult - результат расчёта размера позиции
type SizingResult struct {
	Method        string  `json:"method"`
	Units         float64 `json:"units"`
	PositionValue float64 `json:"position_value"` // $
	DollarRisk    float64 `json:"dollar_risk"`    // units × эффективная дистанция стопа
	RiskPct       float64 `json:"risk_pct"`       // % баланса
	StopDistance  float64 `json:"stop_distance"`
	KellyFraction float64 `json:"kelly_fraction,omitempty"`
	NoEdge        bool    `json:"no_edge,omitempty"`
	HeatPct       float64 `json:"heat_pct"`       // текущий heat счёта
	HeatAfterPct  float64 `json:"heat_after_pct"` // heat после открытия
}

// CheckResult - результат одной проверки
type CheckResult struct {
	Name     string  `json:"name"`
	Passed   bool    `json:"passed"`
	Hard     bool    `json:"hard"`
	Severity float64 `json:"severity"` // 0..1
	Message  string  `json:"message"`
}

// RiskDecision - неизменяемый результат оценки сделки
type RiskDecision struct {
	ID             string        `json:"id"`
	Request        TradeRequest  `json:"request"`
	Sizing         SizingResult  `json:"sizing"`
	Checks         []CheckResult `json:"checks"`
	RiskScore      float64       `json:"risk_score"` // 0..100
	RiskLevel      string        `json:"risk_level"`
	State          string        `json:"state"`
	Approved       bool          `json:"approved"`
	Reasons        []string      `json:"reasons,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	LimitKind      string        `json:"limit_kind,omitempty"` // heat, daily, weekly
	Recommendation string        `json:"recommendation"`
	AccountVersion int64         `json:"account_version"`
	EvaluatedAt    time.Time     `json:"evaluated_at"`
}

// TradeResult - результат SubmitTrade (решение и, при одобрении, позиция)
type TradeResult struct {
	Decision *RiskDecision `json:"decision"`
	Position *Position     `json:"position,omitempty"`
}
