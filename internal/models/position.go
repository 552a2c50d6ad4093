package models

import "time"

// Position - позиция в журнале счёта
type Position struct {
	ID          string     `json:"id" db:"id"`
	AccountID   string     `json:"account_id" db:"account_id"`
	DecisionID  string     `json:"decision_id,omitempty" db:"decision_id"`
	Symbol      string     `json:"symbol" db:"symbol"`
	Direction   string     `json:"direction" db:"direction"` // long, short
	EntryPrice  float64    `json:"entry_price" db:"entry_price"`
	StopPrice   float64    `json:"stop_price" db:"stop_price"`
	Units       float64    `json:"units" db:"units"`
	RiskAmount  float64    `json:"risk_amount" db:"risk_amount"` // $
	RiskPct     float64    `json:"risk_pct" db:"risk_pct"`       // % баланса
	Status      string     `json:"status" db:"status"`           // open, closed
	OpenedAt    time.Time  `json:"opened_at" db:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty" db:"closed_at"`
	ExitPrice   *float64   `json:"exit_price,omitempty" db:"exit_price"`
	RealizedPnl float64    `json:"realized_pnl" db:"realized_pnl"`
}

// Статусы позиции
const (
	PositionStatusOpen   = "open"
	PositionStatusClosed = "closed"
)

// Направления
const (
	DirectionLong  = "long"
	DirectionShort = "short"
)

// IsOpen - позиция ещё учитывается в heat
func (p *Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// DirectionSign: +1 для long, -1 для short
func DirectionSign(direction string) float64 {
	if direction == DirectionShort {
		return -1
	}
	return 1
}
