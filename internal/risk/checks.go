package risk

import (
	"fmt"
	"math"

	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// checks.go - проверки одобрения сделки
//
// Каждая проверка - независимый объект, возвращающий pass/fail и
// нормированную тяжесть 0..1. Порядок фиксирован, провал жёсткой проверки
// не прерывает остальные.

// Имена проверок
const (
	CheckHeat        = "heat"
	CheckDailyLoss   = "daily_loss"
	CheckWeeklyLoss  = "weekly_loss"
	CheckPosition    = "position_size"
	CheckCorrelation = "correlation"
	CheckKellyEdge   = "kelly_edge"
)

// CheckContext - данные для проверок
type CheckContext struct {
	Account      *models.Account
	Positions    []*models.Position
	Request      *models.TradeRequest
	Sizing       models.SizingResult
	Correlations CorrelationLookup
}

// Check - одна проверка одобрения
type Check interface {
	Name() string
	Hard() bool
	Weight() float64
	Evaluate(cc *CheckContext) models.CheckResult
}

// DefaultChecks возвращает шесть проверок в порядке выполнения.
// Сумма весов = 1, поэтому riskScore лежит в 0..100.
func DefaultChecks() []Check {
	return []Check{
		heatCheck{},
		lossCheck{name: CheckDailyLoss, weekly: false},
		lossCheck{name: CheckWeeklyLoss, weekly: true},
		positionSizeCheck{},
		correlationCheck{},
		kellyEdgeCheck{},
	}
}

func severity(value, limit float64) float64 {
	if limit <= 0 {
		return 1
	}
	return utils.Clamp(value/limit, 0, 1)
}

// ============================================================
// 1. Heat
// ============================================================

type heatCheck struct{}

func (heatCheck) Name() string { return CheckHeat }
func (heatCheck) Hard() bool { return true }
func (heatCheck) Weight() float64 { return 0.30 }

func (c heatCheck) Evaluate(cc *CheckContext) models.CheckResult {
	limit := cc.Account.Risk.HeatLimitPct
	after := cc.Sizing.HeatAfterPct
	res := models.CheckResult{Name: c.Name(), Hard: true, Severity: severity(after, limit)}
	if after <= limit {
		res.Passed = true
		res.Message = fmt.Sprintf("heat after trade %.2f%% within limit %.2f%%", after, limit)
	} else {
		res.Message = fmt.Sprintf("heat after trade %.2f%% exceeds limit %.2f%%", after, limit)
	}
	return res
}

// ============================================================
// 2-3. Дневной и недельный убыток
// ============================================================

type lossCheck struct {
	name   string
	weekly bool
}

func (c lossCheck) Name() string { return c.name }
func (lossCheck) Hard() bool { return true }

func (c lossCheck) Weight() float64 {
	if c.weekly {
		return 0.15
	}
	return 0.20
}

func (c lossCheck) Evaluate(cc *CheckContext) models.CheckResult {
	period, loss, limit := "daily", cc.Account.DailyLoss, cc.Account.Risk.DailyLossLimit
	if c.weekly {
		period, loss, limit = "weekly", cc.Account.WeeklyLoss, cc.Account.Risk.WeeklyLossLimit
	}

	// худший случай - срабатывание стопа
	worst := loss + cc.Sizing.DollarRisk
	res := models.CheckResult{Name: c.name, Hard: true, Severity: severity(worst, limit)}
	if worst <= limit {
		res.Passed = true
		res.Message = fmt.Sprintf("%s loss with stop hit %.2f within limit %.2f", period, worst, limit)
	} else {
		res.Message = fmt.Sprintf("%s loss with stop hit %.2f exceeds limit %.2f", period, worst, limit)
	}
	return res
}

// ============================================================
// 4. Размер позиции
// ============================================================

type positionSizeCheck struct{}

func (positionSizeCheck) Name() string { return CheckPosition }
func (positionSizeCheck) Hard() bool { return true }
func (positionSizeCheck) Weight() float64 { return 0.15 }

func (c positionSizeCheck) Evaluate(cc *CheckContext) models.CheckResult {
	maxValue := cc.Account.Balance * cc.Account.Risk.MaxPositionPct / 100
	value := cc.Sizing.PositionValue
	res := models.CheckResult{Name: c.Name(), Hard: true, Severity: severity(value, maxValue)}

	switch {
	case cc.Sizing.Units <= 0 && !cc.Sizing.NoEdge:
		res.Severity = 0
		res.Message = "position size rounds down to zero units"
	case value <= maxValue:
		res.Passed = true
		res.Message = fmt.Sprintf("position value %.2f within max %.2f", value, maxValue)
	default:
		res.Message = fmt.Sprintf("position value %.2f exceeds max %.2f (%.1f%% of balance)",
			value, maxValue, cc.Account.Risk.MaxPositionPct)
	}
	return res
}

// ============================================================
// 5. Корреляция (мягкая)
// ============================================================

type correlationCheck struct{}

func (correlationCheck) Name() string { return CheckCorrelation }
func (correlationCheck) Hard() bool { return false }
func (correlationCheck) Weight() float64 { return 0.10 }

// Evaluate суммирует риск открытых позиций, коррелированных с новым символом
// сильнее порога. Превышение границы даёт предупреждение, отклонение решает
// агрегатор с учётом близости heat к лимиту.
func (c correlationCheck) Evaluate(cc *CheckContext) models.CheckResult {
	res := models.CheckResult{Name: c.Name(), Passed: true}
	if cc.Correlations == nil {
		res.Message = "no correlation data"
		return res
	}

	threshold := cc.Account.Risk.CorrelationThreshold
	bound := cc.Account.Risk.CorrelatedRiskPct

	var correlated []string
	groupRisk := cc.Sizing.RiskPct
	for _, p := range cc.Positions {
		if p.Symbol == cc.Request.Symbol {
			groupRisk += p.RiskPct
			correlated = append(correlated, p.Symbol)
			continue
		}
		rho, ok := cc.Correlations.Correlation(cc.Request.Symbol, p.Symbol)
		if !ok || math.Abs(rho) <= threshold {
			continue
		}
		groupRisk += p.RiskPct
		correlated = append(correlated, fmt.Sprintf("%s(%.2f)", p.Symbol, rho))
	}

	if len(correlated) == 0 {
		res.Message = "no open positions correlated above threshold"
		return res
	}

	res.Severity = severity(groupRisk, bound)
	if groupRisk > bound {
		res.Passed = false
		res.Message = fmt.Sprintf("correlated risk %.2f%% exceeds bound %.2f%% with %v", groupRisk, bound, correlated)
	} else {
		res.Message = fmt.Sprintf("correlated risk %.2f%% within bound %.2f%% with %v", groupRisk, bound, correlated)
	}
	return res
}

// ============================================================
// 6. Kelly edge
// ============================================================

type kellyEdgeCheck struct{}

func (kellyEdgeCheck) Name() string { return CheckKellyEdge }
func (kellyEdgeCheck) Hard() bool { return true }
func (kellyEdgeCheck) Weight() float64 { return 0.10 }

func (c kellyEdgeCheck) Evaluate(cc *CheckContext) models.CheckResult {
	res := models.CheckResult{Name: c.Name(), Hard: true}
	if cc.Sizing.Method != models.SizingKelly {
		res.Passed = true
		res.Message = "not applicable"
		return res
	}
	if cc.Sizing.NoEdge {
		res.Severity = 1
		res.Message = "kelly fraction <= 0: no statistical edge"
		return res
	}
	res.Passed = true
	res.Severity = severity(cc.Sizing.KellyFraction, cc.Account.Risk.KellyCap)
	res.Message = fmt.Sprintf("kelly fraction %.4f", cc.Sizing.KellyFraction)
	return res
}
