package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradeguard/internal/models"
)

// sizing.go - расчёт размера позиции
//
// Методы:
// - FIXED_PERCENT: units = floor(balance × risk% / |entry − stop|)
// - ATR_BASED: то же, но дистанция = max(|entry − stop|, ATRMultiple × ATR)
// - KELLY: units = floor(balance × kelly / entry), kelly ограничен [0, KellyCap]
//
// Вся арифметика в decimal, наружу отдаётся float64.

const (
	minRiskPct = 1
	maxRiskPct = 5
)

var hundred = decimal.NewFromInt(100)

// SizingInput - параметры расчёта
type SizingInput struct {
	Balance     float64
	RiskPct     float64 // 0 = DefaultRisk
	DefaultRisk float64
	Entry       float64
	Stop        float64
	Direction   string // опционально
	Method      string
	ATR         *float64
	WinRate     *float64
	AvgWin      *float64
	AvgLoss     *float64
	ATRMultiple float64
	KellyCap    float64
}

// SizingInputFor собирает вход калькулятора из запроса и конфигурации счёта
func SizingInputFor(req *models.TradeRequest, acc *models.Account) SizingInput {
	return SizingInput{
		Balance:     acc.Balance,
		RiskPct:     req.RiskPct,
		DefaultRisk: acc.Risk.RiskPerTradePct,
		Entry:       req.EntryPrice,
		Stop:        req.StopPrice,
		Direction:   req.Direction,
		Method:      req.Method,
		ATR:         req.ATR,
		WinRate:     req.WinRate,
		AvgWin:      req.AvgWin,
		AvgLoss:     req.AvgLoss,
		ATRMultiple: acc.Risk.ATRMultiple,
		KellyCap:    acc.Risk.KellyCap,
	}
}

// CalculateSize - чистая функция расчёта размера позиции.
// Heat-поля результата заполняет вызывающий по снимку трекера.
func CalculateSize(in SizingInput) (models.SizingResult, error) {
	method := in.Method
	if method == "" {
		method = models.SizingFixedPercent
	}

	if in.Balance <= 0 {
		return models.SizingResult{}, invalidInput("balance must be positive, got %v", in.Balance)
	}
	if in.Entry <= 0 || in.Stop <= 0 {
		return models.SizingResult{}, invalidInput("prices must be positive (entry=%v stop=%v)", in.Entry, in.Stop)
	}
	if err := validateStop(in.Entry, in.Stop, in.Direction); err != nil {
		return models.SizingResult{}, err
	}

	riskPct := in.RiskPct
	if riskPct == 0 {
		riskPct = in.DefaultRisk
	}
	if riskPct < minRiskPct || riskPct > maxRiskPct {
		return models.SizingResult{}, invalidInput("risk per trade must be within %d-%d%%, got %v", minRiskPct, maxRiskPct, riskPct)
	}

	balance := decimal.NewFromFloat(in.Balance)
	entry := decimal.NewFromFloat(in.Entry)
	stopDistance := entry.Sub(decimal.NewFromFloat(in.Stop)).Abs()

	switch method {
	case models.SizingFixedPercent:
		return fixedPercent(method, balance, entry, decimal.NewFromFloat(riskPct), stopDistance), nil

	case models.SizingATR:
		if in.ATR == nil || *in.ATR <= 0 {
			return models.SizingResult{}, invalidInput("ATR_BASED sizing requires a positive atr")
		}
		mult := in.ATRMultiple
		if mult <= 0 {
			mult = models.DefaultRiskConfig().ATRMultiple
		}
		atrDistance := decimal.NewFromFloat(mult).Mul(decimal.NewFromFloat(*in.ATR))
		distance := decimal.Max(stopDistance, atrDistance)
		return fixedPercent(method, balance, entry, decimal.NewFromFloat(riskPct), distance), nil

	case models.SizingKelly:
		return kelly(in, balance, entry, stopDistance)

	default:
		return models.SizingResult{}, invalidInput("unknown sizing method %q", method)
	}
}

// validateStop проверяет положение стопа относительно входа и направления
func validateStop(entry, stop float64, direction string) error {
	if entry == stop {
		return ErrInvalidStopPlacement
	}
	switch direction {
	case "":
	case models.DirectionLong:
		if stop > entry {
			return fmt.Errorf("%w: long stop %v above entry %v", ErrInvalidStopPlacement, stop, entry)
		}
	case models.DirectionShort:
		if stop < entry {
			return fmt.Errorf("%w: short stop %v below entry %v", ErrInvalidStopPlacement, stop, entry)
		}
	default:
		return invalidInput("unknown direction %q", direction)
	}
	return nil
}

func fixedPercent(method string, balance, entry, riskPct, distance decimal.Decimal) models.SizingResult {
	riskAmount := balance.Mul(riskPct).Div(hundred)
	units := riskAmount.Div(distance).Floor()
	return buildResult(method, balance, entry, distance, units)
}

func kelly(in SizingInput, balance, entry, stopDistance decimal.Decimal) (models.SizingResult, error) {
	if in.WinRate == nil || in.AvgWin == nil || in.AvgLoss == nil {
		return models.SizingResult{}, invalidInput("KELLY sizing requires win_rate, avg_win and avg_loss")
	}
	if *in.WinRate <= 0 || *in.WinRate >= 1 {
		return models.SizingResult{}, invalidInput("win_rate must be within (0,1), got %v", *in.WinRate)
	}
	if *in.AvgWin <= 0 || *in.AvgLoss <= 0 {
		return models.SizingResult{}, invalidInput("avg_win and avg_loss must be positive")
	}

	winRate := decimal.NewFromFloat(*in.WinRate)
	payoff := decimal.NewFromFloat(*in.AvgWin).Div(decimal.NewFromFloat(*in.AvgLoss))
	k := winRate.Sub(decimal.NewFromInt(1).Sub(winRate).Div(payoff))

	if !k.IsPositive() {
		res := buildResult(models.SizingKelly, balance, entry, stopDistance, decimal.Zero)
		res.NoEdge = true
		return res, nil
	}

	kellyCap := in.KellyCap
	if kellyCap <= 0 {
		kellyCap = models.DefaultRiskConfig().KellyCap
	}
	k = decimal.Min(k, decimal.NewFromFloat(kellyCap))

	units := balance.Mul(k).Div(entry).Floor()
	res := buildResult(models.SizingKelly, balance, entry, stopDistance, units)
	res.KellyFraction = k.Round(6).InexactFloat64()
	return res, nil
}

func buildResult(method string, balance, entry, distance, units decimal.Decimal) models.SizingResult {
	dollarRisk := units.Mul(distance)
	return models.SizingResult{
		Method:        method,
		Units:         units.InexactFloat64(),
		PositionValue: units.Mul(entry).Round(8).InexactFloat64(),
		DollarRisk:    dollarRisk.Round(8).InexactFloat64(),
		RiskPct:       dollarRisk.Div(balance).Mul(hundred).Round(6).InexactFloat64(),
		StopDistance:  distance.Round(8).InexactFloat64(),
	}
}

// HeatAfter возвращает heat после добавления риска позиции
func HeatAfter(heatPct, riskPct float64) float64 {
	return decimal.NewFromFloat(heatPct).Add(decimal.NewFromFloat(riskPct)).Round(6).InexactFloat64()
}
