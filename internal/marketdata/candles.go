// Package marketdata предоставляет исторические свечи для риск-движка:
// цены закрытия для матрицы корреляций и ATR для метода ATR_BASED.
package marketdata

import (
	"context"
	"errors"
	"math"
	"time"
)

// ErrNotEnoughData - свечей меньше, чем нужно для расчёта
var ErrNotEnoughData = errors.New("not enough candles")

// Candle - одна свеча (сессия)
type Candle struct {
	OpenTime time.Time `json:"open_time"`
	Open     float64   `json:"open"`
	High     float64   `json:"high"`
	Low      float64   `json:"low"`
	Close    float64   `json:"close"`
	Volume   float64   `json:"volume"`
}

// CandleSource - поставщик свечей, от старых к новым
type CandleSource interface {
	Candles(ctx context.Context, symbol string, limit int) ([]Candle, error)
}

// TrueRange - истинный диапазон свечи относительно предыдущего закрытия
func TrueRange(c Candle, prevClose float64) float64 {
	tr := c.High - c.Low
	if prevClose > 0 {
		tr = math.Max(tr, math.Abs(c.High-prevClose))
		tr = math.Max(tr, math.Abs(c.Low-prevClose))
	}
	return tr
}

// ATR - средний истинный диапазон по последним period свечам.
// Нужна period+1 свеча: первая даёт только предыдущее закрытие.
func ATR(candles []Candle, period int) (float64, error) {
	if period <= 0 || len(candles) < period+1 {
		return 0, ErrNotEnoughData
	}
	tail := candles[len(candles)-period-1:]

	var sum float64
	for i := 1; i < len(tail); i++ {
		sum += TrueRange(tail[i], tail[i-1].Close)
	}
	return sum / float64(period), nil
}

// Closes - цены закрытия в порядке свечей
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
