package utils

import (
	"math"
)

// math.go - математические утилиты риск-менеджмента
//
// Назначение:
// Вспомогательные функции для расчёта PnL, весовых оценок и корреляций.
// Все функции являются чистыми (pure functions) без побочных эффектов.
//
// Функции:
// - RoundToLotSize: округление объёма вниз до шага
// - CalculatePNL: PnL позиции по направлению
// - CalculateWeightedAverage: средневзвешенное значение
// - PearsonCorrelation: корреляция двух рядов доходностей
// - Returns: ряд простых доходностей из цен закрытия

// RoundToLotSize округляет значение ВНИЗ до ближайшего кратного lotSize.
//
// Округление вниз гарантирует, что риск позиции не превысит расчётный.
//
// Примеры:
//   - RoundToLotSize(40.98, 1) = 40
//   - RoundToLotSize(0.123456, 0.001) = 0.123
//   - Если lotSize <= 0, возвращает исходное значение
func RoundToLotSize(value, lotSize float64) float64 {
	if lotSize <= 0 {
		return value
	}
	// небольшой допуск, чтобы 0.3/0.1 не превращалось в 2
	return math.Floor(value/lotSize+1e-9) * lotSize
}

// CalculatePNL расчитывает PnL позиции.
//
// Формула:
//   - Long PNL = (P_close - P_open) × qty
//   - Short PNL = (P_open - P_close) × qty
//
// Возвращает 0 для неизвестного направления или нулевого объёма.
func CalculatePNL(side string, entryPrice, currentPrice, quantity float64) float64 {
	if quantity <= 0 {
		return 0
	}

	switch side {
	case "long":
		return (currentPrice - entryPrice) * quantity
	case "short":
		return (entryPrice - currentPrice) * quantity
	default:
		return 0
	}
}

// CalculateWeightedAverage расчитывает средневзвешенное значение.
//
//	WA = Σ(value_i × weight_i) / Σ(weight_i)
//
// Отрицательные веса пропускаются. При некорректных данных возвращает 0.
func CalculateWeightedAverage(values, weights []float64) float64 {
	if len(values) == 0 || len(values) != len(weights) {
		return 0
	}

	var sumWeighted, sumWeights float64
	for i := range values {
		if weights[i] < 0 {
			continue
		}
		sumWeighted += values[i] * weights[i]
		sumWeights += weights[i]
	}

	if sumWeights == 0 {
		return 0
	}
	return sumWeighted / sumWeights
}

// Mean возвращает среднее арифметическое (0 для пустого ряда)
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// PearsonCorrelation расчитывает коэффициент корреляции Пирсона.
//
// Ряды выравниваются по хвосту (берутся последние min(len) значений).
// ok=false, если точек меньше двух или дисперсия одного из рядов нулевая.
func PearsonCorrelation(a, b []float64) (corr float64, ok bool) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0, false
	}
	a = a[len(a)-n:]
	b = b[len(b)-n:]

	meanA, meanB := Mean(a), Mean(b)

	var cov, varA, varB float64
	for i := 0; i < n; i++ {
		da := a[i] - meanA
		db := b[i] - meanB
		cov += da * db
		varA += da * da
		varB += db * db
	}

	if varA == 0 || varB == 0 {
		return 0, false
	}
	return Clamp(cov/math.Sqrt(varA*varB), -1, 1), true
}

// Returns переводит ряд цен закрытия в простые доходности.
// Точки с неположительной предыдущей ценой пропускаются.
func Returns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 {
			continue
		}
		out = append(out, closes[i]/closes[i-1]-1)
	}
	return out
}

// SafeDiv делит a на b, возвращая 0 при b == 0
func SafeDiv(a, b float64) float64 {
	if b == 0 {
		return 0
	}
	return a / b
}

// Clamp ограничивает значение диапазоном [min, max].
func Clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
