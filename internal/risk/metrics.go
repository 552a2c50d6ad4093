package risk

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tradeguard/internal/models"
)

// ============================================================
// Prometheus метрики риск-движка
// ============================================================

// DecisionsTotal - решения по результату и уровню риска
var DecisionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "decisions_total",
		Help:      "Total number of trade decisions by state and risk level",
	},
	[]string{"operation", "state", "level"},
)

// RejectionsByLimit - отказы по виду лимита (heat, daily, weekly, other)
var RejectionsByLimit = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "rejections_total",
		Help:      "Total number of rejected decisions by limit kind",
	},
	[]string{"limit"},
)

// RiskScore - распределение итоговой оценки риска
var RiskScore = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "risk_score",
		Help:      "Distribution of aggregate risk scores (0-100)",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	},
)

// EvaluationLatency - время оценки/commit в миллисекундах
var EvaluationLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "evaluation_latency_ms",
		Help:      "Latency of evaluate, submit and commit operations in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	},
	[]string{"operation"},
)

// CommitsTotal - результаты commit позиций
var CommitsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "commits_total",
		Help:      "Total number of position commits by result",
	},
	[]string{"result"},
)

// LockTransitions - блокировки и разблокировки счетов
var LockTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "lock_transitions_total",
		Help:      "Total number of circuit breaker transitions",
	},
	[]string{"type", "reason"},
)

// AccountHeat - текущий heat счёта, %
var AccountHeat = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "account_heat_pct",
		Help:      "Current portfolio heat per account in percent",
	},
	[]string{"account_id"},
)

// PositionsClosed - закрытые позиции по исходу
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "positions_closed_total",
		Help:      "Total number of closed positions by outcome",
	},
	[]string{"outcome"},
)

// CorrelationRefreshes - пересчёты матрицы корреляций
var CorrelationRefreshes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "risk",
		Name:      "correlation_refreshes_total",
		Help:      "Total number of correlation matrix refreshes by result",
	},
	[]string{"result"},
)

// observeDecision записывает метрики решения
func observeDecision(d *models.RiskDecision, operation string, start time.Time) {
	DecisionsTotal.WithLabelValues(operation, d.State, d.RiskLevel).Inc()
	RiskScore.Observe(d.RiskScore)
	EvaluationLatency.WithLabelValues(operation).Observe(float64(time.Since(start).Microseconds()) / 1000)

	if !d.Approved {
		limit := d.LimitKind
		if limit == "" {
			limit = "other"
		}
		RejectionsByLimit.WithLabelValues(limit).Inc()
	}
}
