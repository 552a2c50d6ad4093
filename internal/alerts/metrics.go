package alerts

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tradeguard/internal/models"
)

// ============================================================
// Prometheus метрики доставки алертов
// ============================================================

// DispatchTotal - обработанные события по итоговому статусу и причине
var DispatchTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "dispatch_total",
		Help:      "Total number of dispatched alert events by status and skip reason",
	},
	[]string{"type", "status", "reason"},
)

var DispatchLatency = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "dispatch_latency_ms",
		Help:      "Latency of Dispatch until the first delivery attempt completes, in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	},
)

// ChannelDeliveries - попытки доставки: success, transient, permanent
var ChannelDeliveries = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "channel_deliveries_total",
		Help:      "Total number of channel delivery attempts by outcome",
	},
	[]string{"channel", "outcome"},
)

var ChannelLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "channel_latency_ms",
		Help:      "Latency of a single channel send in milliseconds",
		Buckets:   []float64{1, 5, 10, 50, 100, 250, 500, 1000, 2500, 5000},
	},
	[]string{"channel"},
)

// RetriesTotal - итог серии повторов: success, exhausted, canceled
var RetriesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "retries_total",
		Help:      "Total number of background retry sequences by result",
	},
	[]string{"channel", "result"},
)

var DedupeHits = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "dedupe_hits_total",
		Help:      "Total number of events answered from an existing record",
	},
)

// DigestFlushes - отправленные сводки по статусу записи
var DigestFlushes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "digest_flushes_total",
		Help:      "Total number of digest flushes by result",
	},
	[]string{"result"},
)

var DigestEvents = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "alerts",
		Name:      "digest_events_total",
		Help:      "Total number of buffered events summarised in digests",
	},
)

func observeDispatch(rec *models.AlertRecord, start time.Time) {
	DispatchTotal.WithLabelValues(rec.Event.Type, rec.Status, rec.SkipReason).Inc()
	DispatchLatency.Observe(float64(time.Since(start).Microseconds()) / 1000)
}

func deliveryOutcome(r models.DeliveryResult) string {
	switch {
	case r.Success:
		return "success"
	case r.Permanent:
		return "permanent"
	default:
		return "transient"
	}
}
