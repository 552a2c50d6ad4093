package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPRequests - количество HTTP запросов по маршруту и статусу
var HTTPRequests = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "tradeguard",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests by route, method and status",
	},
	[]string{"route", "method", "status"},
)

// HTTPDuration - время обработки HTTP запроса
var HTTPDuration = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "tradeguard",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"route", "method"},
)

// Metrics - middleware для Prometheus метрик.
// Маршрут берётся из шаблона mux, чтобы ID не раздували кардинальность.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(wrapped.statusCode)).Inc()
		HTTPDuration.WithLabelValues(route, r.Method).Observe(time.Since(start).Seconds())
	})
}
