package middleware

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tradeguard/pkg/utils"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestIDHeader - заголовок с идентификатором запроса
const RequestIDHeader = "X-Request-ID"

// RequestIDFrom возвращает ID запроса из контекста
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// responseWriter запоминает статус и размер ответа
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Hijack нужен для upgrade на /ws/stream
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}

// Logging - middleware для логирования HTTP запросов через zap
//
// Присваивает запросу X-Request-ID (берёт входящий или генерирует uuid),
// кладёт его в контекст и заголовок ответа. После обработки пишет
// метод, путь, статус, latency, IP клиента и размер ответа.
// 5xx логируются как error, 4xx как warn.
func Logging(next http.Handler) http.Handler {
	log := utils.L().WithComponent("http")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		reqID := r.Header.Get(RequestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, reqID)
		r = r.WithContext(context.WithValue(r.Context(), requestIDKey, reqID))

		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(wrapped, r)

		fields := []zap.Field{
			utils.RequestID(reqID),
			utils.String("method", r.Method),
			utils.String("path", r.URL.Path),
			utils.Int("status", wrapped.statusCode),
			utils.Latency(float64(time.Since(start).Microseconds()) / 1000),
			utils.String("remote", r.RemoteAddr),
			utils.Int64("bytes", wrapped.written),
		}

		switch {
		case wrapped.statusCode >= 500:
			log.Error("http request", fields...)
		case wrapped.statusCode >= 400:
			log.Warn("http request", fields...)
		default:
			log.Debug("http request", fields...)
		}
	})
}
