package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"tradeguard/pkg/utils"
)

// Recovery - middleware для восстановления после паники в handlers
//
// Перехватывает panic, пишет в лог значение и stack trace,
// клиенту отдаёт JSON 500 без деталей паники.
func Recovery(next http.Handler) http.Handler {
	log := utils.L().WithComponent("http")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.Error("panic in handler",
					utils.RequestID(RequestIDFrom(r.Context())),
					utils.String("method", r.Method),
					utils.String("path", r.URL.Path),
					utils.String("panic", fmt.Sprint(rec)),
					zap.ByteString("stack", debug.Stack()),
				)

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"Internal server error","code":"internal_error"}`))
			}
		}()

		next.ServeHTTP(w, r)
	})
}
