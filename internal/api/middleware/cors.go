package middleware

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

// defaultOrigins - origins для локальной разработки
var defaultOrigins = []string{
	"http://localhost:3000",
	"http://127.0.0.1:3000",
	"http://localhost:5173", // Vite dev server
	"http://127.0.0.1:5173",
}

// CORS - middleware для настройки Cross-Origin Resource Sharing
//
// Разрешённые origins берутся из конфигурации (CORS_ALLOWED_ORIGINS через запятую).
// Пустой список означает только localhost для разработки.
//
// Важные заголовки:
// - Access-Control-Allow-Origin: конкретный домен (не * при credentials)
// - Access-Control-Allow-Methods: GET, POST, PUT, DELETE, OPTIONS
// - Access-Control-Allow-Headers: Content-Type, Authorization, X-API-Key, X-Request-ID
// - Access-Control-Max-Age: 86400 (24 часа)
func CORS(origins []string) mux.MiddlewareFunc {
	if len(origins) == 0 {
		origins = defaultOrigins
	}
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o = strings.TrimSpace(o); o != "" {
			allowed[o] = true
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			if origin != "" && allowed[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Add("Vary", "Origin")
			} else if origin == "" {
				// Запросы без Origin (curl, сервисы) - разрешаем
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			// Для неразрешенных origins заголовки не ставим - браузер заблокирует

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
