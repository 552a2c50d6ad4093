package middleware

import (
	"crypto/sha256"
	"net/http"
	"strings"
	"sync"

	"tradeguard/pkg/crypto"
	"tradeguard/pkg/utils"
)

// TokenAuth - проверка API токена по bcrypt хешу из конфигурации (API_TOKEN_HASH)
//
// Токен принимается из заголовка Authorization: Bearer <token> или X-API-Key.
// Пустой хеш отключает проверку (режим разработки).
// Хеш уже проверенного токена кэшируется, чтобы не платить bcrypt на каждый запрос.
type TokenAuth struct {
	hash string

	mu       sync.RWMutex
	verified map[[sha256.Size]byte]struct{}
}

// NewTokenAuth создает middleware аутентификации
func NewTokenAuth(hash string) *TokenAuth {
	if hash == "" {
		utils.L().Warn("API_TOKEN_HASH is empty, API authentication disabled")
	}
	return &TokenAuth{
		hash:     hash,
		verified: make(map[[sha256.Size]byte]struct{}),
	}
}

// Middleware возвращает http middleware для mux.Router.Use
func (a *TokenAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.hash == "" || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		token := tokenFromRequest(r)
		if token == "" || !a.check(token) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="tradeguard"`)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized","code":"unauthorized"}`))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *TokenAuth) check(token string) bool {
	sum := sha256.Sum256([]byte(token))

	a.mu.RLock()
	_, ok := a.verified[sum]
	a.mu.RUnlock()
	if ok {
		return true
	}

	if err := crypto.VerifyToken(token, a.hash); err != nil {
		return false
	}

	a.mu.Lock()
	a.verified[sum] = struct{}{}
	a.mu.Unlock()
	return true
}

// tokenFromRequest извлекает токен; для WebSocket допускается ?token=
func tokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):])
		}
		return ""
	}
	if k := r.Header.Get("X-API-Key"); k != "" {
		return strings.TrimSpace(k)
	}
	// Браузерный WebSocket не умеет ставить заголовки
	return r.URL.Query().Get("token")
}
