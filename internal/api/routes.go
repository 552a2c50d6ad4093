package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeguard/internal/api/handlers"
	"tradeguard/internal/api/middleware"
	"tradeguard/internal/service"
	"tradeguard/internal/websocket"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	RiskService         service.RiskServiceInterface
	NotificationService service.NotificationServiceInterface
	PreferenceService   service.PreferenceServiceInterface
	Hub                 *websocket.Hub

	// APITokenHash - bcrypt хеш API токена; пусто = без аутентификации
	APITokenHash string
	CORSOrigins  []string
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
// /api/v1/
//
//	├── /risk/
//	│   ├── POST /position-size - расчёт размера позиции
//	│   ├── POST /evaluate - проверка сделки
//	│   ├── POST /trades - проверка и открытие позиции
//	│   ├── GET /decisions/{id} - решение из кэша
//	│   ├── POST /decisions/{id}/commit - открыть позицию по решению
//	│   ├── POST /positions/{id}/close - закрыть позицию
//	│   ├── PUT /accounts/{id} - создать или обновить счёт
//	│   ├── GET /accounts/{id}/metrics - метрики риска
//	│   ├── GET /accounts/{id}/positions - открытые позиции
//	│   └── GET /accounts/{id}/events - журнал блокировок
//	└── /alerts/
//	    ├── POST / - отправить событие
//	    ├── GET /history/{userID} - история уведомлений
//	    ├── GET /records/{id} - запись истории
//	    ├── GET /preferences/{userID} - настройки уведомлений
//	    └── PUT /preferences/{userID} - сохранить настройки
//
// /ws/stream?user_id=... - WebSocket для алертов и обновлений риска
// /metrics - Prometheus
// /health - проверка живости
//
// Middleware применяется в следующем порядке:
// 1. Recovery (для всех маршрутов)
// 2. Logging (для всех маршрутов)
// 3. Metrics (для всех маршрутов)
// 4. CORS (для всех маршрутов)
// 5. TokenAuth (для /api/v1 и /ws)
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	// Глобальные middleware (применяются ко всем маршрутам)
	router.Use(middleware.Recovery)
	router.Use(middleware.Logging)
	router.Use(middleware.Metrics)
	router.Use(middleware.CORS(deps.CORSOrigins))

	auth := middleware.NewTokenAuth(deps.APITokenHash)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(auth.Middleware)

	// Risk routes
	if deps.RiskService != nil {
		riskHandler := handlers.NewRiskHandler(deps.RiskService)
		api.HandleFunc("/risk/position-size", riskHandler.CalculatePosition).Methods("POST")
		api.HandleFunc("/risk/evaluate", riskHandler.EvaluateTrade).Methods("POST")
		api.HandleFunc("/risk/trades", riskHandler.SubmitTrade).Methods("POST")
		api.HandleFunc("/risk/decisions/{id}", riskHandler.GetDecision).Methods("GET")
		api.HandleFunc("/risk/decisions/{id}/commit", riskHandler.CommitDecision).Methods("POST")
		api.HandleFunc("/risk/positions/{id}/close", riskHandler.ClosePosition).Methods("POST")
		api.HandleFunc("/risk/accounts/{id}", riskHandler.UpsertAccount).Methods("PUT")
		api.HandleFunc("/risk/accounts/{id}/metrics", riskHandler.GetRiskMetrics).Methods("GET")
		api.HandleFunc("/risk/accounts/{id}/positions", riskHandler.GetOpenPositions).Methods("GET")
		api.HandleFunc("/risk/accounts/{id}/events", riskHandler.GetAccountEvents).Methods("GET")
	}

	// Alert routes
	if deps.NotificationService != nil {
		alertHandler := handlers.NewAlertHandler(deps.NotificationService)
		api.HandleFunc("/alerts", alertHandler.Dispatch).Methods("POST")
		api.HandleFunc("/alerts/history/{userID}", alertHandler.GetAlertHistory).Methods("GET")
		api.HandleFunc("/alerts/records/{id}", alertHandler.GetRecord).Methods("GET")
	}

	// Preference routes
	if deps.PreferenceService != nil {
		preferenceHandler := handlers.NewPreferenceHandler(deps.PreferenceService)
		api.HandleFunc("/alerts/preferences/{userID}", preferenceHandler.GetPreference).Methods("GET")
		api.HandleFunc("/alerts/preferences/{userID}", preferenceHandler.UpdatePreference).Methods("PUT")
	}

	// WebSocket route
	if deps.Hub != nil {
		hub := deps.Hub
		ws := router.PathPrefix("/ws").Subrouter()
		ws.Use(auth.Middleware)
		ws.HandleFunc("/stream", func(w http.ResponseWriter, r *http.Request) {
			websocket.ServeWS(hub, w, r)
		}).Methods("GET")
	}

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")

	return router
}
