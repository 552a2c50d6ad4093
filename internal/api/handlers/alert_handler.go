package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"tradeguard/internal/models"
	"tradeguard/internal/service"
)

// AlertHandler отвечает за приём внешних событий и историю уведомлений
//
// Endpoints:
// - POST /api/v1/alerts: отправить событие в диспетчер
// - GET /api/v1/alerts/history/{userID}: история уведомлений пользователя
// - GET /api/v1/alerts/records/{id}: одна запись истории
type AlertHandler struct {
	notificationService service.NotificationServiceInterface
}

// NewAlertHandler создает новый AlertHandler
func NewAlertHandler(notificationService service.NotificationServiceInterface) *AlertHandler {
	return &AlertHandler{
		notificationService: notificationService,
	}
}

// Dispatch обрабатывает POST /api/v1/alerts
//
// Событие проходит фильтры настроек пользователя, дедупликацию и throttle.
// Пропущенное событие тоже возвращается с записью и skip_reason.
//
// Response codes:
// - 202 Accepted: AlertRecord (доставка могла уйти в фоновые повторы)
// - 400 Bad Request: невалидное событие
func (h *AlertHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	var event models.AlertEvent
	if !decodeJSON(w, r, &event) {
		return
	}

	record, err := h.notificationService.Dispatch(r.Context(), &event)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusAccepted, record)
}

// GetAlertHistory обрабатывает GET /api/v1/alerts/history/{userID}
//
// Query параметры:
// - status: skipped | delivered | partial | failed | buffered | pending
// - type: тип события (TRADE_SIGNAL, RISK_BREACH, ...)
// - symbol: символ
// - since: RFC3339 время
// - limit: максимум записей
//
// Записи возвращаются от новых к старым.
//
// Response codes:
// - 200 OK: список AlertRecord
// - 400 Bad Request: невалидные параметры
func (h *AlertHandler) GetAlertHistory(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userID"]
	q := r.URL.Query()

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_limit", "Invalid limit", err.Error())
		return
	}

	records, err := h.notificationService.GetAlertHistory(r.Context(), userID, service.HistoryQuery{
		Status: q.Get("status"),
		Type:   q.Get("type"),
		Symbol: q.Get("symbol"),
		Since:  q.Get("since"),
		Limit:  limit,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if records == nil {
		records = []*models.AlertRecord{}
	}

	respondWithJSON(w, http.StatusOK, records)
}

// GetRecord обрабатывает GET /api/v1/alerts/records/{id}
func (h *AlertHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	record, err := h.notificationService.GetRecord(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, record)
}
