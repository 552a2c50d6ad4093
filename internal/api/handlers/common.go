package handlers

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"tradeguard/internal/alerts"
	"tradeguard/internal/risk"
	"tradeguard/internal/service"
	"tradeguard/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodySize - предел тела запроса
const maxBodySize = 1 << 20

// ErrorResponse стандартный формат ответа об ошибке для всех API endpoints
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse стандартный формат успешного ответа
type SuccessResponse struct {
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// respondWithJSON отправляет JSON ответ
func respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			utils.L().Warn("encode response failed", utils.Err(err))
		}
	}
}

// respondWithError отправляет JSON ответ с ошибкой
func respondWithError(w http.ResponseWriter, statusCode int, code, message, details string) {
	respondWithJSON(w, statusCode, ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// decodeJSON читает тело запроса; неизвестные поля - ошибка
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			respondWithError(w, http.StatusBadRequest, "invalid_request", "Request body is empty", "")
			return false
		}
		respondWithError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body", err.Error())
		return false
	}
	return true
}

// queryInt парсит целый query параметр; пустое значение - def
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return v, nil
}

// handleServiceError обрабатывает ошибки от сервисов и возвращает соответствующий HTTP статус
func handleServiceError(w http.ResponseWriter, err error) {
	if kind, ok := risk.IsLimitExceeded(err); ok {
		respondWithError(w, http.StatusUnprocessableEntity, "limit_exceeded", "Risk limit exceeded", kind)
		return
	}

	switch {
	case errors.Is(err, risk.ErrInvalidStopPlacement):
		respondWithError(w, http.StatusBadRequest, "invalid_stop", "Stop price is on the wrong side of entry", err.Error())

	case errors.Is(err, risk.ErrInvalidInput),
		errors.Is(err, alerts.ErrInvalidEvent),
		errors.Is(err, service.ErrInvalidPreference),
		errors.Is(err, service.ErrInvalidHistoryQuery):
		respondWithError(w, http.StatusBadRequest, "validation_error", "Invalid request", err.Error())

	case errors.Is(err, risk.ErrAccountNotFound):
		respondWithError(w, http.StatusNotFound, "account_not_found", "Account not found", "")

	case errors.Is(err, risk.ErrPositionNotFound):
		respondWithError(w, http.StatusNotFound, "position_not_found", "Position not found", "")

	case errors.Is(err, risk.ErrDecisionNotFound):
		respondWithError(w, http.StatusNotFound, "decision_not_found", "Decision not found or expired", "")

	case errors.Is(err, alerts.ErrRecordNotFound):
		respondWithError(w, http.StatusNotFound, "record_not_found", "Alert record not found", "")

	case errors.Is(err, risk.ErrDecisionNotApproved):
		respondWithError(w, http.StatusConflict, "decision_not_approved", "Decision is not approved", "")

	case errors.Is(err, risk.ErrStaleDecision):
		respondWithError(w, http.StatusConflict, "stale_decision", "Account changed since evaluation, evaluate again", err.Error())

	case errors.Is(err, risk.ErrPositionClosed):
		respondWithError(w, http.StatusConflict, "position_closed", "Position is already closed", "")

	case errors.Is(err, risk.ErrVersionConflict),
		errors.Is(err, alerts.ErrPreferenceConflict):
		respondWithError(w, http.StatusConflict, "version_conflict", "Resource was modified concurrently", "")

	case errors.Is(err, risk.ErrAccountExists):
		respondWithError(w, http.StatusConflict, "account_exists", "Account already exists", "")

	case errors.Is(err, alerts.ErrDuplicateAlert):
		respondWithError(w, http.StatusConflict, "duplicate_alert", "Duplicate alert", "")

	case errors.Is(err, alerts.ErrThrottleExceeded):
		respondWithError(w, http.StatusTooManyRequests, "throttled", "Alert limit reached", "")

	default:
		utils.L().Error("request failed", utils.Err(err))
		respondWithError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}
