package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"tradeguard/internal/models"
	"tradeguard/internal/service"
)

// RiskHandler отвечает за обработку HTTP запросов риск-менеджмента
//
// Endpoints:
// - POST /api/v1/risk/position-size: расчёт размера позиции
// - POST /api/v1/risk/evaluate: проверка сделки без открытия позиции
// - POST /api/v1/risk/trades: атомарная проверка и открытие позиции
// - GET /api/v1/risk/decisions/{id}: получить решение
// - POST /api/v1/risk/decisions/{id}/commit: открыть позицию по одобренному решению
// - POST /api/v1/risk/positions/{id}/close: закрыть позицию
// - PUT /api/v1/risk/accounts/{id}: создать или обновить счёт
// - GET /api/v1/risk/accounts/{id}/metrics: текущие метрики риска
// - GET /api/v1/risk/accounts/{id}/positions: открытые позиции
// - GET /api/v1/risk/accounts/{id}/events: журнал событий счёта
type RiskHandler struct {
	riskService service.RiskServiceInterface
}

// NewRiskHandler создает новый RiskHandler
func NewRiskHandler(riskService service.RiskServiceInterface) *RiskHandler {
	return &RiskHandler{
		riskService: riskService,
	}
}

// CalculatePosition обрабатывает POST /api/v1/risk/position-size
//
// Считает размер позиции выбранным методом. Лимиты счёта не проверяются.
//
// Response codes:
// - 200 OK: SizingResult
// - 400 Bad Request: невалидный запрос или стоп не с той стороны от входа
// - 404 Not Found: счёт не найден
func (h *RiskHandler) CalculatePosition(w http.ResponseWriter, r *http.Request) {
	var req models.TradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.riskService.CalculatePosition(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// EvaluateTrade обрабатывает POST /api/v1/risk/evaluate
//
// Прогоняет все проверки и возвращает решение. Позиция не открывается,
// решение можно подтвердить через /decisions/{id}/commit.
//
// Response codes:
// - 200 OK: RiskDecision (approved или rejected)
// - 400 Bad Request: невалидный запрос
// - 404 Not Found: счёт не найден
func (h *RiskHandler) EvaluateTrade(w http.ResponseWriter, r *http.Request) {
	var req models.TradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	decision, err := h.riskService.EvaluateTrade(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, decision)
}

// SubmitTrade обрабатывает POST /api/v1/risk/trades
//
// Проверка и открытие позиции одной операцией. Отклонённое решение
// возвращается с 200 и пустым position.
//
// Response codes:
// - 201 Created: сделка одобрена, позиция открыта
// - 200 OK: сделка отклонена
// - 400 Bad Request: невалидный запрос
// - 404 Not Found: счёт не найден
// - 409 Conflict: счёт изменён параллельной операцией
func (h *RiskHandler) SubmitTrade(w http.ResponseWriter, r *http.Request) {
	var req models.TradeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.riskService.SubmitTrade(r.Context(), &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	status := http.StatusOK
	if result.Position != nil {
		status = http.StatusCreated
	}
	respondWithJSON(w, status, result)
}

// GetDecision обрабатывает GET /api/v1/risk/decisions/{id}
//
// Response codes:
// - 200 OK: RiskDecision
// - 404 Not Found: решение не найдено или истекло
func (h *RiskHandler) GetDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	decision, err := h.riskService.GetDecision(id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, decision)
}

// CommitDecision обрабатывает POST /api/v1/risk/decisions/{id}/commit
//
// Если счёт изменился после оценки, решение перепроверяется.
//
// Response codes:
// - 201 Created: позиция открыта
// - 404 Not Found: решение не найдено
// - 409 Conflict: решение не одобрено или устарело
func (h *RiskHandler) CommitDecision(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	pos, err := h.riskService.CommitDecision(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, pos)
}

// ClosePosition обрабатывает POST /api/v1/risk/positions/{id}/close
//
// Request body:
//
//	{"exit_price": 101.5}
//
// Response codes:
// - 200 OK: закрытая позиция с realized_pnl
// - 400 Bad Request: невалидная цена выхода
// - 404 Not Found: позиция не найдена
// - 409 Conflict: позиция уже закрыта
func (h *RiskHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req service.ClosePositionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	pos, err := h.riskService.ClosePosition(r.Context(), id, &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, pos)
}

// UpsertAccount обрабатывает PUT /api/v1/risk/accounts/{id}
//
// Response codes:
// - 200 OK: счёт после сохранения
// - 400 Bad Request: ошибка валидации
// - 409 Conflict: параллельное изменение счёта
func (h *RiskHandler) UpsertAccount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req service.UpsertAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	acc, err := h.riskService.UpsertAccount(r.Context(), id, &req)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, acc)
}

// GetRiskMetrics обрабатывает GET /api/v1/risk/accounts/{id}/metrics
//
// Перед расчётом применяется сброс дневных и недельных счётчиков, если граница прошла.
//
// Response codes:
// - 200 OK: RiskMetrics
// - 404 Not Found: счёт не найден
func (h *RiskHandler) GetRiskMetrics(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	metrics, err := h.riskService.GetRiskMetrics(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	respondWithJSON(w, http.StatusOK, metrics)
}

// GetOpenPositions обрабатывает GET /api/v1/risk/accounts/{id}/positions
func (h *RiskHandler) GetOpenPositions(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	positions, err := h.riskService.ListOpenPositions(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if positions == nil {
		positions = []*models.Position{}
	}

	respondWithJSON(w, http.StatusOK, positions)
}

// GetAccountEvents обрабатывает GET /api/v1/risk/accounts/{id}/events?limit=N
func (h *RiskHandler) GetAccountEvents(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid_limit", "Invalid limit", err.Error())
		return
	}

	events, err := h.riskService.ListAccountEvents(r.Context(), id, limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if events == nil {
		events = []*models.AccountEvent{}
	}

	respondWithJSON(w, http.StatusOK, events)
}
