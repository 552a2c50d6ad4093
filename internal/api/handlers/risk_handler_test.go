package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"tradeguard/internal/models"
	"tradeguard/internal/risk"
)

func tradeBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(models.TradeRequest{
		AccountID:  "acc-1",
		Symbol:     "BTCUSDT",
		EntryPrice: 100,
		StopPrice:  95,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(body)
}

// ============ RiskHandler Tests ============

func TestRiskHandler_CalculatePosition(t *testing.T) {
	t.Run("returns sizing result", func(t *testing.T) {
		mockSvc := NewMockRiskService()
		mockSvc.sizing = &models.SizingResult{Method: models.SizingFixedPercent, Units: 40, DollarRisk: 200}
		handler := NewRiskHandler(mockSvc)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/position-size", tradeBody(t))
		w := httptest.NewRecorder()

		handler.CalculatePosition(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
		}
		var result models.SizingResult
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if result.Units != 40 {
			t.Errorf("expected 40 units, got %v", result.Units)
		}
		if mockSvc.lastRequest.Symbol != "BTCUSDT" {
			t.Errorf("request not passed to service: %+v", mockSvc.lastRequest)
		}
	})

	t.Run("returns 400 on invalid JSON", func(t *testing.T) {
		handler := NewRiskHandler(NewMockRiskService())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/position-size", strings.NewReader("{bad"))
		w := httptest.NewRecorder()

		handler.CalculatePosition(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("returns 400 on unknown field", func(t *testing.T) {
		handler := NewRiskHandler(NewMockRiskService())

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/position-size", strings.NewReader(`{"account":"x"}`))
		w := httptest.NewRecorder()

		handler.CalculatePosition(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})

	t.Run("returns 400 on wrong stop side", func(t *testing.T) {
		mockSvc := NewMockRiskService()
		mockSvc.err = fmt.Errorf("%w: stop above entry", risk.ErrInvalidStopPlacement)
		handler := NewRiskHandler(mockSvc)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/position-size", tradeBody(t))
		w := httptest.NewRecorder()

		handler.CalculatePosition(w, req)

		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
		var resp ErrorResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.Code != "invalid_stop" {
			t.Errorf("expected code invalid_stop, got %s", resp.Code)
		}
	})
}

func TestRiskHandler_SubmitTrade(t *testing.T) {
	t.Run("approved trade returns 201 with position", func(t *testing.T) {
		mockSvc := NewMockRiskService()
		handler := NewRiskHandler(mockSvc)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/trades", tradeBody(t))
		w := httptest.NewRecorder()

		handler.SubmitTrade(w, req)

		if w.Code != http.StatusCreated {
			t.Fatalf("expected status %d, got %d", http.StatusCreated, w.Code)
		}
		var result models.TradeResult
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if result.Position == nil || !result.Decision.Approved {
			t.Errorf("expected approved decision with position, got %+v", result)
		}
	})

	t.Run("rejected trade returns 200 without position", func(t *testing.T) {
		mockSvc := NewMockRiskService()
		mockSvc.approve = false
		handler := NewRiskHandler(mockSvc)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/trades", tradeBody(t))
		w := httptest.NewRecorder()

		handler.SubmitTrade(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		var result models.TradeResult
		if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if result.Position != nil {
			t.Error("rejected trade must not open a position")
		}
		if len(result.Decision.Reasons) == 0 {
			t.Error("expected rejection reasons")
		}
	})

	t.Run("version conflict returns 409", func(t *testing.T) {
		mockSvc := NewMockRiskService()
		mockSvc.err = risk.ErrVersionConflict
		handler := NewRiskHandler(mockSvc)

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/trades", tradeBody(t))
		w := httptest.NewRecorder()

		handler.SubmitTrade(w, req)

		if w.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
		}
	})
}

func TestRiskHandler_Decisions(t *testing.T) {
	mockSvc := NewMockRiskService()
	handler := NewRiskHandler(mockSvc)

	// Оцениваем сделку, чтобы решение попало в кэш мока
	req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/evaluate", tradeBody(t))
	w := httptest.NewRecorder()
	handler.EvaluateTrade(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("evaluate: expected status %d, got %d", http.StatusOK, w.Code)
	}
	var decision models.RiskDecision
	if err := json.NewDecoder(w.Body).Decode(&decision); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	t.Run("get existing decision", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/decisions/"+decision.ID, nil)
		req = mux.SetURLVars(req, map[string]string{"id": decision.ID})
		w := httptest.NewRecorder()

		handler.GetDecision(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
		}
	})

	t.Run("get unknown decision returns 404", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/decisions/nope", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "nope"})
		w := httptest.NewRecorder()

		handler.GetDecision(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("expected status %d, got %d", http.StatusNotFound, w.Code)
		}
	})

	t.Run("commit opens position", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/decisions/"+decision.ID+"/commit", nil)
		req = mux.SetURLVars(req, map[string]string{"id": decision.ID})
		w := httptest.NewRecorder()

		handler.CommitDecision(w, req)

		if w.Code != http.StatusCreated {
			t.Errorf("expected status %d, got %d", http.StatusCreated, w.Code)
		}
	})

	t.Run("commit rejected decision returns 409", func(t *testing.T) {
		mockSvc.decisions["rejected"] = &models.RiskDecision{ID: "rejected", State: models.DecisionRejected}

		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/decisions/rejected/commit", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "rejected"})
		w := httptest.NewRecorder()

		handler.CommitDecision(w, req)

		if w.Code != http.StatusConflict {
			t.Errorf("expected status %d, got %d", http.StatusConflict, w.Code)
		}
	})
}

func TestRiskHandler_ClosePosition(t *testing.T) {
	mockSvc := NewMockRiskService()
	mockSvc.positions["pos-1"] = &models.Position{ID: "pos-1", AccountID: "acc-1", Status: models.PositionStatusOpen}
	handler := NewRiskHandler(mockSvc)

	closeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/risk/positions/pos-1/close", strings.NewReader(`{"exit_price": 90}`))
		return mux.SetURLVars(req, map[string]string{"id": "pos-1"})
	}

	w := httptest.NewRecorder()
	handler.ClosePosition(w, closeReq())
	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var pos models.Position
	if err := json.NewDecoder(w.Body).Decode(&pos); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if pos.Status != models.PositionStatusClosed || pos.ExitPrice == nil || *pos.ExitPrice != 90 {
		t.Errorf("unexpected position: %+v", pos)
	}

	// Повторное закрытие
	w = httptest.NewRecorder()
	handler.ClosePosition(w, closeReq())
	if w.Code != http.StatusConflict {
		t.Errorf("expected status %d on second close, got %d", http.StatusConflict, w.Code)
	}
}

func TestRiskHandler_GetRiskMetrics(t *testing.T) {
	mockSvc := NewMockRiskService()
	mockSvc.metrics = &models.RiskMetrics{AccountID: "acc-1", HeatPct: 2, HeatLimitPct: 6}
	handler := NewRiskHandler(mockSvc)

	tests := []struct {
		name       string
		accountID  string
		wantStatus int
	}{
		{"existing account", "acc-1", http.StatusOK},
		{"unknown account", "acc-2", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/accounts/"+tt.accountID+"/metrics", nil)
			req = mux.SetURLVars(req, map[string]string{"id": tt.accountID})
			w := httptest.NewRecorder()

			handler.GetRiskMetrics(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestRiskHandler_GetAccountEvents(t *testing.T) {
	t.Run("passes limit and returns empty array", func(t *testing.T) {
		mockSvc := NewMockRiskService()
		handler := NewRiskHandler(mockSvc)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/accounts/acc-1/events?limit=10", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "acc-1"})
		w := httptest.NewRecorder()

		handler.GetAccountEvents(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("expected status %d, got %d", http.StatusOK, w.Code)
		}
		if strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("expected empty array, got %s", w.Body.String())
		}
		if mockSvc.lastLimit != 10 {
			t.Errorf("expected limit 10, got %d", mockSvc.lastLimit)
		}
	})

	t.Run("invalid limit returns 400", func(t *testing.T) {
		handler := NewRiskHandler(NewMockRiskService())

		req := httptest.NewRequest(http.MethodGet, "/api/v1/risk/accounts/acc-1/events?limit=ten", nil)
		req = mux.SetURLVars(req, map[string]string{"id": "acc-1"})
		w := httptest.NewRecorder()

		handler.GetAccountEvents(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("expected status %d, got %d", http.StatusBadRequest, w.Code)
		}
	})
}

func TestRiskHandler_UpsertAccount(t *testing.T) {
	handler := NewRiskHandler(NewMockRiskService())

	req := httptest.NewRequest(http.MethodPut, "/api/v1/risk/accounts/acc-1",
		strings.NewReader(`{"owner_user_id":"u1","balance":10000,"timezone":"Europe/Berlin"}`))
	req = mux.SetURLVars(req, map[string]string{"id": "acc-1"})
	w := httptest.NewRecorder()

	handler.UpsertAccount(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var acc models.Account
	if err := json.NewDecoder(w.Body).Decode(&acc); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if acc.ID != "acc-1" || acc.Balance != 10000 || acc.Timezone != "Europe/Berlin" {
		t.Errorf("unexpected account: %+v", acc)
	}
}

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid input", fmt.Errorf("%w: bad", risk.ErrInvalidInput), http.StatusBadRequest, "validation_error"},
		{"account not found", risk.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
		{"stale decision", risk.ErrStaleDecision, http.StatusConflict, "stale_decision"},
		{"limit exceeded", &risk.LimitExceededError{Kind: risk.LimitDaily}, http.StatusUnprocessableEntity, "limit_exceeded"},
		{"unknown error", ErrMockDatabase, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			handleServiceError(w, tt.err)

			if w.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, w.Code)
			}
			var resp ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Code != tt.wantCode {
				t.Errorf("expected code %s, got %s", tt.wantCode, resp.Code)
			}
		})
	}
}
