package service

import (
	"context"
	"sync"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
	"tradeguard/internal/risk"
)

// ============ Mock RiskEngine ============

type MockRiskEngine struct {
	decisions map[string]*models.RiskDecision

	lastRequest   *models.TradeRequest
	lastAccount   *models.Account
	lastExitPrice float64
	lastLimit     int
	committed     *models.RiskDecision

	err error
}

func NewMockRiskEngine() *MockRiskEngine {
	return &MockRiskEngine{decisions: make(map[string]*models.RiskDecision)}
}

func (m *MockRiskEngine) CalculatePosition(_ context.Context, req *models.TradeRequest) (*models.SizingResult, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.SizingResult{Method: req.Method, Units: 10}, nil
}

func (m *MockRiskEngine) EvaluateTrade(_ context.Context, req *models.TradeRequest) (*models.RiskDecision, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.RiskDecision{ID: "dec-1", Request: *req, State: models.DecisionApproved, Approved: true}, nil
}

func (m *MockRiskEngine) GetDecision(id string) (*models.RiskDecision, error) {
	d, ok := m.decisions[id]
	if !ok {
		return nil, risk.ErrDecisionNotFound
	}
	return d, nil
}

func (m *MockRiskEngine) CommitPosition(_ context.Context, d *models.RiskDecision) (*models.Position, error) {
	m.committed = d
	if m.err != nil {
		return nil, m.err
	}
	return &models.Position{ID: "pos-1", DecisionID: d.ID, Status: models.PositionStatusOpen}, nil
}

func (m *MockRiskEngine) SubmitTrade(_ context.Context, req *models.TradeRequest) (*models.TradeResult, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.TradeResult{Decision: &models.RiskDecision{ID: "dec-1", Request: *req}}, nil
}

func (m *MockRiskEngine) ClosePosition(_ context.Context, positionID string, exitPrice float64) (*models.Position, error) {
	m.lastExitPrice = exitPrice
	if m.err != nil {
		return nil, m.err
	}
	return &models.Position{ID: positionID, Status: models.PositionStatusClosed, ExitPrice: &exitPrice}, nil
}

func (m *MockRiskEngine) GetRiskMetrics(_ context.Context, accountID string) (*models.RiskMetrics, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.RiskMetrics{AccountID: accountID}, nil
}

func (m *MockRiskEngine) ListOpenPositions(_ context.Context, _ string) ([]*models.Position, error) {
	return nil, m.err
}

func (m *MockRiskEngine) ListAccountEvents(_ context.Context, _ string, limit int) ([]*models.AccountEvent, error) {
	m.lastLimit = limit
	return nil, m.err
}

func (m *MockRiskEngine) UpsertAccount(_ context.Context, in *models.Account) (*models.Account, error) {
	m.lastAccount = in
	if m.err != nil {
		return nil, m.err
	}
	return in, nil
}

// ============ Mock AlertDispatcher ============

type MockAlertDispatcher struct {
	lastEvent  *models.AlertEvent
	lastFilter models.AlertHistoryFilter
	records    map[string]*models.AlertRecord
	err        error
}

func NewMockAlertDispatcher() *MockAlertDispatcher {
	return &MockAlertDispatcher{records: make(map[string]*models.AlertRecord)}
}

func (m *MockAlertDispatcher) Dispatch(_ context.Context, ev *models.AlertEvent) (*models.AlertRecord, error) {
	m.lastEvent = ev
	if m.err != nil {
		return nil, m.err
	}
	return &models.AlertRecord{ID: "rec-1", UserID: ev.UserID, Event: *ev, Status: models.AlertStatusDelivered}, nil
}

func (m *MockAlertDispatcher) GetAlertHistory(_ context.Context, _ string, filter models.AlertHistoryFilter) ([]*models.AlertRecord, error) {
	m.lastFilter = filter
	return nil, m.err
}

func (m *MockAlertDispatcher) GetRecord(_ context.Context, id string) (*models.AlertRecord, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, alerts.ErrRecordNotFound
	}
	return rec, nil
}

// ============ Mock PreferenceStore ============

type MockPreferenceStore struct {
	*alerts.MemoryPreferenceStore
	getErr  error
	saveErr error
}

func NewMockPreferenceStore() *MockPreferenceStore {
	return &MockPreferenceStore{MemoryPreferenceStore: alerts.NewMemoryPreferenceStore()}
}

func (m *MockPreferenceStore) GetPreference(ctx context.Context, userID string) (*models.AlertPreference, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.MemoryPreferenceStore.GetPreference(ctx, userID)
}

func (m *MockPreferenceStore) SavePreference(ctx context.Context, pref *models.AlertPreference) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	return m.MemoryPreferenceStore.SavePreference(ctx, pref)
}

// ============ Mock WebSocketBroadcaster ============

type sentMessage struct {
	userID  string
	message interface{}
}

type MockBroadcaster struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *MockBroadcaster) NotifyUser(_ context.Context, userID string, message interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{userID: userID, message: message})
}
