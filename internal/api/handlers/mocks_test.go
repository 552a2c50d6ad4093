package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
	"tradeguard/internal/risk"
	"tradeguard/internal/service"
)

// ErrMockDatabase - ошибка хранилища для тестов
var ErrMockDatabase = errors.New("mock database error")

// ============ Mock Risk Service ============

// MockRiskService мок для RiskServiceInterface.
// Возвращает заранее заданные ответы; err подменяет результат любого вызова.
type MockRiskService struct {
	mu sync.Mutex

	sizing    *models.SizingResult
	decisions map[string]*models.RiskDecision
	positions map[string]*models.Position
	events    []*models.AccountEvent
	metrics   *models.RiskMetrics
	approve   bool
	err       error

	lastLimit   int
	lastRequest *models.TradeRequest
}

// NewMockRiskService создает новый мок сервиса рисков
func NewMockRiskService() *MockRiskService {
	return &MockRiskService{
		decisions: make(map[string]*models.RiskDecision),
		positions: make(map[string]*models.Position),
		approve:   true,
	}
}

func (m *MockRiskService) decide(req *models.TradeRequest) *models.RiskDecision {
	d := &models.RiskDecision{
		ID:          "dec-1",
		Request:     *req,
		Approved:    m.approve,
		State:       models.DecisionApproved,
		EvaluatedAt: time.Now(),
	}
	if !m.approve {
		d.State = models.DecisionRejected
		d.Reasons = []string{"Portfolio heat limit would be exceeded"}
	}
	m.decisions[d.ID] = d
	return d
}

func (m *MockRiskService) CalculatePosition(ctx context.Context, req *models.TradeRequest) (*models.SizingResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.sizing, nil
}

func (m *MockRiskService) EvaluateTrade(ctx context.Context, req *models.TradeRequest) (*models.RiskDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.decide(req), nil
}

func (m *MockRiskService) GetDecision(id string) (*models.RiskDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.decisions[id]; ok {
		return d, nil
	}
	return nil, risk.ErrDecisionNotFound
}

func (m *MockRiskService) CommitDecision(ctx context.Context, decisionID string) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	d, ok := m.decisions[decisionID]
	if !ok {
		return nil, risk.ErrDecisionNotFound
	}
	if !d.Approved {
		return nil, risk.ErrDecisionNotApproved
	}
	return m.open(d), nil
}

func (m *MockRiskService) open(d *models.RiskDecision) *models.Position {
	pos := &models.Position{
		ID:         "pos-1",
		AccountID:  d.Request.AccountID,
		DecisionID: d.ID,
		Symbol:     d.Request.Symbol,
		Direction:  models.DirectionLong,
		EntryPrice: d.Request.EntryPrice,
		StopPrice:  d.Request.StopPrice,
		Status:     models.PositionStatusOpen,
		OpenedAt:   time.Now(),
	}
	m.positions[pos.ID] = pos
	return pos
}

func (m *MockRiskService) SubmitTrade(ctx context.Context, req *models.TradeRequest) (*models.TradeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	d := m.decide(req)
	res := &models.TradeResult{Decision: d}
	if d.Approved {
		res.Position = m.open(d)
	}
	return res, nil
}

func (m *MockRiskService) ClosePosition(ctx context.Context, positionID string, req *service.ClosePositionRequest) (*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	pos, ok := m.positions[positionID]
	if !ok {
		return nil, risk.ErrPositionNotFound
	}
	if !pos.IsOpen() {
		return nil, risk.ErrPositionClosed
	}
	exit := req.ExitPrice
	pos.ExitPrice = &exit
	pos.Status = models.PositionStatusClosed
	return pos, nil
}

func (m *MockRiskService) GetRiskMetrics(ctx context.Context, accountID string) (*models.RiskMetrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if m.metrics == nil || m.metrics.AccountID != accountID {
		return nil, risk.ErrAccountNotFound
	}
	return m.metrics, nil
}

func (m *MockRiskService) ListOpenPositions(ctx context.Context, accountID string) ([]*models.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.Position
	for _, p := range m.positions {
		if p.AccountID == accountID && p.IsOpen() {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *MockRiskService) ListAccountEvents(ctx context.Context, accountID string, limit int) ([]*models.AccountEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if m.err != nil {
		return nil, m.err
	}
	return m.events, nil
}

func (m *MockRiskService) UpsertAccount(ctx context.Context, accountID string, req *service.UpsertAccountRequest) (*models.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &models.Account{
		ID:          accountID,
		OwnerUserID: req.OwnerUserID,
		Balance:     req.Balance,
		Timezone:    req.Timezone,
		Risk:        models.DefaultRiskConfig(),
		Version:     1,
	}, nil
}

// ============ Mock Notification Service ============

// MockNotificationService мок для NotificationServiceInterface
type MockNotificationService struct {
	mu        sync.Mutex
	records   map[string]*models.AlertRecord
	lastQuery service.HistoryQuery
	err       error
}

// NewMockNotificationService создает новый мок сервиса уведомлений
func NewMockNotificationService() *MockNotificationService {
	return &MockNotificationService{records: make(map[string]*models.AlertRecord)}
}

func (m *MockNotificationService) Dispatch(ctx context.Context, event *models.AlertEvent) (*models.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec := &models.AlertRecord{
		ID:        "rec-" + event.UserID,
		UserID:    event.UserID,
		Event:     *event,
		Status:    models.AlertStatusDelivered,
		CreatedAt: time.Now(),
	}
	m.records[rec.ID] = rec
	return rec, nil
}

func (m *MockNotificationService) GetAlertHistory(ctx context.Context, userID string, q service.HistoryQuery) ([]*models.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastQuery = q
	if m.err != nil {
		return nil, m.err
	}
	var out []*models.AlertRecord
	for _, r := range m.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MockNotificationService) GetRecord(ctx context.Context, id string) (*models.AlertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if r, ok := m.records[id]; ok {
		return r, nil
	}
	return nil, alerts.ErrRecordNotFound
}

// ============ Mock Preference Service ============

// MockPreferenceService мок для PreferenceServiceInterface с optimistic locking по version
type MockPreferenceService struct {
	mu    sync.Mutex
	prefs map[string]*models.AlertPreference
	err   error
}

// NewMockPreferenceService создает новый мок сервиса настроек
func NewMockPreferenceService() *MockPreferenceService {
	return &MockPreferenceService{prefs: make(map[string]*models.AlertPreference)}
}

func (m *MockPreferenceService) GetAlertPreference(ctx context.Context, userID string) (*models.AlertPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if p, ok := m.prefs[userID]; ok {
		return p.Clone(), nil
	}
	return models.DefaultAlertPreference(userID), nil
}

func (m *MockPreferenceService) SetAlertPreference(ctx context.Context, userID string, pref *models.AlertPreference) (*models.AlertPreference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var current int64
	if p, ok := m.prefs[userID]; ok {
		current = p.Version
	}
	if pref.Version != current {
		return nil, alerts.ErrPreferenceConflict
	}
	saved := pref.Clone()
	saved.UserID = userID
	saved.Version = current + 1
	m.prefs[userID] = saved
	return saved.Clone(), nil
}
