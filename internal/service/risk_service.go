package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tradeguard/internal/models"
	"tradeguard/internal/risk"
	"tradeguard/internal/websocket"
	"tradeguard/pkg/utils"
)

// RiskService предоставляет бизнес-логику риск-менеджмента для API.
//
// Отвечает за:
// - Валидацию запросов и приведение символов к единому виду
// - Commit решения по его ID
// - Лимиты выборок аудита
//
// Расчёты, проверки и журнал позиций выполняет risk.Engine.
type RiskService struct {
	engine RiskEngine
}

// NewRiskService создает новый экземпляр RiskService.
func NewRiskService(engine RiskEngine) *RiskService {
	return &RiskService{engine: engine}
}

// ClosePositionRequest - запрос на закрытие позиции
type ClosePositionRequest struct {
	ExitPrice float64 `json:"exit_price" validate:"gt=0"`
}

// UpsertAccountRequest - создание или обновление счёта.
// Нулевые поля Risk заполняются значениями по умолчанию.
type UpsertAccountRequest struct {
	OwnerUserID string            `json:"owner_user_id"`
	Balance     float64           `json:"balance" validate:"gt=0"`
	Timezone    string            `json:"timezone" validate:"omitempty,timezone"`
	Risk        models.RiskConfig `json:"risk" validate:"-"`
}

func (s *RiskService) prepare(req *models.TradeRequest) (*models.TradeRequest, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", risk.ErrInvalidInput)
	}
	r := *req
	r.Symbol = utils.NormalizeSymbol(r.Symbol)
	r.Direction = strings.ToLower(strings.TrimSpace(r.Direction))
	r.Method = strings.ToUpper(strings.TrimSpace(r.Method))
	if err := utils.ValidateStruct(&r); err != nil {
		return nil, fmt.Errorf("%w: %w", risk.ErrInvalidInput, err)
	}
	return &r, nil
}

// CalculatePosition считает размер позиции без проверок лимитов
func (s *RiskService) CalculatePosition(ctx context.Context, req *models.TradeRequest) (*models.SizingResult, error) {
	r, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	return s.engine.CalculatePosition(ctx, r)
}

// EvaluateTrade возвращает решение без изменения состояния счёта
func (s *RiskService) EvaluateTrade(ctx context.Context, req *models.TradeRequest) (*models.RiskDecision, error) {
	r, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	return s.engine.EvaluateTrade(ctx, r)
}

// GetDecision возвращает решение из кэша
func (s *RiskService) GetDecision(id string) (*models.RiskDecision, error) {
	return s.engine.GetDecision(id)
}

// CommitDecision открывает позицию по ранее одобренному решению
func (s *RiskService) CommitDecision(ctx context.Context, decisionID string) (*models.Position, error) {
	d, err := s.engine.GetDecision(decisionID)
	if err != nil {
		return nil, err
	}
	return s.engine.CommitPosition(ctx, d)
}

// SubmitTrade - оценка и commit одной операцией
func (s *RiskService) SubmitTrade(ctx context.Context, req *models.TradeRequest) (*models.TradeResult, error) {
	r, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	return s.engine.SubmitTrade(ctx, r)
}

// ClosePosition закрывает позицию по цене выхода
func (s *RiskService) ClosePosition(ctx context.Context, positionID string, req *ClosePositionRequest) (*models.Position, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", risk.ErrInvalidInput)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", risk.ErrInvalidInput, err)
	}
	return s.engine.ClosePosition(ctx, positionID, req.ExitPrice)
}

func (s *RiskService) GetRiskMetrics(ctx context.Context, accountID string) (*models.RiskMetrics, error) {
	return s.engine.GetRiskMetrics(ctx, accountID)
}

func (s *RiskService) ListOpenPositions(ctx context.Context, accountID string) ([]*models.Position, error) {
	return s.engine.ListOpenPositions(ctx, accountID)
}

// ListAccountEvents возвращает аудит блокировок (по умолчанию 50, максимум 500)
func (s *RiskService) ListAccountEvents(ctx context.Context, accountID string, limit int) ([]*models.AccountEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	return s.engine.ListAccountEvents(ctx, accountID, limit)
}

// UpsertAccount создаёт счёт или обновляет баланс, зону и лимиты
func (s *RiskService) UpsertAccount(ctx context.Context, accountID string, req *UpsertAccountRequest) (*models.Account, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", risk.ErrInvalidInput)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return nil, fmt.Errorf("%w: %w", risk.ErrInvalidInput, err)
	}
	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	return s.engine.UpsertAccount(ctx, &models.Account{
		ID:          strings.TrimSpace(accountID),
		OwnerUserID: req.OwnerUserID,
		Balance:     req.Balance,
		Timezone:    tz,
		Risk:        req.Risk,
	})
}

// ============================================================
// Push обновлений счёта
// ============================================================

// AccountBroadcaster отправляет владельцу счёта снимок риска
// и переходы блокировки через WebSocket.
//
// Передаётся в движок как risk.AccountObserver:
//
//	broadcaster := service.NewAccountBroadcaster(log)
//	engine := risk.NewEngine(store, risk.WithAccountObserver(broadcaster))
//	broadcaster.SetWebSocketHub(wsHub)
type AccountBroadcaster struct {
	wsHub   WebSocketBroadcaster
	timeout time.Duration
	log     *utils.Logger
}

func NewAccountBroadcaster(log *utils.Logger) *AccountBroadcaster {
	if log == nil {
		log = utils.L()
	}
	return &AccountBroadcaster{timeout: time.Second, log: log.WithComponent("risk_push")}
}

// SetWebSocketHub устанавливает WebSocket hub
func (b *AccountBroadcaster) SetWebSocketHub(hub WebSocketBroadcaster) {
	b.wsHub = hub
}

// AccountUpdated вызывается движком после снятия блокировки счёта
func (b *AccountBroadcaster) AccountUpdated(metrics *models.RiskMetrics, acc *models.Account, events []*models.AccountEvent) {
	if b.wsHub == nil || acc == nil || acc.OwnerUserID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	b.wsHub.NotifyUser(ctx, acc.OwnerUserID, websocket.NewRiskUpdateMessage(metrics))
	for _, ev := range events {
		b.wsHub.NotifyUser(ctx, acc.OwnerUserID, websocket.NewLockUpdateMessage(ev))
	}
	b.log.Debug("account update pushed",
		utils.AccountID(acc.ID),
		utils.UserID(acc.OwnerUserID),
		utils.Int("events", len(events)))
}
