package service

import (
	"context"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
	"tradeguard/internal/risk"
	"tradeguard/internal/websocket"
)

// RiskEngine определяет операции риск-движка, которые использует RiskService
type RiskEngine interface {
	CalculatePosition(ctx context.Context, req *models.TradeRequest) (*models.SizingResult, error)
	EvaluateTrade(ctx context.Context, req *models.TradeRequest) (*models.RiskDecision, error)
	GetDecision(id string) (*models.RiskDecision, error)
	CommitPosition(ctx context.Context, d *models.RiskDecision) (*models.Position, error)
	SubmitTrade(ctx context.Context, req *models.TradeRequest) (*models.TradeResult, error)
	ClosePosition(ctx context.Context, positionID string, exitPrice float64) (*models.Position, error)
	GetRiskMetrics(ctx context.Context, accountID string) (*models.RiskMetrics, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]*models.Position, error)
	ListAccountEvents(ctx context.Context, accountID string, limit int) ([]*models.AccountEvent, error)
	UpsertAccount(ctx context.Context, in *models.Account) (*models.Account, error)
}

// AlertDispatcher определяет интерфейс диспетчера уведомлений
type AlertDispatcher interface {
	Dispatch(ctx context.Context, event *models.AlertEvent) (*models.AlertRecord, error)
	GetAlertHistory(ctx context.Context, userID string, filter models.AlertHistoryFilter) ([]*models.AlertRecord, error)
	GetRecord(ctx context.Context, id string) (*models.AlertRecord, error)
}

// WebSocketBroadcaster - интерфейс для отправки WebSocket сообщений
//
// Позволяет избежать циклических зависимостей между пакетами
// и упрощает тестирование (можно подставить mock)
type WebSocketBroadcaster interface {
	NotifyUser(ctx context.Context, userID string, message interface{})
}

// Проверяем, что реальные зависимости реализуют интерфейсы
var _ RiskEngine = (*risk.Engine)(nil)
var _ AlertDispatcher = (*alerts.Dispatcher)(nil)
var _ alerts.PreferenceStore = (*alerts.MemoryPreferenceStore)(nil)
var _ WebSocketBroadcaster = (*websocket.Hub)(nil)

// ============ Интерфейсы сервисов для Dependency Injection ============

// RiskServiceInterface определяет интерфейс сервиса рисков
type RiskServiceInterface interface {
	CalculatePosition(ctx context.Context, req *models.TradeRequest) (*models.SizingResult, error)
	EvaluateTrade(ctx context.Context, req *models.TradeRequest) (*models.RiskDecision, error)
	GetDecision(id string) (*models.RiskDecision, error)
	CommitDecision(ctx context.Context, decisionID string) (*models.Position, error)
	SubmitTrade(ctx context.Context, req *models.TradeRequest) (*models.TradeResult, error)
	ClosePosition(ctx context.Context, positionID string, req *ClosePositionRequest) (*models.Position, error)
	GetRiskMetrics(ctx context.Context, accountID string) (*models.RiskMetrics, error)
	ListOpenPositions(ctx context.Context, accountID string) ([]*models.Position, error)
	ListAccountEvents(ctx context.Context, accountID string, limit int) ([]*models.AccountEvent, error)
	UpsertAccount(ctx context.Context, accountID string, req *UpsertAccountRequest) (*models.Account, error)
}

// NotificationServiceInterface определяет интерфейс сервиса уведомлений
type NotificationServiceInterface interface {
	Dispatch(ctx context.Context, event *models.AlertEvent) (*models.AlertRecord, error)
	GetAlertHistory(ctx context.Context, userID string, q HistoryQuery) ([]*models.AlertRecord, error)
	GetRecord(ctx context.Context, id string) (*models.AlertRecord, error)
}

// PreferenceServiceInterface определяет интерфейс сервиса настроек уведомлений
type PreferenceServiceInterface interface {
	GetAlertPreference(ctx context.Context, userID string) (*models.AlertPreference, error)
	SetAlertPreference(ctx context.Context, userID string, pref *models.AlertPreference) (*models.AlertPreference, error)
}

// Проверяем, что реальные сервисы реализуют интерфейсы
var _ RiskServiceInterface = (*RiskService)(nil)
var _ NotificationServiceInterface = (*NotificationService)(nil)
var _ PreferenceServiceInterface = (*PreferenceService)(nil)
var _ risk.AccountObserver = (*AccountBroadcaster)(nil)
