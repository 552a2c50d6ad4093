package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
)

// Ошибки сервиса уведомлений
var (
	ErrInvalidHistoryQuery = errors.New("invalid history query")
)

var alertTypes = map[string]bool{
	models.AlertTypePattern:       true,
	models.AlertTypeRiskLimit:     true,
	models.AlertTypeLock:          true,
	models.AlertTypeTradeApproved: true,
	models.AlertTypeTradeRejected: true,
	models.AlertTypeDigest:        true,
	models.AlertTypeSystem:        true,
}

var alertStatuses = map[string]bool{
	models.AlertStatusSkipped:   true,
	models.AlertStatusDelivered: true,
	models.AlertStatusPartial:   true,
	models.AlertStatusFailed:    true,
	models.AlertStatusBuffered:  true,
	models.AlertStatusPending:   true,
}

// HistoryQuery - параметры выборки истории из query string
type HistoryQuery struct {
	Status string
	Type   string
	Symbol string
	Since  string // RFC3339
	Limit  int
}

// NotificationService - входная точка внешних событий и истории уведомлений.
//
// Фильтры, дедупликация, throttle и доставка выполняются в alerts.Dispatcher.
type NotificationService struct {
	dispatcher AlertDispatcher
}

// NewNotificationService создает новый экземпляр NotificationService.
func NewNotificationService(dispatcher AlertDispatcher) *NotificationService {
	return &NotificationService{dispatcher: dispatcher}
}

// Dispatch принимает событие и возвращает запись о его судьбе
func (s *NotificationService) Dispatch(ctx context.Context, event *models.AlertEvent) (*models.AlertRecord, error) {
	if event == nil {
		return nil, fmt.Errorf("%w: empty event", alerts.ErrInvalidEvent)
	}
	ev := *event
	ev.Type = strings.ToUpper(strings.TrimSpace(ev.Type))
	ev.Priority = strings.ToUpper(strings.TrimSpace(ev.Priority))
	return s.dispatcher.Dispatch(ctx, &ev)
}

// GetAlertHistory возвращает историю пользователя, новые первыми.
//
// Параметры:
// - status: skipped, delivered, partial, failed, buffered, pending
// - type: тип события (регистр не важен)
// - since: RFC3339
// - limit: по умолчанию 50, максимум 500
func (s *NotificationService) GetAlertHistory(ctx context.Context, userID string, q HistoryQuery) ([]*models.AlertRecord, error) {
	filter := models.AlertHistoryFilter{
		Status: strings.ToLower(strings.TrimSpace(q.Status)),
		Type:   strings.ToUpper(strings.TrimSpace(q.Type)),
		Symbol: q.Symbol,
		Limit:  q.Limit,
	}
	if filter.Status != "" && !alertStatuses[filter.Status] {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidHistoryQuery, q.Status)
	}
	if filter.Type != "" && !alertTypes[filter.Type] {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidHistoryQuery, q.Type)
	}
	if q.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be positive", ErrInvalidHistoryQuery)
	}
	if q.Since != "" {
		since, err := time.Parse(time.RFC3339, q.Since)
		if err != nil {
			return nil, fmt.Errorf("%w: since must be RFC3339", ErrInvalidHistoryQuery)
		}
		filter.Since = since
	}
	return s.dispatcher.GetAlertHistory(ctx, userID, filter)
}

// GetRecord возвращает запись по ID
func (s *NotificationService) GetRecord(ctx context.Context, id string) (*models.AlertRecord, error) {
	return s.dispatcher.GetRecord(ctx, id)
}
