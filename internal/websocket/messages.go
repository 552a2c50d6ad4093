package websocket

import (
	"time"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

const (
	// MessageTypeAlert - алерт канала in_app
	MessageTypeAlert MessageType = "alert"

	// MessageTypeRiskUpdate - состояние счёта после открытия/закрытия позиции
	MessageTypeRiskUpdate MessageType = "riskUpdate"

	// MessageTypeLockUpdate - блокировка/разблокировка счёта
	MessageTypeLockUpdate MessageType = "lockUpdate"
)

// BaseMessage - базовая структура для всех WebSocket сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// AlertMessage - алерт для пользователя
type AlertMessage struct {
	BaseMessage
	MessageID string          `json:"message_id"`
	Data      *alerts.Message `json:"data"`
}

// RiskUpdateMessage - метрики риска счёта
type RiskUpdateMessage struct {
	BaseMessage
	AccountID string              `json:"account_id"`
	Data      *models.RiskMetrics `json:"data"`
}

// LockUpdateMessage - событие circuit breaker
type LockUpdateMessage struct {
	BaseMessage
	AccountID string               `json:"account_id"`
	Data      *models.AccountEvent `json:"data"`
}

func NewAlertMessage(id string, msg *alerts.Message) *AlertMessage {
	return &AlertMessage{
		BaseMessage: BaseMessage{Type: MessageTypeAlert, Timestamp: time.Now()},
		MessageID:   id,
		Data:        msg,
	}
}

func NewRiskUpdateMessage(m *models.RiskMetrics) *RiskUpdateMessage {
	return &RiskUpdateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeRiskUpdate, Timestamp: time.Now()},
		AccountID:   m.AccountID,
		Data:        m,
	}
}

func NewLockUpdateMessage(ev *models.AccountEvent) *LockUpdateMessage {
	return &LockUpdateMessage{
		BaseMessage: BaseMessage{Type: MessageTypeLockUpdate, Timestamp: time.Now()},
		AccountID:   ev.AccountID,
		Data:        ev,
	}
}
