package models

import "time"

// Каналы доставки
const (
	ChannelInApp      = "in_app" // WebSocket
	ChannelWebhook    = "webhook"
	ChannelEmail      = "email"
	ChannelSMS        = "sms"
	ChannelPush       = "push"
	ChannelSmartwatch = "smartwatch"
	ChannelConsole    = "console" // лог сервера, для отладки
)

// ChannelEndpoint - включённый канал и его адрес
type ChannelEndpoint struct {
	Channel     string `json:"channel" validate:"required,oneof=in_app webhook email sms push smartwatch console"`
	Destination string `json:"destination,omitempty"` // URL, email, телефон; для in_app не нужен
	Enabled     bool   `json:"enabled"`
}

// QuietHours - окно тихих часов в зоне пользователя
type QuietHours struct {
	Start string `json:"start" validate:"required,clock"` // HH:MM
	End   string `json:"end" validate:"required,clock"`
}

// AlertPreference - настройки уведомлений пользователя
type AlertPreference struct {
	UserID           string            `json:"user_id"`
	Timezone         string            `json:"timezone" validate:"omitempty,timezone"`
	Channels         []ChannelEndpoint `json:"channels" validate:"dive"`
	MinConfidence    float64           `json:"min_confidence" validate:"gte=0,lte=1"`
	Symbols          []string          `json:"symbols,omitempty" validate:"dive,symbol"`
	Patterns         []string          `json:"patterns,omitempty"`
	MaxPerHour       int               `json:"max_per_hour" validate:"gte=0"` // 0 = без ограничения
	MaxPerDay        int               `json:"max_per_day" validate:"gte=0"`
	QuietHours       *QuietHours       `json:"quiet_hours,omitempty"`
	HighPriorityOnly bool              `json:"high_priority_only"`
	DigestMode       bool              `json:"digest_mode"`
	Version          int64             `json:"version"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// DefaultAlertPreference - настройки для пользователя без сохранённых предпочтений
func DefaultAlertPreference(userID string) *AlertPreference {
	return &AlertPreference{
		UserID:   userID,
		Timezone: "UTC",
		Channels: []ChannelEndpoint{
			{Channel: ChannelInApp, Enabled: true},
		},
		MaxPerHour: 20,
		MaxPerDay:  100,
	}
}

// EnabledChannels возвращает только включённые каналы
func (p *AlertPreference) EnabledChannels() []ChannelEndpoint {
	out := make([]ChannelEndpoint, 0, len(p.Channels))
	for _, ch := range p.Channels {
		if ch.Enabled {
			out = append(out, ch)
		}
	}
	return out
}

// Clone возвращает глубокую копию
func (p *AlertPreference) Clone() *AlertPreference {
	if p == nil {
		return nil
	}
	c := *p
	c.Channels = append([]ChannelEndpoint(nil), p.Channels...)
	c.Symbols = append([]string(nil), p.Symbols...)
	c.Patterns = append([]string(nil), p.Patterns...)
	if p.QuietHours != nil {
		q := *p.QuietHours
		c.QuietHours = &q
	}
	return &c
}
