package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
	"tradeguard/pkg/utils"
)

// Ошибки сервиса настроек уведомлений
var (
	ErrInvalidPreference = errors.New("invalid alert preference")
)

// PreferenceService - чтение и сохранение настроек уведомлений.
//
// Правила валидации:
// - timezone: имя зоны IANA, по умолчанию UTC
// - channels: без повторов; webhook требует http(s) URL, email - адрес, sms/push - непустой адрес
// - quiet_hours: HH:MM, начало и конец различаются (окно может переходить через полночь)
// - max_per_day не меньше max_per_hour, если оба заданы
// - symbols приводятся к верхнему регистру, повторы удаляются
type PreferenceService struct {
	store alerts.PreferenceStore
}

// NewPreferenceService создает новый экземпляр PreferenceService.
func NewPreferenceService(store alerts.PreferenceStore) *PreferenceService {
	return &PreferenceService{store: store}
}

// GetAlertPreference возвращает настройки пользователя.
// Без сохранённой записи возвращаются значения по умолчанию с Version 0.
func (s *PreferenceService) GetAlertPreference(ctx context.Context, userID string) (*models.AlertPreference, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidPreference)
	}
	pref, err := s.store.GetPreference(ctx, userID)
	if errors.Is(err, alerts.ErrPreferenceNotFound) {
		return models.DefaultAlertPreference(userID), nil
	}
	if err != nil {
		return nil, err
	}
	return pref, nil
}

// SetAlertPreference валидирует и сохраняет настройки.
// Version должна совпадать с сохранённой (0 для первой записи), иначе alerts.ErrPreferenceConflict.
func (s *PreferenceService) SetAlertPreference(ctx context.Context, userID string, in *models.AlertPreference) (*models.AlertPreference, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidPreference)
	}
	if in == nil {
		return nil, fmt.Errorf("%w: empty preference", ErrInvalidPreference)
	}

	pref := in.Clone()
	pref.UserID = userID
	if pref.Timezone == "" {
		pref.Timezone = "UTC"
	}
	pref.Symbols = normalizeList(pref.Symbols, utils.NormalizeSymbol)
	pref.Patterns = normalizeList(pref.Patterns, strings.TrimSpace)
	for i := range pref.Channels {
		pref.Channels[i].Channel = strings.ToLower(strings.TrimSpace(pref.Channels[i].Channel))
		pref.Channels[i].Destination = strings.TrimSpace(pref.Channels[i].Destination)
	}

	if err := utils.ValidateStruct(pref); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPreference, err)
	}
	if err := validateChannels(pref.Channels); err != nil {
		return nil, err
	}
	if q := pref.QuietHours; q != nil && q.Start == q.End {
		return nil, fmt.Errorf("%w: quiet hours start and end must differ", ErrInvalidPreference)
	}
	if pref.MaxPerHour > 0 && pref.MaxPerDay > 0 && pref.MaxPerDay < pref.MaxPerHour {
		return nil, fmt.Errorf("%w: max_per_day must be >= max_per_hour", ErrInvalidPreference)
	}

	if err := s.store.SavePreference(ctx, pref); err != nil {
		return nil, err
	}
	return pref, nil
}

func validateChannels(channels []models.ChannelEndpoint) error {
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if seen[ch.Channel] {
			return fmt.Errorf("%w: duplicate channel %s", ErrInvalidPreference, ch.Channel)
		}
		seen[ch.Channel] = true

		switch ch.Channel {
		case models.ChannelWebhook:
			u, err := url.Parse(ch.Destination)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
				return fmt.Errorf("%w: webhook destination must be an http(s) URL", ErrInvalidPreference)
			}
		case models.ChannelEmail:
			if _, err := mail.ParseAddress(ch.Destination); err != nil {
				return fmt.Errorf("%w: invalid email destination", ErrInvalidPreference)
			}
		case models.ChannelSMS, models.ChannelPush, models.ChannelSmartwatch:
			if ch.Destination == "" {
				return fmt.Errorf("%w: %s destination is required", ErrInvalidPreference, ch.Channel)
			}
		}
	}
	return nil
}

// normalizeList применяет norm и убирает пустые значения и повторы
func normalizeList(in []string, norm func(string) string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, v := range in {
		v = norm(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
