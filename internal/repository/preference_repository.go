package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
	"tradeguard/pkg/crypto"
)

// PreferenceRepository - настройки уведомлений в PostgreSQL.
// Адреса каналов шифруются, если задан cipher.
type PreferenceRepository struct {
	db     *sql.DB
	cipher *crypto.Cipher
	now    func() time.Time
}

// NewPreferenceRepository создает новый экземпляр репозитория; cipher может быть nil
func NewPreferenceRepository(db *sql.DB, cipher *crypto.Cipher) *PreferenceRepository {
	return &PreferenceRepository{db: db, cipher: cipher, now: time.Now}
}

var _ alerts.PreferenceStore = (*PreferenceRepository)(nil)

// GetPreference возвращает настройки; отсутствие записи - alerts.ErrPreferenceNotFound
func (r *PreferenceRepository) GetPreference(ctx context.Context, userID string) (*models.AlertPreference, error) {
	query := `
		SELECT user_id, timezone, channels, min_confidence, symbols, patterns,
			max_per_hour, max_per_day, quiet_start, quiet_end,
			high_priority_only, digest_mode, version, updated_at
		FROM alert_preferences
		WHERE user_id = $1`

	pref := &models.AlertPreference{}
	var channelsJSON, symbolsJSON, patternsJSON []byte
	var quietStart, quietEnd sql.NullString

	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&pref.UserID,
		&pref.Timezone,
		&channelsJSON,
		&pref.MinConfidence,
		&symbolsJSON,
		&patternsJSON,
		&pref.MaxPerHour,
		&pref.MaxPerDay,
		&quietStart,
		&quietEnd,
		&pref.HighPriorityOnly,
		&pref.DigestMode,
		&pref.Version,
		&pref.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, alerts.ErrPreferenceNotFound
		}
		return nil, err
	}

	if err := unmarshalJSON(channelsJSON, &pref.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	if err := unmarshalJSON(symbolsJSON, &pref.Symbols); err != nil {
		return nil, fmt.Errorf("decode symbols: %w", err)
	}
	if err := unmarshalJSON(patternsJSON, &pref.Patterns); err != nil {
		return nil, fmt.Errorf("decode patterns: %w", err)
	}
	if quietStart.Valid && quietEnd.Valid {
		pref.QuietHours = &models.QuietHours{Start: quietStart.String, End: quietEnd.String}
	}

	for i := range pref.Channels {
		dest, err := r.decrypt(pref.Channels[i].Destination)
		if err != nil {
			return nil, fmt.Errorf("decrypt %s destination: %w", pref.Channels[i].Channel, err)
		}
		pref.Channels[i].Destination = dest
	}

	return pref, nil
}

// SavePreference сохраняет настройки с проверкой версии.
// Version 0 - вставка новой записи; иначе обновление только при совпадении версии.
func (r *PreferenceRepository) SavePreference(ctx context.Context, pref *models.AlertPreference) error {
	channels := make([]models.ChannelEndpoint, len(pref.Channels))
	for i, ch := range pref.Channels {
		dest, err := r.encrypt(ch.Destination)
		if err != nil {
			return fmt.Errorf("encrypt %s destination: %w", ch.Channel, err)
		}
		ch.Destination = dest
		channels[i] = ch
	}

	channelsJSON, err := json.Marshal(channels)
	if err != nil {
		return err
	}
	symbolsJSON, err := json.Marshal(nonNil(pref.Symbols))
	if err != nil {
		return err
	}
	patternsJSON, err := json.Marshal(nonNil(pref.Patterns))
	if err != nil {
		return err
	}

	var quietStart, quietEnd sql.NullString
	if pref.QuietHours != nil {
		quietStart = sql.NullString{String: pref.QuietHours.Start, Valid: true}
		quietEnd = sql.NullString{String: pref.QuietHours.End, Valid: true}
	}

	updatedAt := r.now().UTC()
	newVersion := pref.Version + 1

	var result sql.Result
	if pref.Version == 0 {
		result, err = r.db.ExecContext(ctx, `
			INSERT INTO alert_preferences (user_id, timezone, channels, min_confidence, symbols, patterns,
				max_per_hour, max_per_day, quiet_start, quiet_end, high_priority_only, digest_mode, version, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id) DO NOTHING`,
			pref.UserID, pref.Timezone, channelsJSON, pref.MinConfidence, symbolsJSON, patternsJSON,
			pref.MaxPerHour, pref.MaxPerDay, quietStart, quietEnd, pref.HighPriorityOnly, pref.DigestMode,
			newVersion, updatedAt,
		)
	} else {
		result, err = r.db.ExecContext(ctx, `
			UPDATE alert_preferences
			SET timezone = $2, channels = $3, min_confidence = $4, symbols = $5, patterns = $6,
				max_per_hour = $7, max_per_day = $8, quiet_start = $9, quiet_end = $10,
				high_priority_only = $11, digest_mode = $12, version = $13, updated_at = $14
			WHERE user_id = $1 AND version = $15`,
			pref.UserID, pref.Timezone, channelsJSON, pref.MinConfidence, symbolsJSON, patternsJSON,
			pref.MaxPerHour, pref.MaxPerDay, quietStart, quietEnd, pref.HighPriorityOnly, pref.DigestMode,
			newVersion, updatedAt, pref.Version,
		)
	}
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return alerts.ErrPreferenceConflict
	}

	pref.Version = newVersion
	pref.UpdatedAt = updatedAt
	return nil
}

func (r *PreferenceRepository) encrypt(s string) (string, error) {
	if r.cipher == nil || s == "" {
		return s, nil
	}
	return r.cipher.Encrypt(s)
}

func (r *PreferenceRepository) decrypt(s string) (string, error) {
	if r.cipher == nil || s == "" {
		return s, nil
	}
	return r.cipher.Decrypt(s)
}

func unmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
