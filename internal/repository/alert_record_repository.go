package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
)

// AlertRecordRepository - журнал уведомлений в PostgreSQL
type AlertRecordRepository struct {
	db *sql.DB
}

// NewAlertRecordRepository создает новый экземпляр репозитория
func NewAlertRecordRepository(db *sql.DB) *AlertRecordRepository {
	return &AlertRecordRepository{db: db}
}

var _ alerts.RecordStore = (*AlertRecordRepository)(nil)

// SaveRecord вставляет запись или обновляет статус и доставки существующей
func (r *AlertRecordRepository) SaveRecord(ctx context.Context, rec *models.AlertRecord) error {
	eventJSON, err := json.Marshal(rec.Event)
	if err != nil {
		return err
	}
	deliveries := rec.Deliveries
	if deliveries == nil {
		deliveries = []models.DeliveryResult{}
	}
	deliveriesJSON, err := json.Marshal(deliveries)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO alert_records (id, user_id, event_type, symbol, status, skip_reason, event, deliveries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
			skip_reason = EXCLUDED.skip_reason,
			deliveries = EXCLUDED.deliveries,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		rec.UserID,
		rec.Event.Type,
		rec.Event.Symbol,
		rec.Status,
		rec.SkipReason,
		eventJSON,
		deliveriesJSON,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

const recordColumns = `id, user_id, status, skip_reason, event, deliveries, created_at, updated_at`

func scanRecord(row rowScanner) (*models.AlertRecord, error) {
	rec := &models.AlertRecord{}
	var eventJSON, deliveriesJSON []byte
	if err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&rec.Status,
		&rec.SkipReason,
		&eventJSON,
		&deliveriesJSON,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(eventJSON, &rec.Event); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if err := unmarshalJSON(deliveriesJSON, &rec.Deliveries); err != nil {
		return nil, fmt.Errorf("decode deliveries: %w", err)
	}
	return rec, nil
}

// GetRecord возвращает запись по ID
func (r *AlertRecordRepository) GetRecord(ctx context.Context, id string) (*models.AlertRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM alert_records WHERE id = $1`

	rec, err := scanRecord(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, alerts.ErrRecordNotFound
		}
		return nil, err
	}
	return rec, nil
}

// ListRecords возвращает историю пользователя, новые первыми
func (r *AlertRecordRepository) ListRecords(ctx context.Context, userID string, filter models.AlertHistoryFilter) ([]*models.AlertRecord, error) {
	conds := []string{"user_id = $1"}
	args := []interface{}{userID}

	add := func(cond string, v interface{}) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if filter.Status != "" {
		add("status = $%d", filter.Status)
	}
	if filter.Type != "" {
		add("event_type = $%d", filter.Type)
	}
	if filter.Symbol != "" {
		add("symbol = $%d", filter.Symbol)
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}

	query := `SELECT ` + recordColumns + ` FROM alert_records WHERE ` +
		strings.Join(conds, " AND ") + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.AlertRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// KeepRecent удаляет всё, кроме keep последних записей пользователя
func (r *AlertRecordRepository) KeepRecent(ctx context.Context, userID string, keep int) (int64, error) {
	if keep < 0 {
		return 0, nil
	}

	query := `
		DELETE FROM alert_records
		WHERE user_id = $1 AND id NOT IN (
			SELECT id FROM alert_records
			WHERE user_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		)`

	result, err := r.db.ExecContext(ctx, query, userID, keep)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
