package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"tradeguard/internal/models"
	"tradeguard/internal/risk"
)

// AccountRepository - счета, позиции и аудит в PostgreSQL.
// Реализует risk.AccountStore.
type AccountRepository struct {
	db *sql.DB
}

// NewAccountRepository создает новый экземпляр репозитория
func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

var _ risk.AccountStore = (*AccountRepository)(nil)

const accountColumns = `id, owner_user_id, balance, timezone, risk, heat_pct, daily_loss, weekly_loss,
		day_start, week_start, locked, lock_reason, locked_at, version, created_at, updated_at`

const positionColumns = `id, account_id, decision_id, symbol, direction, entry_price, stop_price, units,
		risk_amount, risk_pct, status, opened_at, closed_at, exit_price, realized_pnl`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	acc := &models.Account{}
	var riskJSON []byte
	err := row.Scan(
		&acc.ID,
		&acc.OwnerUserID,
		&acc.Balance,
		&acc.Timezone,
		&riskJSON,
		&acc.HeatPct,
		&acc.DailyLoss,
		&acc.WeeklyLoss,
		&acc.DayStart,
		&acc.WeekStart,
		&acc.Locked,
		&acc.LockReason,
		&acc.LockedAt,
		&acc.Version,
		&acc.CreatedAt,
		&acc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(riskJSON) > 0 {
		if err := json.Unmarshal(riskJSON, &acc.Risk); err != nil {
			return nil, fmt.Errorf("decode risk config: %w", err)
		}
	}
	return acc, nil
}

func scanPosition(row rowScanner) (*models.Position, error) {
	p := &models.Position{}
	err := row.Scan(
		&p.ID,
		&p.AccountID,
		&p.DecisionID,
		&p.Symbol,
		&p.Direction,
		&p.EntryPrice,
		&p.StopPrice,
		&p.Units,
		&p.RiskAmount,
		&p.RiskPct,
		&p.Status,
		&p.OpenedAt,
		&p.ClosedAt,
		&p.ExitPrice,
		&p.RealizedPnl,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetAccount возвращает счёт по ID
func (r *AccountRepository) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acc, err := scanAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, risk.ErrAccountNotFound
		}
		return nil, err
	}
	return acc, nil
}

// ListAccountIDs возвращает ID всех счетов
func (r *AccountRepository) ListAccountIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

// CreateAccount создаёт счёт; существующий ID - risk.ErrAccountExists
func (r *AccountRepository) CreateAccount(ctx context.Context, acc *models.Account) error {
	riskJSON, err := json.Marshal(acc.Risk)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`

	result, err := r.db.ExecContext(ctx, query,
		acc.ID,
		acc.OwnerUserID,
		acc.Balance,
		acc.Timezone,
		riskJSON,
		acc.HeatPct,
		acc.DailyLoss,
		acc.WeeklyLoss,
		acc.DayStart,
		acc.WeekStart,
		acc.Locked,
		acc.LockReason,
		acc.LockedAt,
		acc.Version,
		acc.CreatedAt,
		acc.UpdatedAt,
	)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return risk.ErrAccountExists
	}
	return nil
}

// GetPosition возвращает позицию по ID
func (r *AccountRepository) GetPosition(ctx context.Context, id string) (*models.Position, error) {
	query := `SELECT ` + positionColumns + ` FROM positions WHERE id = $1`

	p, err := scanPosition(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, risk.ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// GetPositionByDecision - позиция, открытая по решению (уникальный индекс decision_id)
func (r *AccountRepository) GetPositionByDecision(ctx context.Context, decisionID string) (*models.Position, error) {
	if decisionID == "" {
		return nil, risk.ErrPositionNotFound
	}
	query := `SELECT ` + positionColumns + ` FROM positions WHERE decision_id = $1`

	p, err := scanPosition(r.db.QueryRowContext(ctx, query, decisionID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, risk.ErrPositionNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListOpenPositions - открытые позиции счёта по времени открытия
func (r *AccountRepository) ListOpenPositions(ctx context.Context, accountID string) ([]*models.Position, error) {
	query := `
		SELECT ` + positionColumns + `
		FROM positions
		WHERE account_id = $1 AND status = $2
		ORDER BY opened_at`

	rows, err := r.db.QueryContext(ctx, query, accountID, models.PositionStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []*models.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return positions, nil
}

// ListOpenSymbols - символы всех открытых позиций
func (r *AccountRepository) ListOpenSymbols(ctx context.Context) ([]string, error) {
	query := `SELECT DISTINCT symbol FROM positions WHERE status = $1 ORDER BY symbol`

	rows, err := r.db.QueryContext(ctx, query, models.PositionStatusOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return symbols, nil
}

// ApplyChange сохраняет состояние счёта, позицию и события в одной транзакции.
// Обновление счёта условное по версии.
func (r *AccountRepository) ApplyChange(ctx context.Context, change *risk.AccountChange) error {
	riskJSON, err := json.Marshal(change.Account.Risk)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	acc := change.Account
	result, err := tx.ExecContext(ctx, `
		UPDATE accounts
		SET owner_user_id = $2, balance = $3, timezone = $4, risk = $5, heat_pct = $6,
			daily_loss = $7, weekly_loss = $8, day_start = $9, week_start = $10,
			locked = $11, lock_reason = $12, locked_at = $13, version = $14, updated_at = $15
		WHERE id = $1 AND version = $16`,
		acc.ID,
		acc.OwnerUserID,
		acc.Balance,
		acc.Timezone,
		riskJSON,
		acc.HeatPct,
		acc.DailyLoss,
		acc.WeeklyLoss,
		acc.DayStart,
		acc.WeekStart,
		acc.Locked,
		acc.LockReason,
		acc.LockedAt,
		acc.Version,
		acc.UpdatedAt,
		change.ExpectedVersion,
	)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, acc.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return risk.ErrAccountNotFound
		}
		return risk.ErrVersionConflict
	}

	if p := change.Opened; p != nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO positions (`+positionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			p.ID, p.AccountID, p.DecisionID, p.Symbol, p.Direction, p.EntryPrice, p.StopPrice, p.Units,
			p.RiskAmount, p.RiskPct, p.Status, p.OpenedAt, p.ClosedAt, p.ExitPrice, p.RealizedPnl,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return risk.ErrDuplicatePosition
			}
			return fmt.Errorf("insert position: %w", err)
		}
	}

	if p := change.Closed; p != nil {
		result, err := tx.ExecContext(ctx, `
			UPDATE positions
			SET status = $2, closed_at = $3, exit_price = $4, realized_pnl = $5
			WHERE id = $1`,
			p.ID, p.Status, p.ClosedAt, p.ExitPrice, p.RealizedPnl,
		)
		if err != nil {
			return fmt.Errorf("close position: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return risk.ErrPositionNotFound
		}
	}

	for _, ev := range change.Events {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO account_events (id, account_id, type, reason, message, daily_loss, weekly_loss, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.ID, ev.AccountID, ev.Type, ev.Reason, ev.Message, ev.DailyLoss, ev.WeeklyLoss, ev.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert account event: %w", err)
		}
	}

	return tx.Commit()
}

// ListEvents возвращает события от новых к старым; limit <= 0 - все
func (r *AccountRepository) ListEvents(ctx context.Context, accountID string, limit int) ([]*models.AccountEvent, error) {
	query := `
		SELECT id, account_id, type, reason, message, daily_loss, weekly_loss, created_at
		FROM account_events
		WHERE account_id = $1
		ORDER BY created_at DESC`
	args := []interface{}{accountID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*models.AccountEvent
	for rows.Next() {
		ev := &models.AccountEvent{}
		if err := rows.Scan(&ev.ID, &ev.AccountID, &ev.Type, &ev.Reason, &ev.Message,
			&ev.DailyLoss, &ev.WeeklyLoss, &ev.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// isUniqueViolation - ошибка PostgreSQL 23505
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
