package repository

import (
	"context"
	"database/sql"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// schema - DDL всех таблиц; каждая инструкция идемпотентна
var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		id VARCHAR(64) PRIMARY KEY,
		owner_user_id VARCHAR(64) NOT NULL DEFAULT '',
		balance DOUBLE PRECISION NOT NULL,
		timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
		risk JSONB NOT NULL,
		heat_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		daily_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		weekly_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		day_start TIMESTAMPTZ NOT NULL,
		week_start TIMESTAMPTZ NOT NULL,
		locked BOOLEAN NOT NULL DEFAULT FALSE,
		lock_reason VARCHAR(32) NOT NULL DEFAULT '',
		locked_at TIMESTAMPTZ,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS positions (
		id VARCHAR(64) PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		decision_id VARCHAR(64) NOT NULL DEFAULT '',
		symbol VARCHAR(32) NOT NULL,
		direction VARCHAR(8) NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		stop_price DOUBLE PRECISION NOT NULL,
		units DOUBLE PRECISION NOT NULL,
		risk_amount DOUBLE PRECISION NOT NULL,
		risk_pct DOUBLE PRECISION NOT NULL,
		status VARCHAR(16) NOT NULL,
		opened_at TIMESTAMPTZ NOT NULL,
		closed_at TIMESTAMPTZ,
		exit_price DOUBLE PRECISION,
		realized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_positions_account_status ON positions(account_id, status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_decision ON positions(decision_id) WHERE decision_id <> ''`,
	`CREATE TABLE IF NOT EXISTS account_events (
		id VARCHAR(64) PRIMARY KEY,
		account_id VARCHAR(64) NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
		type VARCHAR(32) NOT NULL,
		reason VARCHAR(32) NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		daily_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		weekly_loss DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_account_events_account ON account_events(account_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS alert_preferences (
		user_id VARCHAR(64) PRIMARY KEY,
		timezone VARCHAR(64) NOT NULL DEFAULT 'UTC',
		channels JSONB NOT NULL DEFAULT '[]',
		min_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		symbols JSONB NOT NULL DEFAULT '[]',
		patterns JSONB NOT NULL DEFAULT '[]',
		max_per_hour INTEGER NOT NULL DEFAULT 0,
		max_per_day INTEGER NOT NULL DEFAULT 0,
		quiet_start VARCHAR(5),
		quiet_end VARCHAR(5),
		high_priority_only BOOLEAN NOT NULL DEFAULT FALSE,
		digest_mode BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL DEFAULT 1,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS alert_records (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(64) NOT NULL,
		event_type VARCHAR(32) NOT NULL,
		symbol VARCHAR(32) NOT NULL DEFAULT '',
		status VARCHAR(16) NOT NULL,
		skip_reason VARCHAR(32) NOT NULL DEFAULT '',
		event JSONB NOT NULL,
		deliveries JSONB NOT NULL DEFAULT '[]',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_alert_records_user_created ON alert_records(user_id, created_at DESC)`,
}

// Migrate создаёт таблицы, если их ещё нет
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
