//go:build integration

// Интеграционные тесты репозиториев на живом PostgreSQL.
// Запуск: go test -tags=integration ./internal/repository/...
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"tradeguard/internal/alerts"
	"tradeguard/internal/models"
	"tradeguard/internal/risk"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// setupTestDB подключается к тестовой БД и применяет схему; без БД тест пропускается
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	connStr := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		getEnv("TEST_DB_HOST", "localhost"),
		getEnv("TEST_DB_PORT", "5432"),
		getEnv("TEST_DB_USER", "postgres"),
		getEnv("TEST_DB_PASSWORD", "postgres"),
		getEnv("TEST_DB_NAME", "tradeguard_test"),
		getEnv("TEST_DB_SSLMODE", "disable"),
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Skipf("Skipping integration test: cannot connect to database: %v", err)
	}
	if err := db.Ping(); err != nil {
		t.Skipf("Skipping integration test: cannot ping database: %v", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"alert_records", "alert_preferences", "account_events", "positions", "accounts"} {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}

	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			log.Printf("Error closing database: %v", err)
		}
	})
	return db
}

func TestIntegrationAccountLifecycle(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	repo := NewAccountRepository(db)
	now := time.Now().UTC().Truncate(time.Microsecond)

	acc := testAccount(now)
	if err := repo.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.CreateAccount(ctx, acc); !errors.Is(err, risk.ErrAccountExists) {
		t.Fatalf("expected ErrAccountExists, got %v", err)
	}

	next := acc.Clone()
	next.Version = 2
	next.HeatPct = 2
	pos := &models.Position{
		ID: "pos-1", AccountID: acc.ID, DecisionID: "dec-1", Symbol: "AAPL", Direction: "long",
		EntryPrice: 100, StopPrice: 95, Units: 40, RiskAmount: 200, RiskPct: 2,
		Status: models.PositionStatusOpen, OpenedAt: now,
	}
	if err := repo.ApplyChange(ctx, &risk.AccountChange{Account: next, ExpectedVersion: 1, Opened: pos}); err != nil {
		t.Fatalf("apply open: %v", err)
	}

	// повтор со старой версией
	if err := repo.ApplyChange(ctx, &risk.AccountChange{Account: next, ExpectedVersion: 1}); !errors.Is(err, risk.ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	open, err := repo.ListOpenPositions(ctx, acc.ID)
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 || open[0].Symbol != "AAPL" {
		t.Fatalf("unexpected open positions: %+v", open)
	}

	got, err := repo.GetAccount(ctx, acc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Version != 2 || got.HeatPct != 2 {
		t.Errorf("unexpected account: %+v", got)
	}
}

func TestIntegrationPreferencesAndRecords(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	prefs := NewPreferenceRepository(db, nil)
	pref := models.DefaultAlertPreference("u-1")
	pref.QuietHours = &models.QuietHours{Start: "22:00", End: "07:00"}
	if err := prefs.SavePreference(ctx, pref); err != nil {
		t.Fatalf("save: %v", err)
	}
	stale := pref.Clone()
	stale.Version = 0
	if err := prefs.SavePreference(ctx, stale); !errors.Is(err, alerts.ErrPreferenceConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	loaded, err := prefs.GetPreference(ctx, "u-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Version != 1 || loaded.QuietHours == nil {
		t.Errorf("unexpected preference: %+v", loaded)
	}

	records := NewAlertRecordRepository(db)
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		rec := &models.AlertRecord{
			ID:        fmt.Sprintf("rec-%d", i),
			UserID:    "u-1",
			Event:     models.AlertEvent{ID: fmt.Sprintf("a-%d", i), UserID: "u-1", Type: models.AlertTypePattern, Symbol: "BTCUSDT"},
			Status:    models.AlertStatusDelivered,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		}
		if err := records.SaveRecord(ctx, rec); err != nil {
			t.Fatalf("save record: %v", err)
		}
	}

	deleted, err := records.KeepRecent(ctx, "u-1", 3)
	if err != nil {
		t.Fatalf("keep recent: %v", err)
	}
	if deleted != 2 {
		t.Errorf("expected 2 deleted, got %d", deleted)
	}

	list, err := records.ListRecords(ctx, "u-1", models.AlertHistoryFilter{Symbol: "BTCUSDT"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 3 || list[0].ID != "rec-4" {
		t.Errorf("unexpected history: %d records", len(list))
	}
}
