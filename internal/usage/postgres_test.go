package usage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/attachehq/attache/internal/storage"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return mock, NewPostgresStore(db)
}

var runTestColumns = []string{
	"id", "tenant_id", "session_id", "agent_id", "channel", "status",
	"input_tokens", "output_tokens", "credits_used", "tool_calls",
	"duration_ms", "error", "created_at",
}

func TestPostgresStore_Record(t *testing.T) {
	mock, store := setupMockDB(t)
	createdAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	run := &Run{
		ID:           "run1",
		TenantID:     "t1",
		SessionID:    "s1",
		AgentID:      "a1",
		Channel:      "telegram",
		Status:       StatusCompleted,
		InputTokens:  120,
		OutputTokens: 45,
		CreditsUsed:  2,
		ToolCalls:    1,
		Duration:     1500 * time.Millisecond,
		CreatedAt:    createdAt,
	}

	mock.ExpectExec("INSERT INTO usage_runs").
		WithArgs("run1", "t1", "s1", "a1", "telegram", "completed",
			120, 45, 2, 1, int64(1500), nil, createdAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.Record(context.Background(), run); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_RecordStampsID(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectExec("INSERT INTO usage_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	run := &Run{TenantID: "t1", SessionID: "s1", Status: StatusFailed, Error: "boom"}
	if err := store.Record(context.Background(), run); err != nil {
		t.Fatalf("Record() error = %v", err)
	}
	if run.ID == "" || run.CreatedAt.IsZero() {
		t.Error("expected ID and CreatedAt stamped before insert")
	}
}

func TestPostgresStore_Get(t *testing.T) {
	mock, store := setupMockDB(t)
	createdAt := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT .+ FROM usage_runs WHERE id =").
		WithArgs("run1").
		WillReturnRows(sqlmock.NewRows(runTestColumns).
			AddRow("run1", "t1", "s1", "a1", "slack", "pending_approval",
				10, 5, 1, 2, int64(2500), "", createdAt))

	run, err := store.Get(context.Background(), "run1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if run.Status != StatusPendingApproval {
		t.Errorf("Status = %s", run.Status)
	}
	if run.Duration != 2500*time.Millisecond {
		t.Errorf("Duration = %v", run.Duration)
	}
	if run.ToolCalls != 2 {
		t.Errorf("ToolCalls = %d", run.ToolCalls)
	}
}

func TestPostgresStore_GetMissing(t *testing.T) {
	mock, store := setupMockDB(t)

	mock.ExpectQuery("SELECT .+ FROM usage_runs WHERE id =").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(runTestColumns))

	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStore_ListByTenant(t *testing.T) {
	mock, store := setupMockDB(t)
	now := time.Now()

	mock.ExpectQuery("SELECT .+ FROM usage_runs").
		WithArgs("t1", 10).
		WillReturnRows(sqlmock.NewRows(runTestColumns).
			AddRow("run2", "t1", "s1", "", "telegram", "completed", 1, 1, 1, 0, int64(100), "", now).
			AddRow("run1", "t1", "s1", "", "telegram", "failed", 0, 0, 0, 0, int64(50), "timeout", now.Add(-time.Hour)))

	runs, err := store.ListByTenant(context.Background(), "t1", 10)
	if err != nil {
		t.Fatalf("ListByTenant() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[1].Error != "timeout" {
		t.Errorf("Error = %q", runs[1].Error)
	}
}

func TestPostgresStore_DailyTotals(t *testing.T) {
	mock, store := setupMockDB(t)
	day := time.Date(2026, 3, 10, 18, 45, 0, 0, time.UTC)
	start := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("t1", start, start.Add(24*time.Hour)).
		WillReturnRows(sqlmock.NewRows([]string{"count", "input", "output", "credits"}).
			AddRow(4, 500, 200, 12))

	totals, err := store.DailyTotals(context.Background(), "t1", day)
	if err != nil {
		t.Fatalf("DailyTotals() error = %v", err)
	}
	if totals.Messages != 4 || totals.CreditsUsed != 12 {
		t.Errorf("totals = %+v", totals)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
