package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestLoadMigrations(t *testing.T) {
	migrations, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error: %v", err)
	}
	if len(migrations) == 0 {
		t.Fatal("no embedded migrations found")
	}
	for i, m := range migrations {
		if m.UpSQL == "" {
			t.Errorf("migration %s has empty up SQL", m.ID)
		}
		if m.DownSQL == "" {
			t.Errorf("migration %s has empty down SQL", m.ID)
		}
		if i > 0 && migrations[i-1].ID >= m.ID {
			t.Errorf("migrations out of order: %s before %s", migrations[i-1].ID, m.ID)
		}
	}
	if !strings.Contains(migrations[0].UpSQL, "CREATE TABLE IF NOT EXISTS tenants") {
		t.Error("initial migration does not create tenants table")
	}
}

func TestMigrator_UpAppliesPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"id", "applied_at"}))
	for range migrator.migrations {
		mock.ExpectBegin()
		mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT INTO schema_migrations").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if len(applied) != len(migrator.migrations) {
		t.Errorf("applied %d migrations, want %d", len(applied), len(migrator.migrations))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestMigrator_UpSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	defer db.Close()

	migrator, err := NewMigrator(db)
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "applied_at"})
	for _, m := range migrator.migrations {
		rows.AddRow(m.ID, time.Now())
	}
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT id, applied_at FROM schema_migrations").
		WillReturnRows(rows)

	applied, err := migrator.Up(context.Background(), 0)
	if err != nil {
		t.Fatalf("Up() error: %v", err)
	}
	if len(applied) != 0 {
		t.Errorf("applied %d migrations, want 0", len(applied))
	}
}
