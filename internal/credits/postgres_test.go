package credits

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/attachehq/attache/internal/storage"
)

// setupMockDB creates a new mock database for testing.
func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresLedger) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewPostgresLedger(db)
}

func balanceRows(tenantID string, daily, monthly, purchased, dailyGrant int, lastGrant time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"tenant_id", "daily", "monthly", "purchased", "daily_grant", "last_grant_at", "updated_at"}).
		AddRow(tenantID, daily, monthly, purchased, dailyGrant, lastGrant, time.Now())
}

func TestPostgresLedger_Consume(t *testing.T) {
	db, mock, ledger := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(balanceRows("t1", 2, Unlimited, 7, 0, time.Now()))
	// Unlimited monthly: only the daily decrement reaches the database.
	mock.ExpectExec("UPDATE credit_balances").
		WithArgs("t1", 2, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_entries").
		WithArgs(sqlmock.AnyArg(), "t1", "daily", -2, "message", "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_entries").
		WithArgs(sqlmock.AnyArg(), "t1", "monthly", -3, "message", "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cons, err := ledger.Consume(context.Background(), "t1", 5, "message", "run-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if cons.Drawn(BucketDaily) != 2 || cons.Drawn(BucketMonthly) != 3 {
		t.Errorf("draws = %v, want 2 daily + 3 monthly", cons.Draws)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresLedger_ConsumeQuotaExceeded(t *testing.T) {
	db, mock, ledger := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(balanceRows("t1", 0, 0, 0, 50, time.Now()))
	mock.ExpectRollback()
	// No parent to fall back to.
	mock.ExpectQuery("SELECT parent_id FROM tenants").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"parent_id"}).AddRow(nil))

	_, err := ledger.Consume(context.Background(), "t1", 3, "message", "run-1")
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("Consume error = %v, want QuotaExceededError", err)
	}
	if quota.Bucket != BucketDaily || quota.ResetsAt == nil {
		t.Errorf("quota = %+v, want daily bucket with reset time", quota)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresLedger_ConsumeParentFallback(t *testing.T) {
	db, mock, ledger := setupMockDB(t)
	defer db.Close()

	// Child balance cannot cover the cost.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
		WithArgs("child").
		WillReturnRows(balanceRows("child", 0, 0, 0, 0, time.Time{}))
	mock.ExpectRollback()

	mock.ExpectQuery("SELECT parent_id FROM tenants").
		WithArgs("child").
		WillReturnRows(sqlmock.NewRows([]string{"parent_id"}).AddRow("parent"))

	// Whole cost drawn from the parent.
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
		WithArgs("parent").
		WillReturnRows(balanceRows("parent", 0, 10, 0, 0, time.Time{}))
	mock.ExpectExec("UPDATE credit_balances").
		WithArgs("parent", 0, 4, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_entries").
		WithArgs(sqlmock.AnyArg(), "parent", "monthly", -4, "message", "run-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	cons, err := ledger.Consume(context.Background(), "child", 4, "message", "run-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if cons.TenantID != "parent" {
		t.Errorf("consumption tenant = %s, want parent", cons.TenantID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresLedger_ConsumeNoBalanceRow(t *testing.T) {
	db, mock, ledger := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT parent_id FROM tenants").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := ledger.Consume(context.Background(), "ghost", 1, "message", "run-1")
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		t.Fatalf("Consume error = %v, want QuotaExceededError", err)
	}
	if quota.Bucket != BucketPurchased {
		t.Errorf("quota bucket = %s, want purchased for tenant without allowance", quota.Bucket)
	}
}

func TestPostgresLedger_ConsumeFloorCheckRace(t *testing.T) {
	db, mock, ledger := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
		WithArgs("t1").
		WillReturnRows(balanceRows("t1", 5, 0, 0, 0, time.Time{}))
	// Zero rows affected: another writer drained the balance first.
	mock.ExpectExec("UPDATE credit_balances").
		WithArgs("t1", 3, 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := ledger.Consume(context.Background(), "t1", 3, "message", "run-1")
	if err == nil {
		t.Fatal("expected error when floor check rejects the decrement")
	}
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("error = %v, want ErrConflict", err)
	}
}

func TestPostgresLedger_EnsureDailyGrant(t *testing.T) {
	yesterday := time.Now().UTC().Add(-24 * time.Hour)

	t.Run("grants when stale", func(t *testing.T) {
		db, mock, ledger := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
			WithArgs("t1").
			WillReturnRows(balanceRows("t1", 3, 0, 0, 50, yesterday))
		mock.ExpectExec("UPDATE credit_balances SET daily = daily_grant").
			WithArgs("t1", sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("INSERT INTO credit_entries").
			WithArgs(sqlmock.AnyArg(), "t1", "daily", 47, "daily_replenish", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		if err := ledger.EnsureDailyGrant(context.Background(), "t1", time.Now()); err != nil {
			t.Fatalf("EnsureDailyGrant: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("skips same day", func(t *testing.T) {
		db, mock, ledger := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
			WithArgs("t1").
			WillReturnRows(balanceRows("t1", 12, 0, 0, 50, time.Now()))
		mock.ExpectRollback()

		if err := ledger.EnsureDailyGrant(context.Background(), "t1", time.Now()); err != nil {
			t.Fatalf("EnsureDailyGrant: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("skips missing row", func(t *testing.T) {
		db, mock, ledger := setupMockDB(t)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+) FOR UPDATE").
			WithArgs("ghost").
			WillReturnError(sql.ErrNoRows)
		mock.ExpectRollback()

		if err := ledger.EnsureDailyGrant(context.Background(), "ghost", time.Now()); err != nil {
			t.Fatalf("EnsureDailyGrant: %v", err)
		}
	})
}

func TestPostgresLedger_Grant(t *testing.T) {
	db, mock, ledger := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO credit_balances").
		WithArgs("t1", 25).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO credit_entries").
		WithArgs(sqlmock.AnyArg(), "t1", "purchased", 25, "topup", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := ledger.Grant(context.Background(), "t1", BucketPurchased, 25, "topup"); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresLedger_Balance(t *testing.T) {
	db, mock, ledger := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+)").
		WithArgs("t1").
		WillReturnRows(balanceRows("t1", 4, Unlimited, 2, 50, time.Now()))

	b, err := ledger.Balance(context.Background(), "t1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if b.Daily != 4 || b.Monthly != Unlimited || b.Purchased != 2 {
		t.Errorf("balance = %d/%d/%d, want 4/-1/2", b.Daily, b.Monthly, b.Purchased)
	}

	mock.ExpectQuery("SELECT (.+) FROM credit_balances WHERE tenant_id = (.+)").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	if _, err := ledger.Balance(context.Background(), "ghost"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing balance error = %v, want ErrNotFound", err)
	}
}
