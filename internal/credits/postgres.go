package credits

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
)

// PostgresLedger is the production Ledger. The decrement and its floor
// check run inside one transaction against a row lock, so concurrent
// consumers serialize at the database and never over-draw.
type PostgresLedger struct {
	db *sql.DB
}

// NewPostgresLedger creates a ledger backed by the given db.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Balance(ctx context.Context, tenantID string) (*Balance, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT tenant_id, daily, monthly, purchased, daily_grant, last_grant_at, updated_at
		 FROM credit_balances WHERE tenant_id = $1`, tenantID)
	return scanBalance(row)
}

func (l *PostgresLedger) SetBalance(ctx context.Context, balance *Balance) error {
	if balance == nil || balance.TenantID == "" {
		return fmt.Errorf("balance with tenant id is required")
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO credit_balances (tenant_id, daily, monthly, purchased, daily_grant, last_grant_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,now())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   daily = EXCLUDED.daily,
		   monthly = EXCLUDED.monthly,
		   purchased = EXCLUDED.purchased,
		   daily_grant = EXCLUDED.daily_grant,
		   last_grant_at = EXCLUDED.last_grant_at,
		   updated_at = now()`,
		balance.TenantID, balance.Daily, balance.Monthly, balance.Purchased,
		balance.DailyGrant, nullTime(balance.LastGrantAt))
	if err != nil {
		return fmt.Errorf("set balance: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Consume(ctx context.Context, tenantID string, cost int, reason, runID string) (*Consumption, error) {
	if cost <= 0 {
		return &Consumption{TenantID: tenantID, Cost: cost}, nil
	}

	cons, err := l.consumeFrom(ctx, tenantID, cost, reason, runID)
	if err == nil {
		return cons, nil
	}
	var quota *QuotaExceededError
	if !errors.As(err, &quota) {
		return nil, err
	}

	parentID, perr := l.parentID(ctx, tenantID)
	if perr != nil {
		return nil, perr
	}
	if parentID == "" {
		return nil, err
	}
	if cons, perr = l.consumeFrom(ctx, parentID, cost, reason, runID); perr == nil {
		return cons, nil
	}
	// Surface the tenant's own exhaustion; its resets_at is what the
	// conversation reply should reference.
	return nil, err
}

func (l *PostgresLedger) consumeFrom(ctx context.Context, tenantID string, cost int, reason, runID string) (*Consumption, error) {
	now := time.Now()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin consume: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT tenant_id, daily, monthly, purchased, daily_grant, last_grant_at, updated_at
		 FROM credit_balances WHERE tenant_id = $1 FOR UPDATE`, tenantID)
	balance, err := scanBalance(row)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, exhausted(nil, now)
	}
	if err != nil {
		return nil, err
	}

	draws, ok := plan(balance, cost)
	if !ok {
		return nil, exhausted(balance, now)
	}

	var daily, monthly, purchased int
	for _, d := range draws {
		switch d.Bucket {
		case BucketDaily:
			daily = d.Amount
		case BucketMonthly:
			monthly = d.Amount
		case BucketPurchased:
			purchased = d.Amount
		}
	}
	monthlyDec := monthly
	if balance.Monthly == Unlimited {
		monthlyDec = 0
	}

	// The WHERE clause is the floor check; zero rows means the balance
	// moved underneath us despite the row lock, so nothing was drawn.
	res, err := tx.ExecContext(ctx,
		`UPDATE credit_balances
		 SET daily = daily - $2,
		     monthly = CASE WHEN monthly = -1 THEN monthly ELSE monthly - $3 END,
		     purchased = purchased - $4,
		     updated_at = now()
		 WHERE tenant_id = $1
		   AND daily >= $2
		   AND (monthly = -1 OR monthly >= $3)
		   AND purchased >= $4`,
		tenantID, daily, monthlyDec, purchased)
	if err != nil {
		return nil, fmt.Errorf("decrement balance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("decrement balance: %w", err)
	}
	if affected == 0 {
		return nil, storage.ErrConflict
	}

	for _, d := range draws {
		if err := insertEntry(ctx, tx, &Entry{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Bucket:    d.Bucket,
			Delta:     -d.Amount,
			Reason:    reason,
			RunID:     runID,
			CreatedAt: now,
		}); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit consume: %w", err)
	}
	return &Consumption{TenantID: tenantID, Cost: cost, Draws: draws}, nil
}

func (l *PostgresLedger) Grant(ctx context.Context, tenantID string, bucket Bucket, amount int, reason string) error {
	if amount <= 0 {
		return nil
	}
	var column string
	switch bucket {
	case BucketDaily:
		column = "daily"
	case BucketMonthly:
		column = "monthly"
	case BucketPurchased:
		column = "purchased"
	default:
		return fmt.Errorf("unknown bucket %q", bucket)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Unlimited monthly stays unlimited; a grant would demote it.
	query := fmt.Sprintf(
		`INSERT INTO credit_balances (tenant_id, %[1]s, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (tenant_id) DO UPDATE SET
		   %[1]s = CASE WHEN credit_balances.%[1]s = -1 THEN credit_balances.%[1]s
		                ELSE credit_balances.%[1]s + EXCLUDED.%[1]s END,
		   updated_at = now()`, column)
	if _, err := tx.ExecContext(ctx, query, tenantID, amount); err != nil {
		return fmt.Errorf("grant: %w", err)
	}

	if err := insertEntry(ctx, tx, &Entry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Bucket:    bucket,
		Delta:     amount,
		Reason:    reason,
		CreatedAt: time.Now(),
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit grant: %w", err)
	}
	return nil
}

func (l *PostgresLedger) EnsureDailyGrant(ctx context.Context, tenantID string, now time.Time) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replenish: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT tenant_id, daily, monthly, purchased, daily_grant, last_grant_at, updated_at
		 FROM credit_balances WHERE tenant_id = $1 FOR UPDATE`, tenantID)
	balance, err := scanBalance(row)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if balance.DailyGrant <= 0 || !balance.LastGrantAt.Before(startOfDayUTC(now)) {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE credit_balances SET daily = daily_grant, last_grant_at = $2, updated_at = now()
		 WHERE tenant_id = $1`, tenantID, now); err != nil {
		return fmt.Errorf("replenish: %w", err)
	}

	if delta := balance.DailyGrant - balance.Daily; delta != 0 {
		if err := insertEntry(ctx, tx, &Entry{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Bucket:    BucketDaily,
			Delta:     delta,
			Reason:    "daily_replenish",
			CreatedAt: now,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replenish: %w", err)
	}
	return nil
}

func (l *PostgresLedger) Entries(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, tenant_id, bucket, delta, reason, COALESCE(run_id, ''), created_at
		 FROM credit_entries WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	entries := []*Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.Bucket, &e.Delta, &e.Reason, &e.RunID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("entries: %w", err)
	}
	return entries, nil
}

func (l *PostgresLedger) TenantIDs(ctx context.Context) ([]string, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT tenant_id FROM credit_balances`)
	if err != nil {
		return nil, fmt.Errorf("query tenant ids: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tenant ids: %w", err)
	}
	return ids, nil
}

func (l *PostgresLedger) parentID(ctx context.Context, tenantID string) (string, error) {
	var parent sql.NullString
	err := l.db.QueryRowContext(ctx,
		`SELECT parent_id FROM tenants WHERE id = $1`, tenantID).Scan(&parent)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query parent: %w", err)
	}
	return parent.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (*Balance, error) {
	var b Balance
	var lastGrant sql.NullTime
	err := row.Scan(&b.TenantID, &b.Daily, &b.Monthly, &b.Purchased, &b.DailyGrant, &lastGrant, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan balance: %w", err)
	}
	if lastGrant.Valid {
		b.LastGrantAt = lastGrant.Time
	}
	return &b, nil
}

func insertEntry(ctx context.Context, tx *sql.Tx, e *Entry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO credit_entries (id, tenant_id, bucket, delta, reason, run_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.TenantID, e.Bucket, e.Delta, e.Reason, nullString(e.RunID), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
