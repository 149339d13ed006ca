package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// PostgresStore persists run records in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const runColumns = `id, tenant_id, session_id, COALESCE(agent_id, ''), COALESCE(channel, ''), status, input_tokens, output_tokens, credits_used, tool_calls, duration_ms, COALESCE(error, ''), created_at`

// Record appends one run.
func (s *PostgresStore) Record(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage_runs (id, tenant_id, session_id, agent_id, channel, status,
			input_tokens, output_tokens, credits_used, tool_calls, duration_ms, error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		run.ID, run.TenantID, run.SessionID, nullString(run.AgentID),
		nullString(string(run.Channel)), string(run.Status),
		run.InputTokens, run.OutputTokens, run.CreditsUsed, run.ToolCalls,
		run.Duration.Milliseconds(), nullString(run.Error), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage run: %w", err)
	}
	return nil
}

// Get returns one run by ID.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM usage_runs WHERE id = $1`, id)
	return scanRun(row)
}

// ListByTenant returns the tenant's most recent runs, newest first.
func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM usage_runs
		WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list usage runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DailyTotals aggregates the tenant's runs for one UTC day.
func (s *PostgresStore) DailyTotals(ctx context.Context, tenantID string, day time.Time) (*DailyTotals, error) {
	start, end := dayBounds(day)

	totals := &DailyTotals{}
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(input_tokens), 0),
			COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(credits_used), 0)
		FROM usage_runs
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3`,
		tenantID, start, end).
		Scan(&totals.Messages, &totals.InputTokens, &totals.OutputTokens, &totals.CreditsUsed)
	if err != nil {
		return nil, fmt.Errorf("aggregate usage: %w", err)
	}
	return totals, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run        Run
		channel    string
		status     string
		durationMS int64
	)
	err := row.Scan(&run.ID, &run.TenantID, &run.SessionID, &run.AgentID, &channel,
		&status, &run.InputTokens, &run.OutputTokens, &run.CreditsUsed,
		&run.ToolCalls, &durationMS, &run.Error, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan usage run: %w", err)
	}
	run.Channel = models.ChannelType(channel)
	run.Status = Status(status)
	run.Duration = time.Duration(durationMS) * time.Millisecond
	return &run, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
