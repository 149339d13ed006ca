package governor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// PostgresStore is the production execution store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const executionColumns = `id, tenant_id, session_id, agent_id, run_id, tool, params, state,
	COALESCE(proposed_by, ''), COALESCE(decided_by, ''), COALESCE(instruction, ''),
	result, COALESCE(error_message, ''), created_at, decided_at, completed_at`

func (s *PostgresStore) Create(ctx context.Context, exec *models.ToolExecution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (id, tenant_id, session_id, agent_id, run_id, tool,
			params, state, proposed_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		exec.ID, exec.TenantID, exec.SessionID, exec.AgentID, exec.RunID, exec.Tool,
		[]byte(exec.Params), string(exec.State), nullString(exec.ProposedBy), exec.CreatedAt,
	)
	if err != nil {
		if storage.IsDuplicate(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("insert tool execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ToolExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM tool_executions WHERE id = $1`, id)
	return scanExecution(row)
}

func (s *PostgresStore) Transition(ctx context.Context, id string, next models.ExecutionState, update TransitionUpdate) (*models.ToolExecution, error) {
	prev, ok := transitionFrom[next]
	if !ok {
		return nil, fmt.Errorf("%w: no transition enters %s", ErrInvalidTransition, next)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET state = $2,
			decided_by = COALESCE($3, decided_by),
			instruction = COALESCE($4, instruction),
			params = COALESCE($5, params),
			result = COALESCE($6, result),
			error_message = COALESCE($7, error_message),
			decided_at = CASE WHEN $2 IN ('approved', 'rejected') THEN now() ELSE decided_at END,
			completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
		WHERE id = $1 AND state = $8`,
		id, string(next), nullString(update.DecidedBy), nullString(update.Instruction),
		nullBytes(update.Params), nullBytes(update.Result), nullString(update.ErrorMessage),
		string(prev),
	)
	if err != nil {
		return nil, fmt.Errorf("transition tool execution: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish a missing record from one in the wrong state.
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.State, next)
	}

	return s.Get(ctx, id)
}

func (s *PostgresStore) Pending(ctx context.Context, tenantID string) ([]*models.ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM tool_executions
		WHERE tenant_id = $1 AND state = 'proposed'
		ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list pending executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func (s *PostgresStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ToolExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM tool_executions
		WHERE state = 'proposed' AND created_at < $1
		ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale executions: %w", err)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

func collectExecutions(rows *sql.Rows) ([]*models.ToolExecution, error) {
	var execs []*models.ToolExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*models.ToolExecution, error) {
	var (
		exec        models.ToolExecution
		params      []byte
		result      []byte
		decidedAt   sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(
		&exec.ID, &exec.TenantID, &exec.SessionID, &exec.AgentID, &exec.RunID, &exec.Tool,
		&params, &exec.State, &exec.ProposedBy, &exec.DecidedBy, &exec.Instruction,
		&result, &exec.ErrorMessage, &exec.CreatedAt, &decidedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scan tool execution: %w", err)
	}

	exec.Params = json.RawMessage(params)
	if result != nil {
		exec.Result = json.RawMessage(result)
	}
	if decidedAt.Valid {
		exec.DecidedAt = &decidedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return &exec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
