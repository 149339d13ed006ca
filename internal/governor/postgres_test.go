package governor

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, mock, NewPostgresStore(db)
}

func executionRows(id string, state models.ExecutionState) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "session_id", "agent_id", "run_id", "tool", "params", "state",
		"proposed_by", "decided_by", "instruction", "result", "error_message",
		"created_at", "decided_at", "completed_at",
	}).AddRow(id, "t1", "s1", "agent-1", "run-1", "send_invoice", []byte(`{"amount":100}`),
		string(state), "claude-sonnet-4-20250514", "", "", nil, "", now, nil, nil)
}

func TestPostgresStore_Create(t *testing.T) {
	_, mock, store := setupMockDB(t)

	mock.ExpectExec("INSERT INTO tool_executions").
		WithArgs("e1", "t1", "s1", "agent-1", "run-1", "send_invoice",
			[]byte(`{"amount":100}`), "proposed", "claude-sonnet-4-20250514", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Create(context.Background(), &models.ToolExecution{
		ID: "e1", TenantID: "t1", SessionID: "s1", AgentID: "agent-1", RunID: "run-1",
		Tool: "send_invoice", Params: json.RawMessage(`{"amount":100}`),
		State: models.ExecutionProposed, ProposedBy: "claude-sonnet-4-20250514",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestPostgresStore_Transition(t *testing.T) {
	t.Run("approves a proposed record", func(t *testing.T) {
		_, mock, store := setupMockDB(t)

		mock.ExpectExec("UPDATE tool_executions").
			WithArgs("e1", "approved", "ops@example.com", nil, nil, nil, nil, "proposed").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT (.+) FROM tool_executions WHERE id").
			WithArgs("e1").
			WillReturnRows(executionRows("e1", models.ExecutionApproved))

		exec, err := store.Transition(context.Background(), "e1", models.ExecutionApproved,
			TransitionUpdate{DecidedBy: "ops@example.com"})
		if err != nil {
			t.Fatal(err)
		}
		if exec.State != models.ExecutionApproved {
			t.Fatalf("state = %q", exec.State)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("wrong current state is an invalid transition", func(t *testing.T) {
		_, mock, store := setupMockDB(t)

		mock.ExpectExec("UPDATE tool_executions").
			WithArgs("e1", "approved", nil, nil, nil, nil, nil, "proposed").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM tool_executions WHERE id").
			WithArgs("e1").
			WillReturnRows(executionRows("e1", models.ExecutionCompleted))

		_, err := store.Transition(context.Background(), "e1", models.ExecutionApproved, TransitionUpdate{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("missing record is not found", func(t *testing.T) {
		_, mock, store := setupMockDB(t)

		mock.ExpectExec("UPDATE tool_executions").
			WithArgs("nope", "rejected", "ops", "too risky", nil, nil, nil, "proposed").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT (.+) FROM tool_executions WHERE id").
			WithArgs("nope").
			WillReturnError(sql.ErrNoRows)

		_, err := store.Transition(context.Background(), "nope", models.ExecutionRejected,
			TransitionUpdate{DecidedBy: "ops", Instruction: "too risky"})
		if !errors.Is(err, storage.ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})

	t.Run("no state enters proposed", func(t *testing.T) {
		_, _, store := setupMockDB(t)

		_, err := store.Transition(context.Background(), "e1", models.ExecutionProposed, TransitionUpdate{})
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestPostgresStore_Pending(t *testing.T) {
	_, mock, store := setupMockDB(t)

	rows := executionRows("e1", models.ExecutionProposed)
	mock.ExpectQuery("SELECT (.+) FROM tool_executions").
		WithArgs("t1").
		WillReturnRows(rows)

	pending, err := store.Pending(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != "e1" {
		t.Fatalf("pending = %+v", pending)
	}
	if pending[0].State != models.ExecutionProposed {
		t.Fatalf("state = %q", pending[0].State)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}
