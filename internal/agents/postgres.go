package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// PostgresStore persists agents in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const agentColumns = `id, tenant_id, name, COALESCE(persona, ''), model, provider, autonomy,
	tool_allowlist, tool_denylist, guardrails, knowledge_tags, status, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if agent.Status == "" {
		agent.Status = models.AgentDraft
	}
	if agent.Autonomy == "" {
		agent.Autonomy = models.AutonomySupervised
	}
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	guardrails, err := json.Marshal(agent.Guardrails)
	if err != nil {
		return fmt.Errorf("marshal guardrails: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents
		   (id, tenant_id, name, persona, model, provider, autonomy,
		    tool_allowlist, tool_denylist, guardrails, knowledge_tags, status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		agent.ID, agent.TenantID, agent.Name, agent.Persona, agent.Model, agent.Provider,
		agent.Autonomy, pq.Array(agent.ToolAllowlist), pq.Array(agent.ToolDenylist),
		guardrails, pq.Array(agent.KnowledgeTags), agent.Status, agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		if storage.IsDuplicate(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

func (s *PostgresStore) ActiveForTenant(ctx context.Context, tenantID string) (*models.Agent, error) {
	return scanAgent(s.db.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents
		 WHERE tenant_id = $1 AND status = 'active'
		 ORDER BY created_at LIMIT 1`, tenantID))
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*models.Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// Update writes config fields. Status is deliberately not written here;
// use UpdateStatus so the lifecycle graph applies.
func (s *PostgresStore) Update(ctx context.Context, agent *models.Agent) error {
	agent.UpdatedAt = time.Now()
	guardrails, err := json.Marshal(agent.Guardrails)
	if err != nil {
		return fmt.Errorf("marshal guardrails: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE agents
		 SET name = $2, persona = $3, model = $4, provider = $5, autonomy = $6,
		     tool_allowlist = $7, tool_denylist = $8, guardrails = $9, knowledge_tags = $10,
		     updated_at = $11
		 WHERE id = $1`,
		agent.ID, agent.Name, agent.Persona, agent.Model, agent.Provider, agent.Autonomy,
		pq.Array(agent.ToolAllowlist), pq.Array(agent.ToolDenylist), guardrails,
		pq.Array(agent.KnowledgeTags), agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status models.AgentStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status update: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.AgentStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM agents WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read agent status: %w", err)
	}
	if !current.CanTransitionTo(status) {
		return &ErrInvalidTransition{From: current, To: status}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET status = $2, updated_at = now() WHERE id = $1`, id, status); err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit status update: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var guardrails []byte
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.Persona, &a.Model, &a.Provider, &a.Autonomy,
		pq.Array(&a.ToolAllowlist), pq.Array(&a.ToolDenylist), &guardrails,
		pq.Array(&a.KnowledgeTags), &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	if len(guardrails) > 0 {
		if err := json.Unmarshal(guardrails, &a.Guardrails); err != nil {
			return nil, fmt.Errorf("unmarshal guardrails: %w", err)
		}
	}
	return &a, nil
}
