package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// PostgresStore persists sessions and transcripts in Postgres. The
// partial unique index on (tenant_id, channel, contact_id) WHERE status
// = 'active' enforces the one-active-session invariant even under
// concurrent creates.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, tenant_id, agent_id, channel, contact_id, COALESCE(contact_name, ''),
	status, mode, guided, message_count, credits_used, created_at, updated_at, closed_at`

func (s *PostgresStore) GetOrCreateActive(ctx context.Context, template *models.Session) (*models.Session, bool, error) {
	session := newFromTemplate(template, time.Now())
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	guided, err := marshalGuided(session.Guided)
	if err != nil {
		return nil, false, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions
		   (id, tenant_id, agent_id, channel, contact_id, contact_name, status, mode, guided,
		    message_count, credits_used, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		 ON CONFLICT (tenant_id, channel, contact_id) WHERE status = 'active' DO NOTHING`,
		session.ID, session.TenantID, session.AgentID, session.Channel, session.ContactID,
		nullString(session.ContactName), session.Status, session.Mode, guided,
		session.MessageCount, session.CreditsUsed, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}

	active, err := s.ActiveForKey(ctx, session.TenantID, session.Channel, session.ContactID)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return active, affected == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *PostgresStore) ActiveForKey(ctx context.Context, tenantID string, channel models.ChannelType, contactID string) (*models.Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE tenant_id = $1 AND channel = $2 AND contact_id = $3 AND status = 'active'`,
		tenantID, channel, contactID))
}

func (s *PostgresStore) Close(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = 'closed', closed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if affected == 0 {
		// Distinguish already-closed (no-op) from missing.
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) UpdateGuided(ctx context.Context, id string, guided *models.GuidedState) error {
	payload, err := marshalGuided(guided)
	if err != nil {
		return err
	}
	mode := models.ModeGuided
	if guided == nil {
		mode = models.ModeFreeform
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET guided = $2, mode = $3, updated_at = now() WHERE id = $1`,
		id, payload, mode)
	if err != nil {
		return fmt.Errorf("update guided state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update guided state: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordUsage(ctx context.Context, id string, messages, credits int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions
		 SET message_count = message_count + $2, credits_used = credits_used + $3, updated_at = now()
		 WHERE id = $1`, id, messages, credits)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE tenant_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*models.Session{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	toolCalls, err := marshalJSON(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("marshal tool calls: %w", err)
	}
	toolResults, err := marshalJSON(msg.ToolResults)
	if err != nil {
		return fmt.Errorf("marshal tool results: %w", err)
	}
	metadata, err := marshalJSON(msg.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO messages
		   (id, session_id, tenant_id, channel, direction, role, contact_id, content,
		    tool_calls, tool_results, metadata, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		msg.ID, msg.SessionID, msg.TenantID, msg.Channel, msg.Direction, msg.Role,
		nullString(msg.ContactID), msg.Content, toolCalls, toolResults, metadata, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *PostgresStore) History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, tenant_id, channel, direction, role, COALESCE(contact_id, ''),
		        content, tool_calls, tool_results, metadata, created_at
		 FROM messages WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	newestFirst := []*models.Message{}
	for rows.Next() {
		var m models.Message
		var toolCalls, toolResults, metadata []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.TenantID, &m.Channel, &m.Direction, &m.Role,
			&m.ContactID, &m.Content, &toolCalls, &toolResults, &metadata, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		if len(toolResults) > 0 {
			if err := json.Unmarshal(toolResults, &m.ToolResults); err != nil {
				return nil, fmt.Errorf("unmarshal tool results: %w", err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		newestFirst = append(newestFirst, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	// Reverse into chronological order.
	history := make([]*models.Message, len(newestFirst))
	for i, m := range newestFirst {
		history[len(newestFirst)-1-i] = m
	}
	return history, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var guided []byte
	var closedAt sql.NullTime
	err := row.Scan(&s.ID, &s.TenantID, &s.AgentID, &s.Channel, &s.ContactID, &s.ContactName,
		&s.Status, &s.Mode, &guided, &s.MessageCount, &s.CreditsUsed,
		&s.CreatedAt, &s.UpdatedAt, &closedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if len(guided) > 0 {
		if err := json.Unmarshal(guided, &s.Guided); err != nil {
			return nil, fmt.Errorf("unmarshal guided state: %w", err)
		}
	}
	if closedAt.Valid {
		s.ClosedAt = &closedAt.Time
	}
	return &s, nil
}

func marshalGuided(guided *models.GuidedState) (any, error) {
	if guided == nil {
		return nil, nil
	}
	payload, err := json.Marshal(guided)
	if err != nil {
		return nil, fmt.Errorf("marshal guided state: %w", err)
	}
	return payload, nil
}

func marshalJSON(v any) (any, error) {
	switch value := v.(type) {
	case []models.ToolCall:
		if len(value) == 0 {
			return nil, nil
		}
	case []models.ToolResult:
		if len(value) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(value) == 0 {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
