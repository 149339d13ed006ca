package outbound

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// PostgresBindings persists channel bindings in Postgres.
type PostgresBindings struct {
	db *sql.DB
}

// NewPostgresBindings creates a binding store backed by the given db.
func NewPostgresBindings(db *sql.DB) *PostgresBindings {
	return &PostgresBindings{db: db}
}

const bindingColumns = `tenant_id, channel, credentials, created_at, updated_at`

func (s *PostgresBindings) Put(ctx context.Context, binding *Binding) error {
	creds := binding.Credentials
	if creds == nil {
		creds = Credentials{}
	}
	payload, err := json.Marshal(creds)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO channel_bindings (tenant_id, channel, credentials)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id, channel)
		 DO UPDATE SET credentials = EXCLUDED.credentials, updated_at = now()`,
		binding.TenantID, binding.Channel, payload)
	if err != nil {
		return fmt.Errorf("put channel binding: %w", err)
	}
	return nil
}

func (s *PostgresBindings) Get(ctx context.Context, tenantID string, channel models.ChannelType) (*Binding, error) {
	return scanBinding(s.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM channel_bindings
		 WHERE tenant_id = $1 AND channel = $2`, tenantID, channel))
}

func (s *PostgresBindings) Delete(ctx context.Context, tenantID string, channel models.ChannelType) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM channel_bindings WHERE tenant_id = $1 AND channel = $2`,
		tenantID, channel)
	if err != nil {
		return fmt.Errorf("delete channel binding: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete channel binding: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresBindings) ListByTenant(ctx context.Context, tenantID string) ([]*Binding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+bindingColumns+` FROM channel_bindings
		 WHERE tenant_id = $1 ORDER BY channel`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list channel bindings: %w", err)
	}
	defer rows.Close()

	bindings := []*Binding{}
	for rows.Next() {
		binding, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, binding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channel bindings: %w", err)
	}
	return bindings, nil
}

func scanBinding(row rowScanner) (*Binding, error) {
	var b Binding
	var creds []byte
	err := row.Scan(&b.TenantID, &b.Channel, &creds, &b.CreatedAt, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan channel binding: %w", err)
	}
	if len(creds) > 0 {
		if err := json.Unmarshal(creds, &b.Credentials); err != nil {
			return nil, fmt.Errorf("unmarshal credentials: %w", err)
		}
	}
	return &b, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
