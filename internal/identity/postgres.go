package identity

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

// PostgresStore persists channel identity mappings in Postgres. The
// unique index on (channel, external_id) enforces one mapping per
// external identity even under concurrent first-contact inserts.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const identityColumns = `id, channel, external_id, COALESCE(display_name, ''),
	COALESCE(tenant_id, ''), COALESCE(user_id, ''), status, last_seen_at, created_at, updated_at`

func (s *PostgresStore) GetOrCreate(ctx context.Context, mapping *models.ChannelIdentity) (*models.ChannelIdentity, bool, error) {
	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	if mapping.Status == "" {
		mapping.Status = models.IdentityOnboarding
	}
	now := time.Now()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channel_identities
		   (id, channel, external_id, display_name, tenant_id, user_id, status, last_seen_at, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,$8)
		 ON CONFLICT (channel, external_id) DO NOTHING`,
		mapping.ID, mapping.Channel, mapping.ExternalID, nullString(mapping.DisplayName),
		nullString(mapping.TenantID), nullString(mapping.UserID), mapping.Status, now)
	if err != nil {
		return nil, false, fmt.Errorf("create mapping: %w", err)
	}

	existing, err := s.GetByExternal(ctx, mapping.Channel, mapping.ExternalID)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("create mapping: %w", err)
	}
	return existing, affected == 1, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*models.ChannelIdentity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM channel_identities WHERE id = $1`, id))
}

func (s *PostgresStore) GetByExternal(ctx context.Context, channel models.ChannelType, externalID string) (*models.ChannelIdentity, error) {
	return scanIdentity(s.db.QueryRowContext(ctx,
		`SELECT `+identityColumns+` FROM channel_identities WHERE channel = $1 AND external_id = $2`,
		channel, externalID))
}

func (s *PostgresStore) Update(ctx context.Context, mapping *models.ChannelIdentity) error {
	mapping.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE channel_identities
		 SET display_name = $2, tenant_id = $3, user_id = $4, status = $5, last_seen_at = $6, updated_at = $7
		 WHERE id = $1`,
		mapping.ID, nullString(mapping.DisplayName), nullString(mapping.TenantID),
		nullString(mapping.UserID), mapping.Status, mapping.LastSeenAt, mapping.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update mapping: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update mapping: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.ChannelIdentity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM channel_identities
		 WHERE tenant_id = $1 ORDER BY created_at LIMIT $2 OFFSET $3`,
		tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	defer rows.Close()

	mappings := []*models.ChannelIdentity{}
	for rows.Next() {
		mapping, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, mapping)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mappings: %w", err)
	}
	return mappings, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIdentity(row rowScanner) (*models.ChannelIdentity, error) {
	var m models.ChannelIdentity
	err := row.Scan(&m.ID, &m.Channel, &m.ExternalID, &m.DisplayName,
		&m.TenantID, &m.UserID, &m.Status, &m.LastSeenAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mapping: %w", err)
	}
	return &m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
