package tenants

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

// PostgresStore persists tenants and users in Postgres.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	if tenant.Status == "" {
		tenant.Status = models.TenantActive
	}
	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, name, slug, parent_id, status, manual_review, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		tenant.ID, tenant.Name, nullString(tenant.Slug), nullString(tenant.ParentID),
		tenant.Status, tenant.ManualReview, tenant.CreatedAt, tenant.UpdatedAt)
	if err != nil {
		if storage.IsDuplicate(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(slug, ''), COALESCE(parent_id, ''), status, manual_review, created_at, updated_at
		 FROM tenants WHERE id = $1`, id))
}

func (s *PostgresStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return scanTenant(s.db.QueryRowContext(ctx,
		`SELECT id, name, COALESCE(slug, ''), COALESCE(parent_id, ''), status, manual_review, created_at, updated_at
		 FROM tenants WHERE slug = $1`, slug))
}

func (s *PostgresStore) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	tenant.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET name = $2, slug = $3, parent_id = $4, status = $5, manual_review = $6, updated_at = $7
		 WHERE id = $1`,
		tenant.ID, tenant.Name, nullString(tenant.Slug), nullString(tenant.ParentID),
		tenant.Status, tenant.ManualReview, tenant.UpdatedAt)
	if err != nil {
		if storage.IsDuplicate(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("update tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListChildren(ctx context.Context, parentID string) ([]*models.Tenant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, COALESCE(slug, ''), COALESCE(parent_id, ''), status, manual_review, created_at, updated_at
		 FROM tenants WHERE parent_id = $1 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	children := []*models.Tenant{}
	for rows.Next() {
		tenant, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		children = append(children, tenant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return children, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, tenant_id, created_at, updated_at)
		 VALUES ($1, lower($2), $3, $4, $5, $6)`,
		user.ID, user.Email, user.Name, user.TenantID, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if storage.IsDuplicate(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, tenant_id, created_at, updated_at FROM users WHERE id = $1`, id))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`SELECT id, email, name, tenant_id, created_at, updated_at
		 FROM users WHERE email = lower($1)`, normalizeEmail(email)))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var t models.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Slug, &t.ParentID, &t.Status, &t.ManualReview, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.TenantID, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
