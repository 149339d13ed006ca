package linking

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// PostgresStore persists tokens and codes in Postgres. Consumption is a
// single conditional UPDATE or DELETE, so concurrent redemptions of the
// same credential serialize at the database and exactly one wins.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreateToken(ctx context.Context, token *Token) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO link_tokens (token, tenant_id, issued_by, expires_at, used, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		token.Token, token.TenantID, token.IssuedBy, token.ExpiresAt, token.Used, token.CreatedAt)
	if err != nil {
		if storage.IsDuplicate(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create token: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetToken(ctx context.Context, token string) (*Token, error) {
	var t Token
	err := s.db.QueryRowContext(ctx,
		`SELECT token, tenant_id, issued_by, expires_at, used, created_at
		 FROM link_tokens WHERE token = $1`, token).
		Scan(&t.Token, &t.TenantID, &t.IssuedBy, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) ConsumeToken(ctx context.Context, token string, now time.Time) (*Token, error) {
	var t Token
	err := s.db.QueryRowContext(ctx,
		`UPDATE link_tokens SET used = TRUE
		 WHERE token = $1 AND used = FALSE AND expires_at > $2
		 RETURNING token, tenant_id, issued_by, expires_at, used, created_at`,
		token, now).
		Scan(&t.Token, &t.TenantID, &t.IssuedBy, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consume token: %w", err)
	}
	return &t, nil
}

func (s *PostgresStore) CreateCode(ctx context.Context, code *Code) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO link_codes (code, account_id, tenant_id, email, channel, external_id, expires_at, used, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		code.Code, code.AccountID, code.TenantID, code.Email, code.Channel,
		code.ExternalID, code.ExpiresAt, code.Used, code.CreatedAt)
	if err != nil {
		if storage.IsDuplicate(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create code: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCode(ctx context.Context, code string) (*Code, error) {
	var c Code
	err := s.db.QueryRowContext(ctx,
		`SELECT code, account_id, tenant_id, email, channel, external_id, expires_at, used, created_at
		 FROM link_codes WHERE code = $1`, code).
		Scan(&c.Code, &c.AccountID, &c.TenantID, &c.Email, &c.Channel,
			&c.ExternalID, &c.ExpiresAt, &c.Used, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get code: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ConsumeCode(ctx context.Context, code string, channel models.ChannelType, externalID string, now time.Time) (*Code, error) {
	var c Code
	err := s.db.QueryRowContext(ctx,
		`DELETE FROM link_codes
		 WHERE code = $1 AND used = FALSE AND expires_at > $2 AND channel = $3 AND external_id = $4
		 RETURNING code, account_id, tenant_id, email, channel, external_id, expires_at, used, created_at`,
		code, now, channel, externalID).
		Scan(&c.Code, &c.AccountID, &c.TenantID, &c.Email, &c.Channel,
			&c.ExternalID, &c.ExpiresAt, &c.Used, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCodeInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) DeleteCodesFor(ctx context.Context, channel models.ChannelType, externalID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM link_codes WHERE channel = $1 AND external_id = $2`, channel, externalID)
	if err != nil {
		return fmt.Errorf("delete codes: %w", err)
	}
	return nil
}
