// Package tenants persists tenant organizations and their owning users.
//
// Tenants are created at signup and never deleted, only deactivated. A
// tenant may have a parent tenant, which the credit ledger consults for
// balance fallback.
package tenants

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// Store defines tenant and user persistence.
type Store interface {
	CreateTenant(ctx context.Context, tenant *models.Tenant) error
	GetTenant(ctx context.Context, id string) (*models.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	UpdateTenant(ctx context.Context, tenant *models.Tenant) error
	ListChildren(ctx context.Context, parentID string) ([]*models.Tenant, error)

	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

// ParentLookup adapts a Store to the credit ledger's parent resolution.
func ParentLookup(store Store) func(ctx context.Context, tenantID string) (string, error) {
	return func(ctx context.Context, tenantID string) (string, error) {
		tenant, err := store.GetTenant(ctx, tenantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return "", nil
			}
			return "", err
		}
		return tenant.ParentID, nil
	}
}

// MemoryStore is an in-memory Store for tests and single-node dev runs.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*models.Tenant
	slugs   map[string]string
	users   map[string]*models.User
	emails  map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[string]*models.Tenant),
		slugs:   make(map[string]string),
		users:   make(map[string]*models.User),
		emails:  make(map[string]string),
	}
}

func (s *MemoryStore) CreateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tenant.ID == "" {
		tenant.ID = uuid.NewString()
	}
	if _, exists := s.tenants[tenant.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if tenant.Slug != "" {
		if _, exists := s.slugs[tenant.Slug]; exists {
			return storage.ErrAlreadyExists
		}
	}
	now := time.Now()
	tenant.CreatedAt = now
	tenant.UpdatedAt = now
	if tenant.Status == "" {
		tenant.Status = models.TenantActive
	}

	clone := *tenant
	s.tenants[tenant.ID] = &clone
	if tenant.Slug != "" {
		s.slugs[tenant.Slug] = tenant.ID
	}
	return nil
}

func (s *MemoryStore) GetTenant(ctx context.Context, id string) (*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *tenant
	return &clone, nil
}

func (s *MemoryStore) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	s.mu.RLock()
	id, ok := s.slugs[slug]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetTenant(ctx, id)
}

func (s *MemoryStore) UpdateTenant(ctx context.Context, tenant *models.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tenants[tenant.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if existing.Slug != tenant.Slug {
		if tenant.Slug != "" {
			if _, taken := s.slugs[tenant.Slug]; taken {
				return storage.ErrAlreadyExists
			}
			s.slugs[tenant.Slug] = tenant.ID
		}
		delete(s.slugs, existing.Slug)
	}
	tenant.CreatedAt = existing.CreatedAt
	tenant.UpdatedAt = time.Now()

	clone := *tenant
	s.tenants[tenant.ID] = &clone
	return nil
}

func (s *MemoryStore) ListChildren(ctx context.Context, parentID string) ([]*models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	children := []*models.Tenant{}
	for _, tenant := range s.tenants {
		if tenant.ParentID == parentID {
			clone := *tenant
			children = append(children, &clone)
		}
	}
	return children, nil
}

func (s *MemoryStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	email := normalizeEmail(user.Email)
	if _, exists := s.users[user.ID]; exists {
		return storage.ErrAlreadyExists
	}
	if email != "" {
		if _, exists := s.emails[email]; exists {
			return storage.ErrAlreadyExists
		}
	}
	now := time.Now()
	user.CreatedAt = now
	user.UpdatedAt = now

	clone := *user
	s.users[user.ID] = &clone
	if email != "" {
		s.emails[email] = user.ID
	}
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *user
	return &clone, nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	id, ok := s.emails[normalizeEmail(email)]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return s.GetUser(ctx, id)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
