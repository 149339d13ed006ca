// Package identity binds external channel identities to tenants.
//
// Each external contact (e.g. telegram:123456) has exactly one mapping,
// which moves through onboarding, active, and churned as the contact is
// verified against a tenant account. The resolver in this package decides,
// per inbound message, which tenant's agent should serve the contact.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// Store defines channel identity mapping persistence.
//
// GetOrCreate must be insert-if-absent-else-read so concurrent first
// messages from the same external identity cannot create two mappings.
type Store interface {
	GetOrCreate(ctx context.Context, mapping *models.ChannelIdentity) (*models.ChannelIdentity, bool, error)
	Get(ctx context.Context, id string) (*models.ChannelIdentity, error)
	GetByExternal(ctx context.Context, channel models.ChannelType, externalID string) (*models.ChannelIdentity, error)
	Update(ctx context.Context, mapping *models.ChannelIdentity) error
	ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.ChannelIdentity, error)
}

// MemoryStore is an in-memory Store for tests and single-node dev runs.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]*models.ChannelIdentity
	// byKey maps models.IdentityKey(channel, external_id) -> mapping id.
	byKey map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:  make(map[string]*models.ChannelIdentity),
		byKey: make(map[string]string),
	}
}

func (s *MemoryStore) GetOrCreate(ctx context.Context, mapping *models.ChannelIdentity) (*models.ChannelIdentity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := models.IdentityKey(mapping.Channel, mapping.ExternalID)
	if id, ok := s.byKey[key]; ok {
		clone := *s.byID[id]
		return &clone, false, nil
	}

	if mapping.ID == "" {
		mapping.ID = uuid.NewString()
	}
	if mapping.Status == "" {
		mapping.Status = models.IdentityOnboarding
	}
	now := time.Now()
	mapping.CreatedAt = now
	mapping.UpdatedAt = now
	mapping.LastSeenAt = now

	clone := *mapping
	s.byID[mapping.ID] = &clone
	s.byKey[key] = mapping.ID
	return mapping, true, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.ChannelIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mapping, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *mapping
	return &clone, nil
}

func (s *MemoryStore) GetByExternal(ctx context.Context, channel models.ChannelType, externalID string) (*models.ChannelIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[models.IdentityKey(channel, externalID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *s.byID[id]
	return &clone, nil
}

func (s *MemoryStore) Update(ctx context.Context, mapping *models.ChannelIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byID[mapping.ID]
	if !ok {
		return storage.ErrNotFound
	}
	mapping.CreatedAt = existing.CreatedAt
	mapping.UpdatedAt = time.Now()

	clone := *mapping
	s.byID[mapping.ID] = &clone
	return nil
}

func (s *MemoryStore) ListByTenant(ctx context.Context, tenantID string, limit, offset int) ([]*models.ChannelIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := []*models.ChannelIdentity{}
	for _, mapping := range s.byID {
		if mapping.TenantID == tenantID {
			clone := *mapping
			all = append(all, &clone)
		}
	}
	if offset >= len(all) {
		return []*models.ChannelIdentity{}, nil
	}
	end := len(all)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], nil
}
