package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// Credentials is the provider-specific secret material for one channel,
// for example {"bot_token": "..."} for Telegram.
type Credentials map[string]string

// configured reports whether any secret has a non-empty value. An env var
// that expanded to "" leaves the entry present but unusable.
func (c Credentials) configured() bool {
	for _, v := range c {
		if v != "" {
			return true
		}
	}
	return false
}

// Binding connects a tenant to its own provider credentials for one channel.
// Credentials never serialize; API responses show which channels are bound,
// not the secrets.
type Binding struct {
	TenantID    string             `json:"tenant_id"`
	Channel     models.ChannelType `json:"channel"`
	Credentials Credentials        `json:"-"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// BindingStore persists tenant channel bindings.
type BindingStore interface {
	// Put inserts or replaces the binding for (tenant, channel).
	Put(ctx context.Context, binding *Binding) error
	Get(ctx context.Context, tenantID string, channel models.ChannelType) (*Binding, error)
	Delete(ctx context.Context, tenantID string, channel models.ChannelType) error
	ListByTenant(ctx context.Context, tenantID string) ([]*Binding, error)
}

type bindingKey struct {
	tenantID string
	channel  models.ChannelType
}

// MemoryBindings is an in-memory BindingStore for development and tests.
type MemoryBindings struct {
	mu       sync.RWMutex
	bindings map[bindingKey]*Binding
}

// NewMemoryBindings creates an empty in-memory binding store.
func NewMemoryBindings() *MemoryBindings {
	return &MemoryBindings{bindings: make(map[bindingKey]*Binding)}
}

func (m *MemoryBindings) Put(_ context.Context, binding *Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingKey{tenantID: binding.TenantID, channel: binding.Channel}
	stored := cloneBinding(binding)
	now := time.Now()
	if existing, ok := m.bindings[key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.bindings[key] = stored
	return nil
}

func (m *MemoryBindings) Get(_ context.Context, tenantID string, channel models.ChannelType) (*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	binding, ok := m.bindings[bindingKey{tenantID: tenantID, channel: channel}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneBinding(binding), nil
}

func (m *MemoryBindings) Delete(_ context.Context, tenantID string, channel models.ChannelType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindingKey{tenantID: tenantID, channel: channel}
	if _, ok := m.bindings[key]; !ok {
		return storage.ErrNotFound
	}
	delete(m.bindings, key)
	return nil
}

func (m *MemoryBindings) ListByTenant(_ context.Context, tenantID string) ([]*Binding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	bindings := []*Binding{}
	for key, binding := range m.bindings {
		if key.tenantID == tenantID {
			bindings = append(bindings, cloneBinding(binding))
		}
	}
	return bindings, nil
}

func cloneBinding(b *Binding) *Binding {
	clone := *b
	if b.Credentials != nil {
		clone.Credentials = make(Credentials, len(b.Credentials))
		for k, v := range b.Credentials {
			clone.Credentials[k] = v
		}
	}
	return &clone
}
