// Package agents persists per-tenant agent configuration: persona, tool
// allowlist/denylist, autonomy level, guardrails, and model choice.
//
// Status changes go through UpdateStatus, which enforces the lifecycle
// graph (draft -> active <-> paused -> archived); Update never moves
// status so a config edit cannot skip a transition.
package agents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// Store defines agent persistence.
type Store interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	// ActiveForTenant returns the tenant's serving agent: the oldest agent
	// with status active. ErrNotFound when the tenant has none.
	ActiveForTenant(ctx context.Context, tenantID string) (*models.Agent, error)
	ListByTenant(ctx context.Context, tenantID string) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	UpdateStatus(ctx context.Context, id string, status models.AgentStatus) error
}

// ErrInvalidTransition reports an illegal agent status change.
type ErrInvalidTransition struct {
	From, To models.AgentStatus
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid agent status transition %s -> %s", e.From, e.To)
}

// MemoryStore is an in-memory Store for tests and single-node dev runs.
type MemoryStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{agents: make(map[string]*models.Agent)}
}

func (s *MemoryStore) Create(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if agent.ID == "" {
		agent.ID = uuid.NewString()
	}
	if _, exists := s.agents[agent.ID]; exists {
		return storage.ErrAlreadyExists
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

	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneAgent(agent), nil
}

func (s *MemoryStore) ActiveForTenant(ctx context.Context, tenantID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *models.Agent
	for _, agent := range s.agents {
		if agent.TenantID != tenantID || agent.Status != models.AgentActive {
			continue
		}
		if oldest == nil || agent.CreatedAt.Before(oldest.CreatedAt) {
			oldest = agent
		}
	}
	if oldest == nil {
		return nil, storage.ErrNotFound
	}
	return cloneAgent(oldest), nil
}

func (s *MemoryStore) ListByTenant(ctx context.Context, tenantID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := []*models.Agent{}
	for _, agent := range s.agents {
		if agent.TenantID == tenantID {
			agents = append(agents, cloneAgent(agent))
		}
	}
	return agents, nil
}

func (s *MemoryStore) Update(ctx context.Context, agent *models.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.ID]
	if !ok {
		return storage.ErrNotFound
	}
	agent.Status = existing.Status
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now()

	s.agents[agent.ID] = cloneAgent(agent)
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.AgentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !agent.Status.CanTransitionTo(status) {
		return &ErrInvalidTransition{From: agent.Status, To: status}
	}
	agent.Status = status
	agent.UpdatedAt = time.Now()
	return nil
}

func cloneAgent(a *models.Agent) *models.Agent {
	clone := *a
	clone.ToolAllowlist = append([]string(nil), a.ToolAllowlist...)
	clone.ToolDenylist = append([]string(nil), a.ToolDenylist...)
	clone.KnowledgeTags = append([]string(nil), a.KnowledgeTags...)
	clone.Guardrails.RequireApproval = append([]string(nil), a.Guardrails.RequireApproval...)
	return &clone
}
