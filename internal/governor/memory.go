package governor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

// MemoryStore is an in-memory Store for tests and single-node development.
type MemoryStore struct {
	mu    sync.RWMutex
	execs map[string]*models.ToolExecution
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{execs: make(map[string]*models.ToolExecution)}
}

func (m *MemoryStore) Create(ctx context.Context, exec *models.ToolExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.execs[exec.ID]; ok {
		return storage.ErrAlreadyExists
	}
	m.execs[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	exec, ok := m.execs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneExecution(exec), nil
}

func (m *MemoryStore) Transition(ctx context.Context, id string, next models.ExecutionState, update TransitionUpdate) (*models.ToolExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	exec, ok := m.execs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if !exec.State.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, exec.State, next)
	}

	now := time.Now().UTC()
	exec.State = next
	switch next {
	case models.ExecutionApproved, models.ExecutionRejected:
		exec.DecidedAt = &now
	case models.ExecutionCompleted, models.ExecutionFailed:
		exec.CompletedAt = &now
	}
	if update.DecidedBy != "" {
		exec.DecidedBy = update.DecidedBy
	}
	if update.Instruction != "" {
		exec.Instruction = update.Instruction
	}
	if update.Params != nil {
		exec.Params = append(json.RawMessage(nil), update.Params...)
	}
	if update.Result != nil {
		exec.Result = append(json.RawMessage(nil), update.Result...)
	}
	if update.ErrorMessage != "" {
		exec.ErrorMessage = update.ErrorMessage
	}

	return cloneExecution(exec), nil
}

func (m *MemoryStore) Pending(ctx context.Context, tenantID string) ([]*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending []*models.ToolExecution
	for _, exec := range m.execs {
		if exec.TenantID == tenantID && exec.State == models.ExecutionProposed {
			pending = append(pending, cloneExecution(exec))
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})
	return pending, nil
}

func (m *MemoryStore) PendingOlderThan(ctx context.Context, cutoff time.Time) ([]*models.ToolExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stale []*models.ToolExecution
	for _, exec := range m.execs {
		if exec.State == models.ExecutionProposed && exec.CreatedAt.Before(cutoff) {
			stale = append(stale, cloneExecution(exec))
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	return stale, nil
}

func cloneExecution(exec *models.ToolExecution) *models.ToolExecution {
	clone := *exec
	clone.Params = append(json.RawMessage(nil), exec.Params...)
	if exec.Result != nil {
		clone.Result = append(json.RawMessage(nil), exec.Result...)
	}
	if exec.DecidedAt != nil {
		decidedAt := *exec.DecidedAt
		clone.DecidedAt = &decidedAt
	}
	if exec.CompletedAt != nil {
		completedAt := *exec.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}
