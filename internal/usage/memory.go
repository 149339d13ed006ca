package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
)

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*Run
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*Run)}
}

// Record appends one run.
func (s *MemoryStore) Record(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := *run
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	s.runs[r.ID] = &r

	run.ID = r.ID
	run.CreatedAt = r.CreatedAt
	return nil
}

// Get returns one run by ID.
func (s *MemoryStore) Get(_ context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	r := *run
	return &r, nil
}

// ListByTenant returns the tenant's most recent runs, newest first.
func (s *MemoryStore) ListByTenant(_ context.Context, tenantID string, limit int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var runs []*Run
	for _, run := range s.runs {
		if run.TenantID == tenantID {
			r := *run
			runs = append(runs, &r)
		}
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// DailyTotals aggregates the tenant's runs for one UTC day.
func (s *MemoryStore) DailyTotals(_ context.Context, tenantID string, day time.Time) (*DailyTotals, error) {
	start, end := dayBounds(day)

	s.mu.RLock()
	defer s.mu.RUnlock()

	totals := &DailyTotals{}
	for _, run := range s.runs {
		if run.TenantID != tenantID {
			continue
		}
		if run.CreatedAt.Before(start) || !run.CreatedAt.Before(end) {
			continue
		}
		totals.Messages++
		totals.InputTokens += run.InputTokens
		totals.OutputTokens += run.OutputTokens
		totals.CreditsUsed += run.CreditsUsed
	}
	return totals, nil
}
