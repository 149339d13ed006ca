package credits

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/storage"
)

// MemoryLedger is an in-memory Ledger for tests and single-node dev runs.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]*Balance
	entries  []*Entry
	parents  ParentLookup
}

// NewMemoryLedger creates an empty ledger. parents may be nil when no
// tenant hierarchy exists.
func NewMemoryLedger(parents ParentLookup) *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]*Balance),
		parents:  parents,
	}
}

func (l *MemoryLedger) Balance(ctx context.Context, tenantID string) (*Balance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return b.Clone(), nil
}

func (l *MemoryLedger) SetBalance(ctx context.Context, balance *Balance) error {
	if balance == nil || balance.TenantID == "" {
		return storage.ErrNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := balance.Clone()
	b.UpdatedAt = time.Now()
	l.balances[b.TenantID] = b
	return nil
}

// Consume draws cost from the tenant's buckets, falling back to the
// parent tenant's balance when the tenant's own buckets cannot cover the
// whole cost. The draw is all-or-nothing under a single lock.
func (l *MemoryLedger) Consume(ctx context.Context, tenantID string, cost int, reason, runID string) (*Consumption, error) {
	if cost <= 0 {
		return &Consumption{TenantID: tenantID, Cost: cost}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	own := l.balances[tenantID]
	if own != nil {
		if draws, ok := plan(own, cost); ok {
			l.commit(own, draws, reason, runID, now)
			return &Consumption{TenantID: tenantID, Cost: cost, Draws: draws}, nil
		}
	}

	// Parent fallback covers the whole cost or nothing; draws are never
	// split across two tenants' balances.
	if l.parents != nil {
		parentID, err := l.parents(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if parentID != "" {
			if parent := l.balances[parentID]; parent != nil {
				if draws, ok := plan(parent, cost); ok {
					l.commit(parent, draws, reason, runID, now)
					return &Consumption{TenantID: parentID, Cost: cost, Draws: draws}, nil
				}
			}
		}
	}

	return nil, exhausted(own, now)
}

// commit mutates the balance and journals the draws. Caller holds the lock.
func (l *MemoryLedger) commit(b *Balance, draws []Draw, reason, runID string, now time.Time) {
	apply(b, draws)
	b.UpdatedAt = now
	for _, d := range draws {
		l.entries = append(l.entries, &Entry{
			ID:        uuid.NewString(),
			TenantID:  b.TenantID,
			Bucket:    d.Bucket,
			Delta:     -d.Amount,
			Reason:    reason,
			RunID:     runID,
			CreatedAt: now,
		})
	}
}

func (l *MemoryLedger) Grant(ctx context.Context, tenantID string, bucket Bucket, amount int, reason string) error {
	if amount <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.balances[tenantID]
	if b == nil {
		b = &Balance{TenantID: tenantID}
		l.balances[tenantID] = b
	}
	switch bucket {
	case BucketDaily:
		b.Daily += amount
	case BucketMonthly:
		if b.Monthly != Unlimited {
			b.Monthly += amount
		}
	case BucketPurchased:
		b.Purchased += amount
	}
	b.UpdatedAt = now
	l.entries = append(l.entries, &Entry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Bucket:    bucket,
		Delta:     amount,
		Reason:    reason,
		CreatedAt: now,
	})
	return nil
}

func (l *MemoryLedger) EnsureDailyGrant(ctx context.Context, tenantID string, now time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.balances[tenantID]
	if b == nil || b.DailyGrant <= 0 {
		return nil
	}
	if !b.LastGrantAt.Before(startOfDayUTC(now)) {
		return nil
	}
	delta := b.DailyGrant - b.Daily
	b.Daily = b.DailyGrant
	b.LastGrantAt = now
	b.UpdatedAt = now
	if delta != 0 {
		l.entries = append(l.entries, &Entry{
			ID:        uuid.NewString(),
			TenantID:  tenantID,
			Bucket:    BucketDaily,
			Delta:     delta,
			Reason:    "daily_replenish",
			CreatedAt: now,
		})
	}
	return nil
}

func (l *MemoryLedger) Entries(ctx context.Context, tenantID string, limit int) ([]*Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []*Entry{}
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].TenantID != tenantID {
			continue
		}
		e := *l.entries[i]
		out = append(out, &e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (l *MemoryLedger) TenantIDs(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.balances))
	for id := range l.balances {
		ids = append(ids, id)
	}
	return ids, nil
}
