// Package credits implements the per-tenant usage ledger: three quota
// buckets consumed in a fixed draw order, an append-only journal of signed
// deltas, and scheduled daily replenishment.
package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Bucket identifies one of the three quota pools.
type Bucket string

const (
	BucketDaily     Bucket = "daily"
	BucketMonthly   Bucket = "monthly"
	BucketPurchased Bucket = "purchased"
)

// Unlimited marks a monthly bucket with no ceiling. An unlimited monthly
// bucket absorbs any remaining cost without being decremented.
const Unlimited = -1

// Balance is a tenant's current standing across the three buckets.
type Balance struct {
	TenantID  string `json:"tenant_id"`
	Daily     int    `json:"daily"`
	Monthly   int    `json:"monthly"` // Unlimited (-1) means no ceiling
	Purchased int    `json:"purchased"`
	// DailyGrant is the amount the daily bucket resets to each day.
	DailyGrant  int       `json:"daily_grant"`
	LastGrantAt time.Time `json:"last_grant_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (b *Balance) Clone() *Balance {
	if b == nil {
		return nil
	}
	c := *b
	return &c
}

// Draw is one bucket's share of a consumption.
type Draw struct {
	Bucket Bucket `json:"bucket"`
	Amount int    `json:"amount"`
}

// Consumption reports how a cost was satisfied. TenantID is the tenant
// whose balance was drawn, which is the parent when fallback applied.
type Consumption struct {
	TenantID string `json:"tenant_id"`
	Cost     int    `json:"cost"`
	Draws    []Draw `json:"draws"`
}

// Drawn returns the amount taken from the given bucket.
func (c *Consumption) Drawn(bucket Bucket) int {
	for _, d := range c.Draws {
		if d.Bucket == bucket {
			return d.Amount
		}
	}
	return 0
}

// Entry is one signed journal row. Consumption writes negative deltas,
// grants and replenishment write positive ones.
type Entry struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Bucket    Bucket    `json:"bucket"`
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// QuotaExceededError is returned when no bucket combination, including a
// parent-tenant fallback, can cover a cost. It marshals to the wire shape
// {kind: "quota_exceeded", bucket, resets_at?}.
type QuotaExceededError struct {
	Bucket   Bucket
	ResetsAt *time.Time
}

func (e *QuotaExceededError) Error() string {
	if e.ResetsAt != nil {
		return fmt.Sprintf("quota exceeded: %s bucket exhausted, resets at %s",
			e.Bucket, e.ResetsAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("quota exceeded: %s bucket exhausted", e.Bucket)
}

// MarshalJSON renders the caller-facing quota signal.
func (e *QuotaExceededError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind     string     `json:"kind"`
		Bucket   Bucket     `json:"bucket"`
		ResetsAt *time.Time `json:"resets_at,omitempty"`
	}{"quota_exceeded", e.Bucket, e.ResetsAt})
}

// ParentLookup resolves a tenant's parent for balance fallback. It
// returns "" when the tenant has no parent.
type ParentLookup func(ctx context.Context, tenantID string) (string, error)

// Ledger tracks and atomically decrements tenant credit.
//
// Consume is all-or-nothing: either the full cost is drawn, in order
// daily -> monthly -> purchased, or the balance is untouched and a
// *QuotaExceededError is returned. Implementations must make the
// decrement atomic with its floor check so concurrent consumers cannot
// both succeed against a balance that covers only one of them.
type Ledger interface {
	Balance(ctx context.Context, tenantID string) (*Balance, error)
	SetBalance(ctx context.Context, balance *Balance) error
	Consume(ctx context.Context, tenantID string, cost int, reason, runID string) (*Consumption, error)
	Grant(ctx context.Context, tenantID string, bucket Bucket, amount int, reason string) error
	// EnsureDailyGrant resets the daily bucket to its grant size once per
	// UTC day. Idempotent; safe to call on every inbound message.
	EnsureDailyGrant(ctx context.Context, tenantID string, now time.Time) error
	Entries(ctx context.Context, tenantID string, limit int) ([]*Entry, error)
	TenantIDs(ctx context.Context) ([]string, error)
}

// plan computes per-bucket draws for cost against a balance. The second
// return is false when the balance cannot cover the cost; callers must
// then leave the balance untouched.
func plan(b *Balance, cost int) ([]Draw, bool) {
	if cost <= 0 {
		return nil, true
	}
	draws := []Draw{}
	remaining := cost

	if b.Daily > 0 {
		n := b.Daily
		if remaining < n {
			n = remaining
		}
		draws = append(draws, Draw{BucketDaily, n})
		remaining -= n
	}
	if remaining > 0 {
		if b.Monthly == Unlimited {
			// Unlimited absorbs the rest; no decrement happens.
			draws = append(draws, Draw{BucketMonthly, remaining})
			return draws, true
		}
		if b.Monthly > 0 {
			n := b.Monthly
			if remaining < n {
				n = remaining
			}
			draws = append(draws, Draw{BucketMonthly, n})
			remaining -= n
		}
	}
	if remaining > 0 && b.Purchased > 0 {
		n := b.Purchased
		if remaining < n {
			n = remaining
		}
		draws = append(draws, Draw{BucketPurchased, n})
		remaining -= n
	}
	if remaining > 0 {
		return nil, false
	}
	return draws, true
}

// apply decrements the balance per the draws. Unlimited monthly is left
// untouched.
func apply(b *Balance, draws []Draw) {
	for _, d := range draws {
		switch d.Bucket {
		case BucketDaily:
			b.Daily -= d.Amount
		case BucketMonthly:
			if b.Monthly != Unlimited {
				b.Monthly -= d.Amount
			}
		case BucketPurchased:
			b.Purchased -= d.Amount
		}
	}
}

// exhausted builds the quota error for a balance that cannot cover a
// cost. Tenants on a daily allowance get the next reset time; everyone
// else is simply out of purchased credit.
func exhausted(b *Balance, now time.Time) *QuotaExceededError {
	if b != nil && b.DailyGrant > 0 {
		resets := startOfNextDayUTC(now)
		return &QuotaExceededError{Bucket: BucketDaily, ResetsAt: &resets}
	}
	return &QuotaExceededError{Bucket: BucketPurchased}
}

func startOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

func startOfNextDayUTC(t time.Time) time.Time {
	return startOfDayUTC(t).Add(24 * time.Hour)
}
