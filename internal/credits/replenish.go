package credits

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Replenisher tops up daily bucket balances on a cron schedule. Grants
// are idempotent per UTC day, so running the loop alongside the lazy
// grant performed during session resolution is safe.
type Replenisher struct {
	ledger   Ledger
	schedule cron.Schedule
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewReplenisher parses the cron spec and returns a stopped Replenisher.
func NewReplenisher(ledger Ledger, spec string, logger *slog.Logger) (*Replenisher, error) {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse replenish schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default().With("component", "replenisher")
	}
	return &Replenisher{
		ledger:   ledger,
		schedule: schedule,
		logger:   logger,
	}, nil
}

// Start begins the replenish loop.
func (r *Replenisher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.loop(ctx)
}

// Stop shuts down the loop and waits for an in-flight pass to finish.
func (r *Replenisher) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

func (r *Replenisher) loop(ctx context.Context) {
	defer r.wg.Done()

	for {
		next := r.schedule.Next(time.Now())
		r.logger.Debug("next replenish pass", "at", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case now := <-timer.C:
			granted, err := r.ReplenishAll(ctx, now)
			if err != nil {
				r.logger.Error("replenish pass failed", "error", err)
				continue
			}
			r.logger.Info("replenish pass complete", "granted", granted)
		}
	}
}

// ReplenishAll applies the daily grant to every tenant with a balance
// row and returns how many tenants were topped up. Per-tenant failures
// are logged and skipped so one bad row cannot starve the rest.
func (r *Replenisher) ReplenishAll(ctx context.Context, now time.Time) (int, error) {
	ids, err := r.ledger.TenantIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list tenants: %w", err)
	}

	granted := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return granted, ctx.Err()
		}
		before, err := r.ledger.Balance(ctx, id)
		if err != nil {
			r.logger.Error("read balance", "tenant_id", id, "error", err)
			continue
		}
		if err := r.ledger.EnsureDailyGrant(ctx, id, now); err != nil {
			r.logger.Error("daily grant", "tenant_id", id, "error", err)
			continue
		}
		after, err := r.ledger.Balance(ctx, id)
		if err == nil && (after.Daily != before.Daily || !after.LastGrantAt.Equal(before.LastGrantAt)) {
			granted++
		}
	}
	return granted, nil
}
