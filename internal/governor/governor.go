// Package governor runs every tool call the model proposes through a
// persisted state machine. Calls either execute immediately or are held
// for human review; held calls suspend the conversation, and a later
// approve or reject decision resumes it through a separate pipeline run.
package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/observability"
	"github.com/attachehq/attache/internal/policy"
	"github.com/attachehq/attache/internal/tools"
	"github.com/attachehq/attache/pkg/models"
)

var (
	// ErrInvalidTransition is returned for a move the state graph does
	// not allow, including any action against a terminal record.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Disposition says what happened to a proposal.
type Disposition string

const (
	// DispositionAuto means the call was approved and executed inline.
	DispositionAuto Disposition = "auto"
	// DispositionHeld means the record stays proposed awaiting review.
	DispositionHeld Disposition = "held"
)

// DecidedBySystem marks records the expiry sweep rejected rather than a
// human reviewer.
const DecidedBySystem = "system"

// Run carries the conversation a proposal belongs to.
type Run struct {
	ID      string
	Tenant  *models.Tenant
	Agent   *models.Agent
	Session *models.Session
}

// SessionLookup resolves the conversation coordinates an execution runs
// under when the proposing run is long gone. Implemented by the sessions
// store.
type SessionLookup interface {
	Get(ctx context.Context, id string) (*models.Session, error)
}

// Config controls review queue behavior.
type Config struct {
	// PendingTTL auto-rejects proposed records older than this. Zero
	// keeps records pending until a human acts.
	PendingTTL time.Duration
}

// Governor owns the proposal lifecycle: persist, decide, execute, record.
type Governor struct {
	store     Store
	registry  *tools.Registry
	sessions  SessionLookup
	directory *tools.Directory
	config    Config
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

func New(store Store, registry *tools.Registry, sessions SessionLookup, directory *tools.Directory, config Config, logger *slog.Logger) *Governor {
	if logger == nil {
		logger = slog.Default()
	}
	tracer, _ := observability.NewTracer(observability.TraceConfig{})
	return &Governor{
		store:     store,
		registry:  registry,
		sessions:  sessions,
		directory: directory,
		config:    config,
		logger:    logger,
		metrics:   observability.Default(),
		tracer:    tracer,
	}
}

// Propose records a model tool call and either executes it inline or
// holds it for review. Held is chosen when the agent is supervised, the
// tool matches a require-approval guardrail, or the tenant has manual
// review switched on; everything else runs immediately.
func (g *Governor) Propose(ctx context.Context, run Run, call models.ToolCall) (*models.ToolExecution, Disposition, error) {
	exec := &models.ToolExecution{
		ID:         uuid.NewString(),
		TenantID:   run.Tenant.ID,
		SessionID:  run.Session.ID,
		AgentID:    run.Agent.ID,
		RunID:      run.ID,
		Tool:       call.Name,
		Params:     call.Input,
		State:      models.ExecutionProposed,
		ProposedBy: run.Agent.Model,
		CreatedAt:  time.Now().UTC(),
	}
	if len(exec.Params) == 0 {
		exec.Params = json.RawMessage(`{}`)
	}

	if err := g.store.Create(ctx, exec); err != nil {
		return nil, "", fmt.Errorf("governor: create proposal: %w", err)
	}

	held := policy.RequiresApproval(run.Agent, call.Name) || run.Tenant.ManualReview
	if held {
		g.logger.Info("tool call held for review",
			"execution_id", exec.ID,
			"tenant_id", exec.TenantID,
			"tool", exec.Tool)
		return exec, DispositionHeld, nil
	}

	approved, err := g.store.Transition(ctx, exec.ID, models.ExecutionApproved, TransitionUpdate{DecidedBy: "auto"})
	if err != nil {
		return nil, "", fmt.Errorf("governor: auto-approve: %w", err)
	}

	final, err := g.execute(ctx, approved, run.Session)
	if err != nil {
		return nil, "", err
	}
	return final, DispositionAuto, nil
}

// Approve moves a held proposal through approval and execution. The
// reviewer may supply edited params, which replace the stored ones for
// the execution. The returned record is terminal: completed or failed.
func (g *Governor) Approve(ctx context.Context, id, reviewer string, editedParams json.RawMessage) (*models.ToolExecution, error) {
	approved, err := g.store.Transition(ctx, id, models.ExecutionApproved, TransitionUpdate{
		DecidedBy: reviewer,
		Params:    editedParams,
	})
	if err != nil {
		return nil, fmt.Errorf("governor: approve %s: %w", id, err)
	}

	session, err := g.sessions.Get(ctx, approved.SessionID)
	if err != nil {
		return nil, fmt.Errorf("governor: load session for %s: %w", id, err)
	}

	return g.execute(ctx, approved, session)
}

// Reject moves a held proposal to rejected. Nothing executes; the
// instruction, if given, is injected into the next model turn.
func (g *Governor) Reject(ctx context.Context, id, reviewer, instruction string) (*models.ToolExecution, error) {
	rejected, err := g.store.Transition(ctx, id, models.ExecutionRejected, TransitionUpdate{
		DecidedBy:   reviewer,
		Instruction: instruction,
	})
	if err != nil {
		return nil, fmt.Errorf("governor: reject %s: %w", id, err)
	}
	return rejected, nil
}

// Get returns one execution record.
func (g *Governor) Get(ctx context.Context, id string) (*models.ToolExecution, error) {
	return g.store.Get(ctx, id)
}

// Pending returns a tenant's review queue, oldest first.
func (g *Governor) Pending(ctx context.Context, tenantID string) ([]*models.ToolExecution, error) {
	return g.store.Pending(ctx, tenantID)
}

// execute runs an approved record through executing into a terminal
// state. Domain and infrastructure failures both land in failed with the
// error captured; there is no automatic retry, a later model turn must
// propose the call again.
func (g *Governor) execute(ctx context.Context, exec *models.ToolExecution, session *models.Session) (*models.ToolExecution, error) {
	executing, err := g.store.Transition(ctx, exec.ID, models.ExecutionExecuting, TransitionUpdate{})
	if err != nil {
		return nil, fmt.Errorf("governor: start execution %s: %w", exec.ID, err)
	}

	tool, ok := g.registry.Get(executing.Tool)
	if !ok {
		return g.fail(ctx, executing.ID, fmt.Sprintf("tool %q is not registered", executing.Tool))
	}

	if err := tools.ValidateParams(tool, executing.Params); err != nil {
		return g.fail(ctx, executing.ID, err.Error())
	}

	execCtx, span := g.tracer.TraceToolExecution(ctx, executing.Tool, executing.ID)
	start := time.Now()
	result, err := tool.Execute(execCtx, &tools.Invocation{
		TenantID:  executing.TenantID,
		SessionID: executing.SessionID,
		AgentID:   executing.AgentID,
		Channel:   session.Channel,
		ContactID: session.ContactID,
		Params:    executing.Params,
		Store:     g.directory,
	})
	g.metrics.ToolExecutionDuration.WithLabelValues(executing.Tool).Observe(time.Since(start).Seconds())
	g.tracer.RecordError(span, err)
	span.End()
	if err != nil {
		return g.fail(ctx, executing.ID, err.Error())
	}
	if result.IsError {
		return g.fail(ctx, executing.ID, result.Content)
	}

	completed, err := g.store.Transition(ctx, executing.ID, models.ExecutionCompleted, TransitionUpdate{
		Result: json.RawMessage(result.Content),
	})
	if err != nil {
		return nil, fmt.Errorf("governor: record completion %s: %w", exec.ID, err)
	}

	g.logger.Info("tool call completed",
		"execution_id", completed.ID,
		"tenant_id", completed.TenantID,
		"tool", completed.Tool)
	return completed, nil
}

func (g *Governor) fail(ctx context.Context, id, message string) (*models.ToolExecution, error) {
	failed, err := g.store.Transition(ctx, id, models.ExecutionFailed, TransitionUpdate{
		ErrorMessage: message,
	})
	if err != nil {
		return nil, fmt.Errorf("governor: record failure %s: %w", id, err)
	}

	g.logger.Warn("tool call failed",
		"execution_id", failed.ID,
		"tenant_id", failed.TenantID,
		"tool", failed.Tool,
		"error", message)
	return failed, nil
}

// SweepStale rejects proposed records older than the configured TTL and
// returns how many it rejected. With no TTL configured it does nothing:
// by default pending approvals wait for a human indefinitely.
func (g *Governor) SweepStale(ctx context.Context) (int, error) {
	if g.config.PendingTTL <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-g.config.PendingTTL)
	stale, err := g.store.PendingOlderThan(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("governor: list stale proposals: %w", err)
	}

	swept := 0
	for _, exec := range stale {
		_, err := g.store.Transition(ctx, exec.ID, models.ExecutionRejected, TransitionUpdate{
			DecidedBy:   DecidedBySystem,
			Instruction: "approval request expired before a reviewer acted",
		})
		if err != nil {
			// Lost a race with a concurrent human decision. Skip it.
			if errors.Is(err, ErrInvalidTransition) {
				continue
			}
			return swept, fmt.Errorf("governor: sweep %s: %w", exec.ID, err)
		}
		swept++
	}

	if swept > 0 {
		g.logger.Info("swept stale proposals", "count", swept, "ttl", g.config.PendingTTL)
	}
	return swept, nil
}
