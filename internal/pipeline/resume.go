package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/assembler"
	"github.com/attachehq/attache/internal/credits"
	"github.com/attachehq/attache/pkg/models"
)

// Decision is a reviewer's verdict on a held tool proposal.
type Decision struct {
	ExecutionID string
	Reviewer    string
	Approve     bool
	// EditedParams, when set on approval, replace the stored params for
	// the execution.
	EditedParams json.RawMessage
	// Instruction is optional guidance on rejection, surfaced to the
	// model on the follow-up turn.
	Instruction string
}

// Resume applies a review decision to a held proposal and drives the
// follow-up model turn so the agent can react: report the result on
// approval, take the reviewer's guidance on rejection. The follow-up
// turn bills like an inbound message.
func (p *Pipeline) Resume(ctx context.Context, decision Decision) (*RunResult, error) {
	runID := uuid.NewString()
	start := time.Now()

	exec, err := p.governor.Get(ctx, decision.ExecutionID)
	if err != nil {
		return nil, NewError(ErrCodeInternal, "load execution", err).
			With("execution_id", decision.ExecutionID)
	}
	session, err := p.sessions.Get(ctx, exec.SessionID)
	if err != nil {
		return nil, NewError(ErrCodeInternal, "load session", err).With("session_id", exec.SessionID)
	}
	tenant, err := p.tenants.GetTenant(ctx, exec.TenantID)
	if err != nil {
		return nil, NewError(ErrCodeInternal, "load tenant", err).With("tenant_id", exec.TenantID)
	}
	agent, err := p.agents.Get(ctx, exec.AgentID)
	if err != nil {
		return nil, NewError(ErrCodeInternal, "load agent", err).With("agent_id", exec.AgentID)
	}

	ctx, span := p.tracer.TracePipelineRun(ctx, string(session.Channel), runID)
	defer span.End()

	st := &runState{runID: runID, start: start, tenant: tenant, agent: agent, session: session}

	fed, executed, err := p.applyDecision(ctx, st, decision)
	if err != nil {
		return nil, err
	}
	p.metrics.PendingApprovals.Dec()

	unlock := p.locks.Acquire(lockKey(session.Channel, session.ContactID))
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	consumption, err := p.ledger.Consume(ctx, tenant.ID, p.config.MessageCost, "resume", runID)
	var quotaErr *credits.QuotaExceededError
	if errors.As(err, &quotaErr) {
		locked = false
		unlock()
		p.metrics.QuotaExceeded.WithLabelValues(string(quotaErr.Bucket)).Inc()
		return p.finishBlocked(ctx, st, quotaReply(quotaErr), err), nil
	}
	if err != nil {
		return nil, NewError(ErrCodeInternal, "consume resume credit", err).With("run_id", runID)
	}
	p.recordConsumption(ctx, consumption, runID, "resume")
	creditsUsed := consumption.Cost

	req, provider, err := p.buildRequest(ctx, st, []assembler.Decision{fed})
	if err != nil {
		return p.failRun(ctx, st, creditsUsed, err)
	}

	locked = false
	unlock()

	outcome, err := p.converse(ctx, st, provider, req)
	if err != nil {
		return p.failRun(ctx, st, creditsUsed, err)
	}
	if executed {
		// The approved call itself ran during this turn; bill it with
		// any calls the follow-up executed.
		outcome.toolCalls++
	}

	return p.finish(ctx, st, outcome, creditsUsed), nil
}

// applyDecision routes the verdict through the governor and phrases the
// outcome for the next model turn. The bool reports whether a call was
// carried out.
func (p *Pipeline) applyDecision(ctx context.Context, st *runState, decision Decision) (assembler.Decision, bool, error) {
	if decision.Approve {
		final, err := p.governor.Approve(ctx, decision.ExecutionID, decision.Reviewer, decision.EditedParams)
		if err != nil {
			return assembler.Decision{}, false, NewError(ErrCodeInternal, "approve proposal", err).
				With("execution_id", decision.ExecutionID)
		}
		p.audit.ToolDecided(ctx, st.tenant.ID, final.ID, final.Tool, "approved", decision.Reviewer)
		p.metrics.ToolExecutionCounter.WithLabelValues(final.Tool, string(final.State)).Inc()

		fed := assembler.Decision{Tool: final.Tool, Approved: true, Result: string(final.Result)}
		success := final.State == models.ExecutionCompleted
		if !success {
			fed.Result = "failed: " + final.ErrorMessage
		}
		p.audit.ToolExecuted(ctx, st.tenant.ID, final.ID, final.Tool, success, fed.Result, 0)
		return fed, true, nil
	}

	rejected, err := p.governor.Reject(ctx, decision.ExecutionID, decision.Reviewer, decision.Instruction)
	if err != nil {
		return assembler.Decision{}, false, NewError(ErrCodeInternal, "reject proposal", err).
			With("execution_id", decision.ExecutionID)
	}
	p.audit.ToolDecided(ctx, st.tenant.ID, rejected.ID, rejected.Tool, "rejected", decision.Reviewer)
	return assembler.Decision{Tool: rejected.Tool, Approved: false, Instruction: decision.Instruction}, false, nil
}
