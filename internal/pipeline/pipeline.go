// Package pipeline orchestrates one inbound message end to end: identity
// resolution, guardrail and credit checks, context assembly, the model
// loop with governed tool execution, usage recording and outbound
// delivery.
//
// Run is the entry point for fresh inbound messages. Resume applies a
// human review decision to a held tool proposal and drives the follow-up
// model turn. Both serialize per (channel, contact) around the credit
// draws so concurrent messages from one contact cannot double-spend.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/agents"
	"github.com/attachehq/attache/internal/assembler"
	"github.com/attachehq/attache/internal/audit"
	"github.com/attachehq/attache/internal/credits"
	"github.com/attachehq/attache/internal/governor"
	"github.com/attachehq/attache/internal/identity"
	"github.com/attachehq/attache/internal/linking"
	"github.com/attachehq/attache/internal/llm"
	"github.com/attachehq/attache/internal/observability"
	"github.com/attachehq/attache/internal/outbound"
	"github.com/attachehq/attache/internal/policy"
	"github.com/attachehq/attache/internal/sessions"
	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/internal/tenants"
	"github.com/attachehq/attache/internal/tools"
	"github.com/attachehq/attache/internal/usage"
	"github.com/attachehq/attache/pkg/models"
)

// maxToolRounds bounds the model/tool loop within one run. A model that
// is still proposing calls past the bound has its last text used as the
// reply.
const maxToolRounds = 5

// Canned replies for outcomes the model never gets to phrase.
const (
	replyCapReached      = "This assistant has reached its daily usage limit. Please try again tomorrow."
	replyPendingApproval = "I've sent that to the team for a quick review. I'll follow up here once it's decided."
	replyCodeAccepted    = "You're all set. This chat is now linked to your account."
	replyCodeRejected    = "That code didn't work. It may have expired; ask me for a fresh one and try again."
	replyQuotaExhausted  = "You're out of credits. Top up from your dashboard to keep going."
)

// Config carries pipeline tunables. Zero values get sensible defaults in
// New.
type Config struct {
	// OnboardingTenantID and OnboardingAgentID name the platform tenant
	// and the agent that serve contacts not yet linked to any tenant.
	OnboardingTenantID string
	OnboardingAgentID  string

	// MessageCost is charged up front per inbound message. ToolCost is
	// charged per executed tool call when the run settles.
	MessageCost int
	ToolCost    int

	// DefaultProvider serves agents that do not name one.
	DefaultProvider string
}

// Deps collects the collaborators a Pipeline needs. Audit, Metrics,
// Tracer and Logger may be nil; New substitutes inert defaults.
type Deps struct {
	Resolver  *identity.Resolver
	Linking   *linking.Service
	Tenants   tenants.Store
	Agents    agents.Store
	Sessions  sessions.Store
	Ledger    credits.Ledger
	Usage     usage.Store
	Assembler *assembler.Assembler
	Providers map[string]llm.Provider
	Registry  *tools.Registry
	Governor  *governor.Governor
	Router    *outbound.Router
	Audit     *audit.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Pipeline executes runs. Safe for concurrent use.
type Pipeline struct {
	resolver  *identity.Resolver
	linking   *linking.Service
	tenants   tenants.Store
	agents    agents.Store
	sessions  sessions.Store
	ledger    credits.Ledger
	usage     usage.Store
	assembler *assembler.Assembler
	providers map[string]llm.Provider
	registry  *tools.Registry
	governor  *governor.Governor
	router    *outbound.Router
	audit     *audit.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	locks     *keyedLocks
	config    Config
	logger    *slog.Logger
}

// New wires a Pipeline. See Deps for which collaborators are optional.
func New(deps Deps, config Config) *Pipeline {
	if config.OnboardingTenantID == "" {
		config.OnboardingTenantID = "platform"
	}
	if config.OnboardingAgentID == "" {
		config.OnboardingAgentID = "onboarding"
	}
	if config.MessageCost == 0 {
		config.MessageCost = 1
	}
	if config.ToolCost == 0 {
		config.ToolCost = 1
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Audit == nil {
		deps.Audit, _ = audit.NewLogger(audit.Config{})
	}
	if deps.Metrics == nil {
		deps.Metrics = observability.Default()
	}
	if deps.Tracer == nil {
		deps.Tracer, _ = observability.NewTracer(observability.TraceConfig{})
	}

	return &Pipeline{
		resolver:  deps.Resolver,
		linking:   deps.Linking,
		tenants:   deps.Tenants,
		agents:    deps.Agents,
		sessions:  deps.Sessions,
		ledger:    deps.Ledger,
		usage:     deps.Usage,
		assembler: deps.Assembler,
		providers: deps.Providers,
		registry:  deps.Registry,
		governor:  deps.Governor,
		router:    deps.Router,
		audit:     deps.Audit,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		locks:     newKeyedLocks(),
		config:    config,
		logger:    deps.Logger,
	}
}

// RunResult summarizes one run for the caller. Held is set when the run
// stopped at a proposal awaiting review.
type RunResult struct {
	RunID     string
	TenantID  string
	SessionID string
	Status    usage.Status
	Reply     string
	Delivered bool
	Held      *models.ToolExecution
}

// runState threads the resolved run context through the helpers. msg is
// nil on resume runs.
type runState struct {
	runID   string
	start   time.Time
	msg     *models.Message
	tenant  *models.Tenant
	agent   *models.Agent
	session *models.Session
}

// Run processes one normalized inbound message and returns when the
// reply, or a canned substitute for it, has been handed to delivery.
// Quota exhaustion, guardrail caps and held tool calls are ordinary
// outcomes reported in the result; the returned error covers
// infrastructure failures only.
func (p *Pipeline) Run(ctx context.Context, msg *models.Message) (*RunResult, error) {
	runID := uuid.NewString()
	start := time.Now()

	ctx, span := p.tracer.TracePipelineRun(ctx, string(msg.Channel), runID)
	defer span.End()

	p.metrics.MessageCounter.WithLabelValues(string(msg.Channel), "inbound").Inc()

	unlock := p.locks.Acquire(lockKey(msg.Channel, msg.ContactID))
	locked := true
	defer func() {
		if locked {
			unlock()
		}
	}()

	resolution, err := p.resolver.Resolve(ctx, msg)
	if err != nil {
		p.metrics.ErrorCounter.WithLabelValues("pipeline", string(ErrCodeInternal)).Inc()
		return nil, NewError(ErrCodeInternal, "resolve identity", err).With("run_id", runID)
	}
	p.metrics.IdentityResolutions.WithLabelValues(string(resolution.Outcome)).Inc()

	tenant, agent, err := p.loadServing(ctx, resolution)
	if err != nil {
		p.metrics.ErrorCounter.WithLabelValues("pipeline", string(GetErrorCode(err))).Inc()
		return nil, err
	}

	msg.TenantID = tenant.ID
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.Direction == "" {
		msg.Direction = models.DirectionInbound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = start
	}
	describeEmptyContent(msg)

	session, created, err := p.sessions.GetOrCreateActive(ctx, sessionTemplate(tenant, agent, msg, resolution.Onboarding))
	if err != nil {
		return nil, NewError(ErrCodeInternal, "open session", err).With("run_id", runID)
	}
	if created {
		p.logger.Info("session opened",
			"session_id", session.ID, "tenant_id", tenant.ID, "channel", msg.Channel)
	}
	msg.SessionID = session.ID

	st := &runState{runID: runID, start: start, msg: msg, tenant: tenant, agent: agent, session: session}

	p.audit.MessageReceived(ctx, tenant.ID, session.ID, msg)

	if err := p.sessions.AppendMessage(ctx, msg); err != nil {
		return nil, NewError(ErrCodeInternal, "append inbound turn", err).With("run_id", runID)
	}

	// A six-digit code from an unlinked contact is a verification reply,
	// not conversation. It never reaches the model.
	if resolution.Onboarding && p.linking != nil && linking.LooksLikeCode(msg.Content) {
		locked = false
		return p.redeemCode(ctx, st, unlock)
	}

	today, err := p.usage.DailyTotals(ctx, tenant.ID, start)
	if err != nil {
		return nil, NewError(ErrCodeInternal, "load daily totals", err).With("run_id", runID)
	}
	if err := policy.CheckGuardrails(agent, policy.DailyUsage{Messages: today.Messages, Credits: today.CreditsUsed}); err != nil {
		p.logger.Info("guardrail cap reached",
			"tenant_id", tenant.ID, "agent_id", agent.ID, "error", err)
		return p.finishBlocked(ctx, st, replyCapReached, err), nil
	}

	consumption, err := p.ledger.Consume(ctx, tenant.ID, p.config.MessageCost, "message", runID)
	var quotaErr *credits.QuotaExceededError
	if errors.As(err, &quotaErr) {
		p.metrics.QuotaExceeded.WithLabelValues(string(quotaErr.Bucket)).Inc()
		return p.finishBlocked(ctx, st, quotaReply(quotaErr), err), nil
	}
	if err != nil {
		return nil, NewError(ErrCodeInternal, "consume message credit", err).With("run_id", runID)
	}
	p.recordConsumption(ctx, consumption, runID, "message")
	creditsUsed := consumption.Cost

	req, provider, err := p.buildRequest(ctx, st, nil)
	if err != nil {
		return p.failRun(ctx, st, creditsUsed, err)
	}

	// The model round trips run unlocked; only credit accounting needs
	// the per-contact serialization.
	locked = false
	unlock()

	outcome, err := p.converse(ctx, st, provider, req)
	if err != nil {
		return p.failRun(ctx, st, creditsUsed, err)
	}

	return p.finish(ctx, st, outcome, creditsUsed), nil
}

// loadServing picks the tenant and agent for a resolution: the platform
// onboarding pair for unlinked contacts, the tenant's active agent
// otherwise.
func (p *Pipeline) loadServing(ctx context.Context, resolution *identity.Resolution) (*models.Tenant, *models.Agent, error) {
	if resolution.Onboarding {
		tenant, err := p.tenants.GetTenant(ctx, p.config.OnboardingTenantID)
		if err != nil {
			return nil, nil, NewError(ErrCodeRouting, "onboarding tenant missing", err).
				With("tenant_id", p.config.OnboardingTenantID)
		}
		agent, err := p.agents.Get(ctx, p.config.OnboardingAgentID)
		if errors.Is(err, storage.ErrNotFound) {
			agent, err = p.agents.ActiveForTenant(ctx, tenant.ID)
		}
		if err != nil {
			return nil, nil, NewError(ErrCodeRouting, "onboarding agent missing", err).
				With("tenant_id", tenant.ID)
		}
		return tenant, agent, nil
	}

	tenant, err := p.tenants.GetTenant(ctx, resolution.TenantID)
	if err != nil {
		return nil, nil, NewError(ErrCodeRouting, "resolved tenant not found", err).
			With("tenant_id", resolution.TenantID)
	}
	if tenant.Status != models.TenantActive {
		return nil, nil, NewError(ErrCodeRouting, "tenant is deactivated", nil).
			With("tenant_id", tenant.ID)
	}
	agent, err := p.agents.ActiveForTenant(ctx, tenant.ID)
	if err != nil {
		return nil, nil, NewError(ErrCodeRouting, "tenant has no active agent", err).
			With("tenant_id", tenant.ID)
	}
	return tenant, agent, nil
}

func sessionTemplate(tenant *models.Tenant, agent *models.Agent, msg *models.Message, onboarding bool) *models.Session {
	template := &models.Session{
		TenantID:    tenant.ID,
		AgentID:     agent.ID,
		Channel:     msg.Channel,
		ContactID:   msg.ContactID,
		ContactName: msg.ContactName,
		Mode:        models.ModeFreeform,
	}
	if onboarding {
		template.Mode = models.ModeGuided
		template.Guided = &models.GuidedState{Step: "welcome"}
	}
	return template
}

// describeEmptyContent substitutes a bracketed note for turns with no
// text, so every user turn reaches the provider non-empty.
func describeEmptyContent(msg *models.Message) {
	if strings.TrimSpace(msg.Content) != "" {
		return
	}
	if len(msg.Attachments) > 0 {
		kinds := make([]string, 0, len(msg.Attachments))
		for _, a := range msg.Attachments {
			kinds = append(kinds, a.Type)
		}
		msg.Content = "[attachment: " + strings.Join(kinds, ", ") + "]"
		return
	}
	msg.Content = "[conversation started]"
}

// redeemCode settles a verification code sent by an unlinked contact.
// Success activates the mapping, closes the onboarding session and
// confirms under the linked tenant; failure asks for a fresh code and
// leaves onboarding untouched. Neither path reaches the model or spends
// credit. The caller's lock is handed over and released here.
func (p *Pipeline) redeemCode(ctx context.Context, st *runState, unlock func()) (*RunResult, error) {
	mapping, err := p.linking.RedeemCode(ctx, st.msg.Content, st.msg.Channel, st.msg.ContactID, time.Now())
	unlock()

	if err != nil && !errors.Is(err, linking.ErrCodeInvalid) {
		return nil, NewError(ErrCodeInternal, "redeem link code", err).With("run_id", st.runID)
	}

	res := &RunResult{
		RunID:     st.runID,
		TenantID:  st.tenant.ID,
		SessionID: st.session.ID,
		Status:    usage.StatusCompleted,
	}

	if err != nil {
		p.logger.Info("link code rejected",
			"channel", st.msg.Channel, "contact_id", st.msg.ContactID)
		res.Reply = replyCodeRejected
		res.Delivered = p.send(ctx, st.tenant.ID, st, replyCodeRejected)
		p.recordRun(ctx, st, usage.StatusCompleted, nil, 0, "")
		return res, nil
	}

	p.audit.IdentityLinked(ctx, mapping.TenantID, string(st.msg.Channel), st.msg.ContactID, "code")
	p.logger.Info("identity linked by code",
		"tenant_id", mapping.TenantID, "channel", st.msg.Channel, "contact_id", st.msg.ContactID)

	// The onboarding session ends here; the next message opens a fresh
	// session under the linked tenant. The confirmation still routes via
	// the serving tenant, which owns the channel the contact is on.
	res.TenantID = mapping.TenantID
	res.Reply = replyCodeAccepted
	res.Delivered = p.send(ctx, st.tenant.ID, st, replyCodeAccepted)
	if err := p.sessions.Close(ctx, st.session.ID); err != nil {
		p.logger.Warn("close onboarding session", "session_id", st.session.ID, "error", err)
	}
	p.recordRun(ctx, st, usage.StatusCompleted, nil, 0, "")
	return res, nil
}

// buildRequest assembles the completion request and resolves the
// provider serving it. pending carries review decisions on resume runs.
func (p *Pipeline) buildRequest(ctx context.Context, st *runState, pending []assembler.Decision) (*llm.CompletionRequest, llm.Provider, error) {
	history, err := p.sessions.History(ctx, st.session.ID, p.assembler.HistoryWindow())
	if err != nil {
		return nil, nil, NewError(ErrCodeInternal, "load history", err).With("run_id", st.runID)
	}

	req, err := p.assembler.Build(ctx, assembler.BuildInput{
		Agent:   st.agent,
		Tenant:  st.tenant,
		Session: st.session,
		History: history,
		Pending: pending,
	})
	if err != nil {
		return nil, nil, NewError(ErrCodeInternal, "assemble context", err).With("run_id", st.runID)
	}
	req.Tools = exposedTools(st.agent, p.registry)

	provider, err := p.resolveProvider(st.agent)
	if err != nil {
		return nil, nil, NewError(ErrCodeRouting, "resolve provider", err).With("agent_id", st.agent.ID)
	}
	return req, provider, nil
}

func (p *Pipeline) resolveProvider(agent *models.Agent) (llm.Provider, error) {
	name := agent.Provider
	if name == "" {
		name = p.config.DefaultProvider
	}
	if provider, ok := p.providers[name]; ok {
		return provider, nil
	}
	if provider, ok := p.providers[p.config.DefaultProvider]; ok {
		return provider, nil
	}
	return nil, fmt.Errorf("no provider registered for %q", name)
}

// exposedTools applies the agent's policy filter to the registry.
func exposedTools(agent *models.Agent, registry *tools.Registry) []llm.Tool {
	if registry == nil {
		return nil
	}
	exposed := policy.ExposedTools(agent, registry.All())
	out := make([]llm.Tool, len(exposed))
	for i, t := range exposed {
		out[i] = t
	}
	return out
}

// converseOutcome is what the model loop produced: the reply text, the
// held proposal if the loop stopped for review, executed tool call count
// and the summed token usage.
type converseOutcome struct {
	reply     string
	held      *models.ToolExecution
	toolCalls int
	usage     llm.Usage
}

// converse drives the model/tool loop. Completed tool rounds are
// persisted to the transcript as paired assistant and tool turns; the
// final text turn is not appended here, delivery owns that.
func (p *Pipeline) converse(ctx context.Context, st *runState, provider llm.Provider, req *llm.CompletionRequest) (*converseOutcome, error) {
	outcome := &converseOutcome{}

	for round := 0; ; round++ {
		completion, err := p.complete(ctx, provider, req)
		if err != nil {
			return nil, NewError(ErrCodeInternal, "model invocation", err).
				With("run_id", st.runID).With("provider", provider.Name())
		}
		outcome.usage.InputTokens += completion.Usage.InputTokens
		outcome.usage.OutputTokens += completion.Usage.OutputTokens
		if completion.Text != "" {
			outcome.reply = completion.Text
		}

		if len(completion.ToolCalls) == 0 {
			return outcome, nil
		}
		if round >= maxToolRounds {
			p.logger.Warn("tool round budget exhausted",
				"run_id", st.runID, "rounds", round, "pending_calls", len(completion.ToolCalls))
			return outcome, nil
		}

		// Normalize in place so the persisted turn and any replayed
		// request carry the same coerced params.
		for i := range completion.ToolCalls {
			completion.ToolCalls[i].Input = llm.NormalizeArgs(string(completion.ToolCalls[i].Input))
		}

		results := make([]models.ToolResult, 0, len(completion.ToolCalls))
		for _, call := range completion.ToolCalls {
			exec, disposition, err := p.governor.Propose(ctx, governor.Run{
				ID:      st.runID,
				Tenant:  st.tenant,
				Agent:   st.agent,
				Session: st.session,
			}, call)
			if err != nil {
				return nil, NewError(ErrCodeToolExecutionFailed, "propose tool call", err).
					With("run_id", st.runID).With("tool", call.Name)
			}
			p.audit.ToolProposed(ctx, st.tenant.ID, st.runID, call.Name, call.ID, call.Input, string(disposition))

			if disposition == governor.DispositionHeld {
				// Later calls in this turn are not proposed; the review
				// may change the model's plan.
				outcome.held = exec
				return outcome, nil
			}

			outcome.toolCalls++
			p.metrics.ToolExecutionCounter.WithLabelValues(exec.Tool, string(exec.State)).Inc()

			result := models.ToolResult{ToolCallID: call.ID, Content: string(exec.Result)}
			if exec.State != models.ExecutionCompleted {
				result.Content = exec.ErrorMessage
				result.IsError = true
			}
			p.audit.ToolExecuted(ctx, st.tenant.ID, exec.ID, exec.Tool, !result.IsError, result.Content, 0)
			results = append(results, result)
		}

		p.appendToolRound(ctx, st, completion, results)

		req.Messages = append(req.Messages,
			llm.CompletionMessage{Role: models.RoleAssistant, Content: completion.Text, ToolCalls: completion.ToolCalls},
			llm.CompletionMessage{Role: models.RoleTool, ToolResults: results},
		)
	}
}

// appendToolRound persists one completed tool round as an assistant turn
// followed by a tool turn. Failures degrade history, not the run.
func (p *Pipeline) appendToolRound(ctx context.Context, st *runState, completion *llm.Completion, results []models.ToolResult) {
	now := time.Now()
	assistant := &models.Message{
		ID:        uuid.NewString(),
		TenantID:  st.tenant.ID,
		SessionID: st.session.ID,
		Channel:   st.session.Channel,
		ContactID: st.session.ContactID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   completion.Text,
		ToolCalls: completion.ToolCalls,
		CreatedAt: now,
	}
	toolTurn := &models.Message{
		ID:          uuid.NewString(),
		TenantID:    st.tenant.ID,
		SessionID:   st.session.ID,
		Channel:     st.session.Channel,
		ContactID:   st.session.ContactID,
		Direction:   models.DirectionInbound,
		Role:        models.RoleTool,
		ToolResults: results,
		CreatedAt:   now.Add(time.Millisecond),
	}
	if err := p.sessions.AppendMessage(ctx, assistant); err != nil {
		p.logger.Warn("append assistant turn", "session_id", st.session.ID, "error", err)
		return
	}
	if err := p.sessions.AppendMessage(ctx, toolTurn); err != nil {
		p.logger.Warn("append tool turn", "session_id", st.session.ID, "error", err)
	}
}

// complete performs one provider round trip with tracing and metrics.
func (p *Pipeline) complete(ctx context.Context, provider llm.Provider, req *llm.CompletionRequest) (*llm.Completion, error) {
	model := req.Model
	if model == "" {
		model = "default"
	}

	start := time.Now()
	ctx, span := p.tracer.TraceLLMRequest(ctx, provider.Name(), model)
	defer span.End()

	completion, err := provider.Complete(ctx, req)

	status := "success"
	if err != nil {
		status = "error"
		p.tracer.RecordError(span, err)
	}
	p.metrics.LLMRequestCounter.WithLabelValues(provider.Name(), model, status).Inc()
	p.metrics.LLMRequestDuration.WithLabelValues(provider.Name(), model).Observe(time.Since(start).Seconds())
	if completion != nil {
		p.metrics.LLMTokensUsed.WithLabelValues(provider.Name(), model, "input").Add(float64(completion.Usage.InputTokens))
		p.metrics.LLMTokensUsed.WithLabelValues(provider.Name(), model, "output").Add(float64(completion.Usage.OutputTokens))
	}
	return completion, err
}

// finish settles a run that got a model outcome: post-flight tool
// charges, session counters, the usage row, and delivery of the reply or
// the pending-approval notice.
func (p *Pipeline) finish(ctx context.Context, st *runState, outcome *converseOutcome, creditsUsed int) *RunResult {
	creditsUsed += p.settleToolCharges(ctx, st, outcome.toolCalls)

	if err := p.sessions.RecordUsage(ctx, st.session.ID, 1, creditsUsed); err != nil {
		p.logger.Warn("record session usage", "session_id", st.session.ID, "error", err)
	}

	status := usage.StatusCompleted
	reply := outcome.reply
	if outcome.held != nil {
		status = usage.StatusPendingApproval
		reply = replyPendingApproval
		p.metrics.PendingApprovals.Inc()
	}

	res := &RunResult{
		RunID:     st.runID,
		TenantID:  st.tenant.ID,
		SessionID: st.session.ID,
		Status:    status,
		Reply:     reply,
		Held:      outcome.held,
	}
	if reply != "" {
		res.Delivered = p.send(ctx, st.tenant.ID, st, reply)
	}
	p.recordRun(ctx, st, status, outcome, creditsUsed, "")
	return res
}

// settleToolCharges draws the per-tool cost after the loop. Executed
// effects are never rolled back; a shortfall is surfaced in the logs and
// metrics instead.
func (p *Pipeline) settleToolCharges(ctx context.Context, st *runState, toolCalls int) int {
	if toolCalls == 0 || p.config.ToolCost <= 0 {
		return 0
	}
	cost := toolCalls * p.config.ToolCost

	unlock := p.locks.Acquire(lockKey(st.session.Channel, st.session.ContactID))
	consumption, err := p.ledger.Consume(ctx, st.tenant.ID, cost, "tools", st.runID)
	unlock()

	var quotaErr *credits.QuotaExceededError
	if errors.As(err, &quotaErr) {
		p.logger.Warn("post-flight credit shortfall",
			"tenant_id", st.tenant.ID, "run_id", st.runID, "cost", cost, "bucket", quotaErr.Bucket)
		p.metrics.QuotaExceeded.WithLabelValues(string(quotaErr.Bucket)).Inc()
		p.audit.CreditsConsumed(ctx, st.tenant.ID, st.runID, "tools_shortfall", cost, nil)
		return 0
	}
	if err != nil {
		p.logger.Error("post-flight consume failed",
			"tenant_id", st.tenant.ID, "run_id", st.runID, "error", err)
		return 0
	}
	p.recordConsumption(ctx, consumption, st.runID, "tools")
	return consumption.Cost
}

// finishBlocked settles a run stopped before the model by a quota or
// guardrail: the canned reply is delivered and the run is recorded as
// quota_exceeded.
func (p *Pipeline) finishBlocked(ctx context.Context, st *runState, reply string, cause error) *RunResult {
	res := &RunResult{
		RunID:     st.runID,
		TenantID:  st.tenant.ID,
		SessionID: st.session.ID,
		Status:    usage.StatusQuotaExceeded,
		Reply:     reply,
	}
	res.Delivered = p.send(ctx, st.tenant.ID, st, reply)
	p.recordRun(ctx, st, usage.StatusQuotaExceeded, nil, 0, cause.Error())
	return res
}

// failRun records an aborted run. Nothing is sent to the contact; the
// adapter's silence matches any retry the channel performs.
func (p *Pipeline) failRun(ctx context.Context, st *runState, creditsUsed int, cause error) (*RunResult, error) {
	p.logger.Error("pipeline run failed",
		"run_id", st.runID, "tenant_id", st.tenant.ID, "error", cause)
	p.metrics.ErrorCounter.WithLabelValues("pipeline", string(GetErrorCode(cause))).Inc()

	res := &RunResult{
		RunID:     st.runID,
		TenantID:  st.tenant.ID,
		SessionID: st.session.ID,
		Status:    usage.StatusFailed,
	}
	p.recordRun(ctx, st, usage.StatusFailed, nil, creditsUsed, cause.Error())
	return res, cause
}

// send appends the outbound turn to the transcript and routes it to the
// contact. Delivery failure leaves the turn persisted; it reports false
// so callers can surface the miss.
func (p *Pipeline) send(ctx context.Context, tenantID string, st *runState, text string) bool {
	out := &models.Message{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		SessionID: st.session.ID,
		Channel:   st.session.Channel,
		ContactID: st.session.ContactID,
		Direction: models.DirectionOutbound,
		Role:      models.RoleAssistant,
		Content:   text,
		Metadata:  replyMetadata(st.msg),
		CreatedAt: time.Now(),
	}
	if err := p.sessions.AppendMessage(ctx, out); err != nil {
		p.logger.Warn("append outbound turn", "session_id", st.session.ID, "error", err)
	}

	result, err := p.router.Deliver(ctx, outbound.Delivery{
		TenantID:  tenantID,
		Channel:   st.session.Channel,
		Recipient: st.session.ContactID,
		Message:   out,
	})
	if err != nil {
		via := ""
		code := ErrCodeDelivery
		var routingErr *outbound.RoutingError
		if errors.As(err, &routingErr) {
			code = ErrCodeRouting
		}
		var failure *outbound.DeliveryFailure
		if errors.As(err, &failure) {
			via = string(failure.Via)
		}
		p.logger.Error("reply delivery failed",
			"tenant_id", tenantID, "channel", st.session.Channel, "code", code, "error", err)
		p.metrics.ErrorCounter.WithLabelValues("outbound", string(code)).Inc()
		p.audit.DeliveryFailed(ctx, tenantID, string(st.session.Channel), via, err.Error())
		return false
	}

	p.metrics.Deliveries.WithLabelValues(string(st.session.Channel), string(result.Via), "delivered").Inc()
	p.metrics.MessageCounter.WithLabelValues(string(st.session.Channel), "outbound").Inc()
	return true
}

// replyMetadata carries threading hints from the inbound message to the
// outbound one, so channel senders can reply in place.
func replyMetadata(inbound *models.Message) map[string]any {
	if inbound == nil || len(inbound.Metadata) == 0 {
		return nil
	}
	meta := map[string]any{}
	if ts, ok := inbound.Metadata["slack_thread_ts"]; ok {
		meta["slack_thread_ts"] = ts
	} else if ts, ok := inbound.Metadata["slack_ts"]; ok {
		meta["slack_thread_ts"] = ts
	}
	if ch, ok := inbound.Metadata["slack_channel"]; ok {
		meta["slack_channel"] = ch
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}

func (p *Pipeline) recordConsumption(ctx context.Context, consumption *credits.Consumption, runID, reason string) {
	draws := make(map[string]int, len(consumption.Draws))
	for _, d := range consumption.Draws {
		draws[string(d.Bucket)] = d.Amount
		p.metrics.CreditsConsumed.WithLabelValues(string(d.Bucket)).Add(float64(d.Amount))
	}
	p.audit.CreditsConsumed(ctx, consumption.TenantID, runID, reason, consumption.Cost, draws)
}

// recordRun writes the usage row and the run-completed audit event.
// outcome may be nil for runs that never reached the model.
func (p *Pipeline) recordRun(ctx context.Context, st *runState, status usage.Status, outcome *converseOutcome, creditsUsed int, errMsg string) {
	run := &usage.Run{
		ID:          st.runID,
		TenantID:    st.tenant.ID,
		SessionID:   st.session.ID,
		AgentID:     st.agent.ID,
		Channel:     st.session.Channel,
		Status:      status,
		CreditsUsed: creditsUsed,
		Duration:    time.Since(st.start),
		Error:       errMsg,
	}
	if outcome != nil {
		run.InputTokens = outcome.usage.InputTokens
		run.OutputTokens = outcome.usage.OutputTokens
		run.ToolCalls = outcome.toolCalls
	}
	if err := p.usage.Record(ctx, run); err != nil {
		p.logger.Error("record usage", "run_id", st.runID, "error", err)
	}
	p.audit.RunCompleted(ctx, st.tenant.ID, st.session.ID, st.runID, string(status), creditsUsed, run.Duration)
	p.metrics.PipelineRunDuration.WithLabelValues(string(st.session.Channel), string(status)).Observe(run.Duration.Seconds())
}

// quotaReply phrases the quota signal for the contact.
func quotaReply(err *credits.QuotaExceededError) string {
	if err.ResetsAt != nil {
		return fmt.Sprintf("You're out of credits for today. Your allowance resets at %s.",
			err.ResetsAt.UTC().Format("15:04 MST"))
	}
	return replyQuotaExhausted
}
