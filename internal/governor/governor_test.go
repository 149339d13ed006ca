package governor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/internal/tools"
	"github.com/attachehq/attache/pkg/models"
)

type sessionLookup struct {
	session *models.Session
}

func (s sessionLookup) Get(ctx context.Context, id string) (*models.Session, error) {
	if s.session != nil && s.session.ID == id {
		return s.session, nil
	}
	return nil, storage.ErrNotFound
}

type fixture struct {
	governor  *Governor
	store     *MemoryStore
	directory *tools.Directory
	tenant    *models.Tenant
	agent     *models.Agent
	session   *models.Session
}

func newFixture(t *testing.T, config Config) *fixture {
	t.Helper()

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	directory := tools.NewDirectory()
	store := NewMemoryStore()
	session := &models.Session{
		ID:        "s1",
		TenantID:  "t1",
		AgentID:   "agent-1",
		Channel:   models.ChannelTelegram,
		ContactID: "c1",
		Status:    models.SessionActive,
	}

	return &fixture{
		governor:  New(store, registry, sessionLookup{session: session}, directory, config, nil),
		store:     store,
		directory: directory,
		tenant:    &models.Tenant{ID: "t1", Name: "Driftwood Studio", Status: models.TenantActive},
		agent: &models.Agent{
			ID:       "agent-1",
			TenantID: "t1",
			Name:     "Sable",
			Model:    "claude-sonnet-4-20250514",
			Autonomy: models.AutonomyAutonomous,
			Status:   models.AgentActive,
		},
		session: session,
	}
}

func (f *fixture) run() Run {
	return Run{ID: "run-1", Tenant: f.tenant, Agent: f.agent, Session: f.session}
}

func (f *fixture) seedContact(t *testing.T) *tools.Contact {
	t.Helper()
	contact, err := f.directory.CreateContact(context.Background(), &tools.Contact{
		TenantID: "t1",
		Name:     "Dana Rivera",
		Email:    "dana@example.com",
	})
	if err != nil {
		t.Fatalf("CreateContact: %v", err)
	}
	return contact
}

func TestProposeAutoExecutes(t *testing.T) {
	f := newFixture(t, Config{})
	f.seedContact(t)

	exec, disposition, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID:    "tc1",
		Name:  "search_contacts",
		Input: json.RawMessage(`{"query":"dana"}`),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if disposition != DispositionAuto {
		t.Fatalf("disposition = %q, want auto", disposition)
	}
	if exec.State != models.ExecutionCompleted {
		t.Fatalf("state = %q, want completed", exec.State)
	}
	if exec.DecidedBy != "auto" {
		t.Errorf("decided by = %q, want auto", exec.DecidedBy)
	}
	if !strings.Contains(string(exec.Result), "Dana Rivera") {
		t.Errorf("result missing contact: %s", exec.Result)
	}
	if exec.CompletedAt == nil {
		t.Error("completed record missing CompletedAt")
	}
}

func TestProposeHeld(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		tool  string
	}{
		{
			name:  "supervised agent",
			setup: func(f *fixture) { f.agent.Autonomy = models.AutonomySupervised },
			tool:  "search_contacts",
		},
		{
			name: "guardrail pattern match",
			setup: func(f *fixture) {
				f.agent.Guardrails.RequireApproval = []string{"send_*"}
			},
			tool: "send_invoice",
		},
		{
			name:  "tenant manual review",
			setup: func(f *fixture) { f.tenant.ManualReview = true },
			tool:  "search_contacts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{})
			tt.setup(f)

			exec, disposition, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
				ID:    "tc1",
				Name:  tt.tool,
				Input: json.RawMessage(`{"query":"x"}`),
			})
			if err != nil {
				t.Fatalf("Propose: %v", err)
			}
			if disposition != DispositionHeld {
				t.Fatalf("disposition = %q, want held", disposition)
			}
			if exec.State != models.ExecutionProposed {
				t.Fatalf("state = %q, want proposed", exec.State)
			}

			pending, err := f.governor.Pending(context.Background(), "t1")
			if err != nil {
				t.Fatalf("Pending: %v", err)
			}
			if len(pending) != 1 || pending[0].ID != exec.ID {
				t.Errorf("pending queue = %+v, want the held record", pending)
			}
		})
	}
}

func TestApproveRunsTool(t *testing.T) {
	f := newFixture(t, Config{})
	contact := f.seedContact(t)
	f.agent.Autonomy = models.AutonomySupervised

	params, _ := json.Marshal(map[string]any{
		"contact_id": contact.ID,
		"amount":     5000,
		"memo":       "website retainer",
	})
	exec, _, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID: "tc1", Name: "send_invoice", Input: params,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	final, err := f.governor.Approve(context.Background(), exec.ID, "ops@driftwood.example", nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if final.State != models.ExecutionCompleted {
		t.Fatalf("state = %q, want completed: %s", final.State, final.ErrorMessage)
	}
	if final.DecidedBy != "ops@driftwood.example" {
		t.Errorf("decided by = %q", final.DecidedBy)
	}
	if !strings.Contains(string(final.Result), "5000") {
		t.Errorf("result missing amount: %s", final.Result)
	}
}

func TestApproveWithEditedParams(t *testing.T) {
	f := newFixture(t, Config{})
	contact := f.seedContact(t)
	f.agent.Autonomy = models.AutonomySupervised

	original, _ := json.Marshal(map[string]any{"contact_id": contact.ID, "amount": 5000})
	exec, _, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID: "tc1", Name: "send_invoice", Input: original,
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	edited, _ := json.Marshal(map[string]any{"contact_id": contact.ID, "amount": 20000})
	final, err := f.governor.Approve(context.Background(), exec.ID, "ops@driftwood.example", edited)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}

	if final.State != models.ExecutionCompleted {
		t.Fatalf("state = %q, want completed: %s", final.State, final.ErrorMessage)
	}
	// The reviewer's amount runs, not the model's.
	if !strings.Contains(string(final.Result), "20000") {
		t.Errorf("result amount not edited: %s", final.Result)
	}
	if !strings.Contains(string(final.Params), "20000") {
		t.Errorf("stored params not edited: %s", final.Params)
	}
}

func TestRejectStoresInstruction(t *testing.T) {
	f := newFixture(t, Config{})
	f.agent.Autonomy = models.AutonomySupervised

	exec, _, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID: "tc1", Name: "send_invoice", Input: json.RawMessage(`{"contact_id":"x","amount":100}`),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	rejected, err := f.governor.Reject(context.Background(), exec.ID, "ops@driftwood.example", "wrong amount, quote 200 first")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if rejected.State != models.ExecutionRejected {
		t.Fatalf("state = %q, want rejected", rejected.State)
	}
	if rejected.Instruction != "wrong amount, quote 200 first" {
		t.Errorf("instruction = %q", rejected.Instruction)
	}
	if rejected.DecidedAt == nil {
		t.Error("rejected record missing DecidedAt")
	}
}

func TestTerminalRecordsAreImmutable(t *testing.T) {
	f := newFixture(t, Config{})
	f.agent.Autonomy = models.AutonomySupervised

	exec, _, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID: "tc1", Name: "search_contacts", Input: json.RawMessage(`{"query":"x"}`),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if _, err := f.governor.Reject(context.Background(), exec.ID, "ops", "no"); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	if _, err := f.governor.Approve(context.Background(), exec.ID, "ops", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("approve after reject = %v, want ErrInvalidTransition", err)
	}
	if _, err := f.governor.Reject(context.Background(), exec.ID, "ops", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double reject = %v, want ErrInvalidTransition", err)
	}
}

func TestValidationFailureRecordsFailed(t *testing.T) {
	f := newFixture(t, Config{})

	// search_contacts requires query; empty params must fail validation
	// and never reach the tool.
	exec, disposition, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID: "tc1", Name: "search_contacts", Input: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if disposition != DispositionAuto {
		t.Fatalf("disposition = %q, want auto", disposition)
	}
	if exec.State != models.ExecutionFailed {
		t.Fatalf("state = %q, want failed", exec.State)
	}
	if !strings.Contains(exec.ErrorMessage, "query") {
		t.Errorf("error message = %q, want mention of missing query", exec.ErrorMessage)
	}
}

func TestUnknownToolRecordsFailed(t *testing.T) {
	f := newFixture(t, Config{})

	exec, _, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID: "tc1", Name: "drop_database", Input: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if exec.State != models.ExecutionFailed {
		t.Fatalf("state = %q, want failed", exec.State)
	}
	if !strings.Contains(exec.ErrorMessage, "not registered") {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}
}

func TestDomainErrorRecordsFailed(t *testing.T) {
	f := newFixture(t, Config{})

	exec, _, err := f.governor.Propose(context.Background(), f.run(), models.ToolCall{
		ID: "tc1", Name: "send_invoice", Input: json.RawMessage(`{"contact_id":"missing","amount":100}`),
	})
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	if exec.State != models.ExecutionFailed {
		t.Fatalf("state = %q, want failed", exec.State)
	}
	if !strings.Contains(exec.ErrorMessage, "not found") {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}
}

func TestSweepStale(t *testing.T) {
	f := newFixture(t, Config{PendingTTL: time.Hour})
	ctx := context.Background()

	stale := &models.ToolExecution{
		ID: "old", TenantID: "t1", SessionID: "s1", AgentID: "agent-1", RunID: "run-0",
		Tool: "send_invoice", Params: json.RawMessage(`{}`),
		State: models.ExecutionProposed, CreatedAt: time.Now().UTC().Add(-2 * time.Hour),
	}
	fresh := &models.ToolExecution{
		ID: "new", TenantID: "t1", SessionID: "s1", AgentID: "agent-1", RunID: "run-1",
		Tool: "send_invoice", Params: json.RawMessage(`{}`),
		State: models.ExecutionProposed, CreatedAt: time.Now().UTC(),
	}
	for _, exec := range []*models.ToolExecution{stale, fresh} {
		if err := f.store.Create(ctx, exec); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	swept, err := f.governor.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d, want 1", swept)
	}

	old, err := f.governor.Get(ctx, "old")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if old.State != models.ExecutionRejected || old.DecidedBy != DecidedBySystem {
		t.Errorf("stale record = %s by %q, want rejected by system", old.State, old.DecidedBy)
	}

	recent, err := f.governor.Get(ctx, "new")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if recent.State != models.ExecutionProposed {
		t.Errorf("fresh record = %s, want still proposed", recent.State)
	}
}

func TestSweepDisabledByDefault(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	old := &models.ToolExecution{
		ID: "old", TenantID: "t1", SessionID: "s1", AgentID: "agent-1", RunID: "run-0",
		Tool: "send_invoice", Params: json.RawMessage(`{}`),
		State: models.ExecutionProposed, CreatedAt: time.Now().UTC().Add(-24 * time.Hour),
	}
	if err := f.store.Create(ctx, old); err != nil {
		t.Fatalf("Create: %v", err)
	}

	swept, err := f.governor.SweepStale(ctx)
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if swept != 0 {
		t.Fatalf("swept %d, want 0 with no TTL configured", swept)
	}

	got, _ := f.governor.Get(ctx, "old")
	if got.State != models.ExecutionProposed {
		t.Errorf("record = %s, want proposed forever by default", got.State)
	}
}

func TestMemoryStoreTransitionRules(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	exec := &models.ToolExecution{
		ID: "e1", TenantID: "t1", SessionID: "s1", AgentID: "a1", RunID: "r1",
		Tool: "search_contacts", Params: json.RawMessage(`{}`),
		State: models.ExecutionProposed, CreatedAt: time.Now().UTC(),
	}
	if err := store.Create(ctx, exec); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// proposed cannot jump straight to executing or completed.
	if _, err := store.Transition(ctx, "e1", models.ExecutionExecuting, TransitionUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("proposed -> executing = %v, want ErrInvalidTransition", err)
	}
	if _, err := store.Transition(ctx, "e1", models.ExecutionCompleted, TransitionUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("proposed -> completed = %v, want ErrInvalidTransition", err)
	}

	if _, err := store.Transition(ctx, "e1", models.ExecutionApproved, TransitionUpdate{DecidedBy: "ops"}); err != nil {
		t.Fatalf("proposed -> approved: %v", err)
	}
	if _, err := store.Transition(ctx, "e1", models.ExecutionRejected, TransitionUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("approved -> rejected = %v, want ErrInvalidTransition", err)
	}

	if _, err := store.Transition(ctx, "missing", models.ExecutionApproved, TransitionUpdate{}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing record = %v, want ErrNotFound", err)
	}
}
