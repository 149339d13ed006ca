package assembler

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

func testAgent() *models.Agent {
	return &models.Agent{
		ID:       "agent-1",
		TenantID: "t1",
		Name:     "Sable",
		Persona:  "You handle scheduling and billing questions for a small studio.",
		Model:    "claude-sonnet-4-20250514",
		Autonomy: models.AutonomyAutonomous,
	}
}

func testSession() *models.Session {
	return &models.Session{
		ID:          "s1",
		TenantID:    "t1",
		AgentID:     "agent-1",
		Channel:     models.ChannelTelegram,
		ContactID:   "c1",
		ContactName: "Casey",
		Status:      models.SessionActive,
		Mode:        models.ModeFreeform,
	}
}

func TestBuildSystemPromptSections(t *testing.T) {
	a := New(Config{}, nil)

	req, err := a.Build(context.Background(), BuildInput{
		Agent:   testAgent(),
		Tenant:  &models.Tenant{ID: "t1", Name: "Driftwood Studio"},
		Session: testSession(),
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	for _, want := range []string{
		"You handle scheduling and billing questions",
		"You are Sable, working for Driftwood Studio.",
		"You are talking with Casey on telegram.",
		"Replies are delivered over chat.",
	} {
		if !strings.Contains(req.System, want) {
			t.Errorf("system prompt missing %q:\n%s", want, req.System)
		}
	}
	if strings.Contains(req.System, "Guided onboarding") {
		t.Error("freeform session must not render the onboarding section")
	}
	if req.Model != "claude-sonnet-4-20250514" {
		t.Errorf("model = %q", req.Model)
	}
}

func TestBuildGuidedSection(t *testing.T) {
	a := New(Config{}, nil)

	session := testSession()
	session.Mode = models.ModeGuided
	session.Guided = &models.GuidedState{
		Step:    "business_name",
		Answers: map[string]string{"goal": "answer booking requests", "email": "dana@example.com"},
	}

	req, err := a.Build(context.Background(), BuildInput{Agent: testAgent(), Session: session})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !strings.Contains(req.System, "current step: business_name") {
		t.Errorf("missing guided step:\n%s", req.System)
	}
	// Answers render in key order so the prompt is stable across turns.
	if !strings.Contains(req.System, "email: dana@example.com, goal: answer booking requests") {
		t.Errorf("missing collected answers:\n%s", req.System)
	}
}

func TestBuildHistoryWindow(t *testing.T) {
	a := New(Config{HistoryWindow: 4}, nil)

	var history []*models.Message
	for i := 0; i < 10; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		history = append(history, &models.Message{
			Role:    role,
			Content: fmt.Sprintf("turn %d", i),
		})
	}

	req, err := a.Build(context.Background(), BuildInput{Agent: testAgent(), Session: testSession(), History: history})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if len(req.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(req.Messages))
	}
	if req.Messages[0].Content != "turn 6" || req.Messages[3].Content != "turn 9" {
		t.Errorf("window kept wrong turns: first=%q last=%q", req.Messages[0].Content, req.Messages[3].Content)
	}
	if req.Messages[0].Role != models.RoleUser || req.Messages[1].Role != models.RoleAssistant {
		t.Errorf("roles not preserved: %q, %q", req.Messages[0].Role, req.Messages[1].Role)
	}
}

func TestBuildReferencesByTag(t *testing.T) {
	knowledge := NewMemoryKnowledge()
	ctx := context.Background()

	entries := []*Entry{
		{TenantID: "t1", Title: "Rates", Content: "Hourly rate is 120.", Tags: []string{"billing"}, CreatedAt: time.Now().Add(-2 * time.Hour)},
		{TenantID: "t1", Title: "Hours", Content: "Open 9 to 5.", Tags: []string{"scheduling"}, CreatedAt: time.Now().Add(-1 * time.Hour)},
		{TenantID: "t2", Title: "Other tenant", Content: "Must not leak.", Tags: []string{"billing"}, CreatedAt: time.Now()},
	}
	for _, entry := range entries {
		if err := knowledge.Add(ctx, entry); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	agent := testAgent()
	agent.KnowledgeTags = []string{"billing"}

	a := New(Config{}, knowledge)
	req, err := a.Build(ctx, BuildInput{Agent: agent, Session: testSession()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !strings.Contains(req.System, "Rates: Hourly rate is 120.") {
		t.Errorf("missing billing reference:\n%s", req.System)
	}
	if strings.Contains(req.System, "Open 9 to 5") {
		t.Error("untagged reference leaked into prompt")
	}
	if strings.Contains(req.System, "Must not leak") {
		t.Error("cross-tenant reference leaked into prompt")
	}
}

func TestBuildReferenceCap(t *testing.T) {
	knowledge := NewMemoryKnowledge()
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		entry := &Entry{
			TenantID:  "t1",
			Title:     fmt.Sprintf("Doc %d", i),
			Content:   "content",
			Tags:      []string{"billing"},
			CreatedAt: time.Now().Add(time.Duration(i) * time.Minute),
		}
		if err := knowledge.Add(ctx, entry); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	agent := testAgent()
	agent.KnowledgeTags = []string{"billing"}

	a := New(Config{MaxReferences: 2}, knowledge)
	req, err := a.Build(ctx, BuildInput{Agent: agent, Session: testSession()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	rendered := strings.Count(req.System, "- Doc ")
	if rendered != 2 {
		t.Errorf("rendered %d references, want 2:\n%s", rendered, req.System)
	}
	// Newest entries win when the cap bites.
	if !strings.Contains(req.System, "Doc 6") || !strings.Contains(req.System, "Doc 5") {
		t.Errorf("cap kept the wrong entries:\n%s", req.System)
	}
}

func TestBuildPendingDecisions(t *testing.T) {
	a := New(Config{}, nil)

	req, err := a.Build(context.Background(), BuildInput{
		Agent:   testAgent(),
		Session: testSession(),
		Pending: []Decision{
			{Tool: "send_invoice", Approved: false, Instruction: "wrong amount, it should be 200"},
			{Tool: "schedule_event", Approved: true, Result: `{"id":"evt-1"}`},
		},
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if !strings.Contains(req.System, "A reviewer declined your send_invoice call: wrong amount, it should be 200") {
		t.Errorf("missing rejection line:\n%s", req.System)
	}
	if !strings.Contains(req.System, `Your schedule_event call was approved and ran. Result: {"id":"evt-1"}`) {
		t.Errorf("missing approval line:\n%s", req.System)
	}

	// No decisions, no section.
	req, err = a.Build(context.Background(), BuildInput{Agent: testAgent(), Session: testSession()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if strings.Contains(req.System, "Review decisions") {
		t.Error("decision section rendered with no pending decisions")
	}
}

func TestBuildRequiresAgentAndSession(t *testing.T) {
	a := New(Config{}, nil)

	if _, err := a.Build(context.Background(), BuildInput{Session: testSession()}); err == nil {
		t.Error("expected error for missing agent")
	}
	if _, err := a.Build(context.Background(), BuildInput{Agent: testAgent()}); err == nil {
		t.Error("expected error for missing session")
	}
}
