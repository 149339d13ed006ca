package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

func template(tenantID, contactID string) *models.Session {
	return &models.Session{
		TenantID:  tenantID,
		AgentID:   "agent-1",
		Channel:   models.ChannelTelegram,
		ContactID: contactID,
	}
}

func TestGetOrCreateActiveSingleSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	created := make([]bool, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			session, isNew, err := store.GetOrCreateActive(ctx, template("t1", "c1"))
			if err != nil {
				t.Errorf("worker %d: %v", i, err)
				return
			}
			ids[i] = session.ID
			created[i] = isNew
		}(i)
	}
	wg.Wait()

	var creates int
	for i := 1; i < workers; i++ {
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got session %s, worker 0 got %s", i, ids[i], ids[0])
		}
	}
	for _, isNew := range created {
		if isNew {
			creates++
		}
	}
	if creates != 1 {
		t.Fatalf("created = %d, want exactly 1", creates)
	}
}

func TestCloseThenNewSession(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, _, err := store.GetOrCreateActive(ctx, template("t1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Close(ctx, first.ID); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ActiveForKey(ctx, "t1", models.ChannelTelegram, "c1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("active lookup after close: got %v, want ErrNotFound", err)
	}

	closed, err := store.Get(ctx, first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if closed.Status != models.SessionClosed || closed.ClosedAt == nil {
		t.Fatalf("closed session state: status=%s closedAt=%v", closed.Status, closed.ClosedAt)
	}

	// Idempotent: closing again is a no-op.
	if err := store.Close(ctx, first.ID); err != nil {
		t.Fatalf("second close: %v", err)
	}

	second, isNew, err := store.GetOrCreateActive(ctx, template("t1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if !isNew {
		t.Fatal("expected a fresh session after close")
	}
	if second.ID == first.ID {
		t.Fatal("new session reused the closed session's id")
	}
	if second.MessageCount != 0 || second.CreditsUsed != 0 {
		t.Fatalf("new session carried counters: %d messages, %d credits", second.MessageCount, second.CreditsUsed)
	}
}

func TestSessionsIsolatedByKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, _, err := store.GetOrCreateActive(ctx, template("t1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := store.GetOrCreateActive(ctx, template("t2", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	c, _, err := store.GetOrCreateActive(ctx, template("t1", "c2"))
	if err != nil {
		t.Fatal(err)
	}
	if a.ID == b.ID || a.ID == c.ID || b.ID == c.ID {
		t.Fatalf("sessions collided across keys: %s %s %s", a.ID, b.ID, c.ID)
	}
}

func TestUpdateGuided(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, _, err := store.GetOrCreateActive(ctx, template("t1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if session.Mode != models.ModeFreeform {
		t.Fatalf("default mode = %s, want freeform", session.Mode)
	}

	state := &models.GuidedState{Step: "business_name", Answers: map[string]string{"email": "owner@example.com"}}
	if err := store.UpdateGuided(ctx, session.ID, state); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's copy must not leak into the store.
	state.Answers["email"] = "hijacked@example.com"

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != models.ModeGuided {
		t.Fatalf("mode after update = %s, want guided", got.Mode)
	}
	if got.Guided == nil || got.Guided.Step != "business_name" {
		t.Fatalf("guided state = %+v", got.Guided)
	}
	if got.Guided.Answers["email"] != "owner@example.com" {
		t.Fatalf("answers mutated through caller copy: %q", got.Guided.Answers["email"])
	}

	// Clearing guided state returns the session to freeform.
	if err := store.UpdateGuided(ctx, session.ID, nil); err != nil {
		t.Fatal(err)
	}
	got, err = store.Get(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Mode != models.ModeFreeform || got.Guided != nil {
		t.Fatalf("after clear: mode=%s guided=%+v", got.Mode, got.Guided)
	}
}

func TestRecordUsage(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, _, err := store.GetOrCreateActive(ctx, template("t1", "c1"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.RecordUsage(ctx, session.ID, 2, 5); err != nil {
		t.Fatal(err)
	}
	if err := store.RecordUsage(ctx, session.ID, 2, 3); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.MessageCount != 4 || got.CreditsUsed != 8 {
		t.Fatalf("usage = %d messages / %d credits, want 4 / 8", got.MessageCount, got.CreditsUsed)
	}

	if err := store.RecordUsage(ctx, "missing", 1, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("usage on missing session: got %v, want ErrNotFound", err)
	}
}

func TestHistoryWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session, _, err := store.GetOrCreateActive(ctx, template("t1", "c1"))
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		role := models.RoleUser
		direction := models.DirectionInbound
		if i%2 == 1 {
			role = models.RoleAssistant
			direction = models.DirectionOutbound
		}
		err := store.AppendMessage(ctx, &models.Message{
			SessionID: session.ID,
			TenantID:  "t1",
			Channel:   models.ChannelTelegram,
			Direction: direction,
			Role:      role,
			Content:   fmt.Sprintf("message %d", i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	history, err := store.History(ctx, session.ID, 4)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 4 {
		t.Fatalf("history length = %d, want 4", len(history))
	}
	for i, msg := range history {
		want := fmt.Sprintf("message %d", 6+i)
		if msg.Content != want {
			t.Errorf("history[%d] = %q, want %q", i, msg.Content, want)
		}
	}

	// A window wider than the transcript returns everything, oldest first.
	all, err := store.History(ctx, session.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 10 || all[0].Content != "message 0" {
		t.Fatalf("full history: len=%d first=%q", len(all), all[0].Content)
	}
}

func TestListByTenant(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, _, err := store.GetOrCreateActive(ctx, template("t1", fmt.Sprintf("c%d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := store.GetOrCreateActive(ctx, template("t2", "c9")); err != nil {
		t.Fatal(err)
	}

	sessions, err := store.ListByTenant(ctx, "t1", 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 3 {
		t.Fatalf("ListByTenant(t1) = %d sessions, want 3", len(sessions))
	}
	for _, s := range sessions {
		if s.TenantID != "t1" {
			t.Fatalf("session %s belongs to %s", s.ID, s.TenantID)
		}
	}
}
