package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/attachehq/attache/internal/storage"
	"github.com/attachehq/attache/pkg/models"
)

func TestMemoryStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	agent := &models.Agent{
		TenantID: "tenant-1",
		Name:     "Concierge",
		Model:    "claude-sonnet-4-5",
		Provider: "anthropic",
	}
	if err := store.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if agent.Status != models.AgentDraft {
		t.Errorf("new agent status = %s, want draft", agent.Status)
	}
	if agent.Autonomy != models.AutonomySupervised {
		t.Errorf("new agent autonomy = %s, want supervised default", agent.Autonomy)
	}

	// Draft tenants have no serving agent yet.
	if _, err := store.ActiveForTenant(ctx, "tenant-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ActiveForTenant with draft only = %v, want ErrNotFound", err)
	}

	if err := store.UpdateStatus(ctx, agent.ID, models.AgentActive); err != nil {
		t.Fatalf("UpdateStatus to active: %v", err)
	}
	serving, err := store.ActiveForTenant(ctx, "tenant-1")
	if err != nil {
		t.Fatalf("ActiveForTenant: %v", err)
	}
	if serving.ID != agent.ID {
		t.Errorf("serving agent = %s, want %s", serving.ID, agent.ID)
	}

	// active -> paused -> active is the one reversible edge.
	if err := store.UpdateStatus(ctx, agent.ID, models.AgentPaused); err != nil {
		t.Fatalf("UpdateStatus to paused: %v", err)
	}
	if err := store.UpdateStatus(ctx, agent.ID, models.AgentActive); err != nil {
		t.Fatalf("UpdateStatus back to active: %v", err)
	}

	if err := store.UpdateStatus(ctx, agent.ID, models.AgentArchived); err != nil {
		t.Fatalf("UpdateStatus to archived: %v", err)
	}
	err = store.UpdateStatus(ctx, agent.ID, models.AgentActive)
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("archived -> active error = %v, want ErrInvalidTransition", err)
	}
	if invalid.From != models.AgentArchived || invalid.To != models.AgentActive {
		t.Errorf("transition error = %v, want archived -> active", invalid)
	}
}

func TestMemoryStore_UpdatePreservesStatus(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	agent := &models.Agent{TenantID: "tenant-1", Name: "Concierge", Model: "gpt-4o", Provider: "openai"}
	if err := store.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.UpdateStatus(ctx, agent.ID, models.AgentActive); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// A config edit that carries a stale status must not move it.
	edit := *agent
	edit.Status = models.AgentArchived
	edit.ToolAllowlist = []string{"search_contacts"}
	if err := store.Update(ctx, &edit); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := store.Get(ctx, agent.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.AgentActive {
		t.Errorf("status after config edit = %s, want active", got.Status)
	}
	if len(got.ToolAllowlist) != 1 || got.ToolAllowlist[0] != "search_contacts" {
		t.Errorf("allowlist = %v, want [search_contacts]", got.ToolAllowlist)
	}
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	agent := &models.Agent{
		TenantID:      "tenant-1",
		Name:          "Concierge",
		Model:         "gpt-4o",
		Provider:      "openai",
		ToolAllowlist: []string{"search_contacts"},
	}
	if err := store.Create(ctx, agent); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := store.Get(ctx, agent.ID)
	got.ToolAllowlist[0] = "mutated"

	again, _ := store.Get(ctx, agent.ID)
	if again.ToolAllowlist[0] != "search_contacts" {
		t.Error("store state mutated through a returned copy")
	}
}
