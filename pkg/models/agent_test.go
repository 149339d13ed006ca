package models

import "testing"

func TestAgentStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		name    string
		from    AgentStatus
		to      AgentStatus
		allowed bool
	}{
		{"draft to active", AgentDraft, AgentActive, true},
		{"draft to archived", AgentDraft, AgentArchived, true},
		{"draft to paused", AgentDraft, AgentPaused, false},
		{"active to paused", AgentActive, AgentPaused, true},
		{"active to archived", AgentActive, AgentArchived, true},
		{"active to draft", AgentActive, AgentDraft, false},
		{"paused to active", AgentPaused, AgentActive, true},
		{"paused to archived", AgentPaused, AgentArchived, true},
		{"paused to draft", AgentPaused, AgentDraft, false},
		{"archived to active", AgentArchived, AgentActive, false},
		{"archived to draft", AgentArchived, AgentDraft, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
				t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.allowed)
			}
		})
	}
}

func TestAutonomy_Valid(t *testing.T) {
	for _, a := range []Autonomy{AutonomyAutonomous, AutonomySupervised, AutonomyDraftOnly} {
		if !a.Valid() {
			t.Errorf("%s.Valid() = false, want true", a)
		}
	}
	if Autonomy("full_send").Valid() {
		t.Error("unknown autonomy reported valid")
	}
}

func TestSessionKey(t *testing.T) {
	s := &Session{TenantID: "t1", Channel: ChannelTelegram, ContactID: "c1"}
	if got, want := s.Key(), "t1|telegram|c1"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
	if SessionKey("t1", ChannelSlack, "u9") != "t1|slack|u9" {
		t.Errorf("SessionKey mismatch")
	}
}

func TestIdentityKey(t *testing.T) {
	if got, want := IdentityKey(ChannelTelegram, "12345"), "telegram:12345"; got != want {
		t.Errorf("IdentityKey = %q, want %q", got, want)
	}
}
