package models

import "time"

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionClosed SessionStatus = "closed"
)

// SessionMode distinguishes freeform conversation from the guided
// onboarding interview.
type SessionMode string

const (
	ModeFreeform SessionMode = "freeform"
	ModeGuided   SessionMode = "guided"
)

// GuidedState tracks progress through a guided interview: the current
// step and the answers collected so far.
type GuidedState struct {
	Step    string            `json:"step"`
	Answers map[string]string `json:"answers,omitempty"`
}

// Session is the unit of ongoing conversation state for one external
// contact on one channel within one tenant. At most one session per
// (tenant, channel, contact) key may be active at any time.
type Session struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenant_id"`
	AgentID      string        `json:"agent_id"`
	Channel      ChannelType   `json:"channel"`
	ContactID    string        `json:"contact_id"`
	ContactName  string        `json:"contact_name,omitempty"`
	Status       SessionStatus `json:"status"`
	Mode         SessionMode   `json:"mode"`
	Guided       *GuidedState  `json:"guided,omitempty"`
	MessageCount int           `json:"message_count"`
	CreditsUsed  int           `json:"credits_used"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`
}

// Key returns the session uniqueness key.
func (s *Session) Key() string {
	return SessionKey(s.TenantID, s.Channel, s.ContactID)
}

// SessionKey builds the (tenant, channel, contact) uniqueness key.
func SessionKey(tenantID string, channel ChannelType, contactID string) string {
	return tenantID + "|" + string(channel) + "|" + contactID
}
