package models

import "time"

// TenantStatus is the lifecycle state of a tenant. Tenants are never
// deleted, only deactivated.
type TenantStatus string

const (
	TenantActive      TenantStatus = "active"
	TenantDeactivated TenantStatus = "deactivated"
)

// Tenant is an isolated organization. It owns agents, sessions, credit
// balances and channel bindings. A tenant with a parent may fall back to
// the parent's credit balance when its own is exhausted.
type Tenant struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Slug     string       `json:"slug"` // backs sub-tenant deep links
	ParentID string       `json:"parent_id,omitempty"`
	Status   TenantStatus `json:"status"`
	// ManualReview holds every proposed tool call for human review,
	// regardless of agent autonomy.
	ManualReview bool      `json:"manual_review,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// IdentityStatus is the lifecycle state of a channel identity mapping.
type IdentityStatus string

const (
	IdentityOnboarding IdentityStatus = "onboarding"
	IdentityActive     IdentityStatus = "active"
	IdentityChurned    IdentityStatus = "churned"
)

// ChannelIdentity binds an external chat identity to a tenant. Exactly one
// mapping exists per (channel, external_id); concurrent first contact must
// not create duplicates.
type ChannelIdentity struct {
	ID          string         `json:"id"`
	Channel     ChannelType    `json:"channel"`
	ExternalID  string         `json:"external_id"`
	DisplayName string         `json:"display_name,omitempty"`
	TenantID    string         `json:"tenant_id,omitempty"`
	UserID      string         `json:"user_id,omitempty"` // linked account owner, set on verification
	Status      IdentityStatus `json:"status"`
	LastSeenAt  time.Time      `json:"last_seen_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// IdentityKey returns the canonical lookup key for an external identity.
func IdentityKey(channel ChannelType, externalID string) string {
	return string(channel) + ":" + externalID
}
