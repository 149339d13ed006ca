package models

import "time"

// Autonomy controls whether proposed tool calls execute immediately or
// require human approval.
type Autonomy string

const (
	// AutonomyAutonomous executes proposed tool calls without review,
	// except tools matched by the agent's require-approval guardrail.
	AutonomyAutonomous Autonomy = "autonomous"
	// AutonomySupervised holds every proposed tool call for review.
	AutonomySupervised Autonomy = "supervised"
	// AutonomyDraftOnly restricts the agent to read-only tools.
	AutonomyDraftOnly Autonomy = "draft_only"
)

// Valid reports whether the autonomy value is one of the known levels.
func (a Autonomy) Valid() bool {
	switch a {
	case AutonomyAutonomous, AutonomySupervised, AutonomyDraftOnly:
		return true
	}
	return false
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentDraft    AgentStatus = "draft"
	AgentActive   AgentStatus = "active"
	AgentPaused   AgentStatus = "paused"
	AgentArchived AgentStatus = "archived"
)

// CanTransitionTo reports whether the status change is legal. The
// lifecycle is monotonic (draft -> active -> archived) except that active
// and paused may alternate.
func (s AgentStatus) CanTransitionTo(next AgentStatus) bool {
	switch s {
	case AgentDraft:
		return next == AgentActive || next == AgentArchived
	case AgentActive:
		return next == AgentPaused || next == AgentArchived
	case AgentPaused:
		return next == AgentActive || next == AgentArchived
	default:
		return false
	}
}

// Guardrails are per-agent limits evaluated before any model call, plus
// the set of tools that require approval regardless of autonomy.
type Guardrails struct {
	DailyMessageCap int `json:"daily_message_cap,omitempty"` // 0 = uncapped
	DailyCostCap    int `json:"daily_cost_cap,omitempty"`    // credits, 0 = uncapped
	// RequireApproval lists tool name patterns that always need a human
	// decision. Supports "*", "prefix*" and "*suffix" wildcards.
	RequireApproval []string `json:"require_approval,omitempty"`
}

// Agent is a configured AI agent. An agent belongs to exactly one tenant;
// the platform tenant's agent handles onboarding conversations.
type Agent struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Name     string   `json:"name"`
	Persona  string   `json:"persona,omitempty"` // system-prompt persona text
	Model    string   `json:"model"`
	Provider string   `json:"provider"` // anthropic, openai
	Autonomy Autonomy `json:"autonomy"`
	// ToolAllowlist restricts the exposed tool set when non-empty; an
	// empty allowlist means no restriction. ToolDenylist is applied after
	// the allowlist and always wins.
	ToolAllowlist []string    `json:"tool_allowlist,omitempty"`
	ToolDenylist  []string    `json:"tool_denylist,omitempty"`
	Guardrails    Guardrails  `json:"guardrails"`
	KnowledgeTags []string    `json:"knowledge_tags,omitempty"`
	Status        AgentStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}
