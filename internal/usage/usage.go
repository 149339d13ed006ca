// Package usage records one row per pipeline run: tokens, credits, tool
// calls and outcome. Daily aggregates feed the guardrail caps.
package usage

import (
	"context"
	"time"

	"github.com/attachehq/attache/pkg/models"
)

// Status is the outcome of a run.
type Status string

const (
	// StatusCompleted means the reply was produced and handed to delivery.
	StatusCompleted Status = "completed"

	// StatusPendingApproval means the run stopped at a held tool proposal.
	StatusPendingApproval Status = "pending_approval"

	// StatusQuotaExceeded means credits or a guardrail cap blocked the run.
	StatusQuotaExceeded Status = "quota_exceeded"

	// StatusFailed means the run aborted on an error.
	StatusFailed Status = "failed"
)

// Run is the usage record for one pipeline run.
type Run struct {
	ID           string             `json:"id"`
	TenantID     string             `json:"tenant_id"`
	SessionID    string             `json:"session_id"`
	AgentID      string             `json:"agent_id,omitempty"`
	Channel      models.ChannelType `json:"channel,omitempty"`
	Status       Status             `json:"status"`
	InputTokens  int                `json:"input_tokens"`
	OutputTokens int                `json:"output_tokens"`
	CreditsUsed  int                `json:"credits_used"`
	ToolCalls    int                `json:"tool_calls"`
	Duration     time.Duration      `json:"duration"`
	Error        string             `json:"error,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
}

// DailyTotals aggregates a tenant's runs for one UTC day.
type DailyTotals struct {
	Messages     int `json:"messages"`
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	CreditsUsed  int `json:"credits_used"`
}

// Store persists run records.
type Store interface {
	// Record appends one run, stamping ID and CreatedAt when empty.
	Record(ctx context.Context, run *Run) error

	// Get returns one run by ID.
	Get(ctx context.Context, id string) (*Run, error)

	// ListByTenant returns the tenant's most recent runs, newest first.
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]*Run, error)

	// DailyTotals aggregates the tenant's runs for the UTC day containing
	// the given time.
	DailyTotals(ctx context.Context, tenantID string, day time.Time) (*DailyTotals, error)
}

// dayBounds returns the UTC day window containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	u := t.UTC()
	start := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}
