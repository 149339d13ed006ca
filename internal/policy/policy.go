// Package policy computes the tool surface an agent exposes and
// evaluates pre-flight guardrails.
package policy

import (
	"fmt"
	"strings"

	"github.com/attachehq/attache/internal/tools"
	"github.com/attachehq/attache/pkg/models"
)

// DiscoveryTool is the read-only discovery tool that stays exposed even
// when an allowlist restricts the surface. A denylist entry still
// removes it.
const DiscoveryTool = "search_records"

// ExposedTools filters the registered tool set down to what the agent
// may see. Rules, in order:
//
//  1. draft_only autonomy exposes exactly the read-only subset,
//     ignoring allowlist and denylist.
//  2. A non-empty allowlist restricts to the listed tools plus the
//     discovery tool; an empty allowlist means no restriction.
//  3. The denylist is applied last and always wins.
func ExposedTools(agent *models.Agent, available []tools.Tool) []tools.Tool {
	if agent.Autonomy == models.AutonomyDraftOnly {
		var exposed []tools.Tool
		for _, t := range available {
			if t.ReadOnly() {
				exposed = append(exposed, t)
			}
		}
		return exposed
	}

	allowed := make(map[string]bool, len(agent.ToolAllowlist))
	for _, name := range agent.ToolAllowlist {
		allowed[name] = true
	}
	denied := make(map[string]bool, len(agent.ToolDenylist))
	for _, name := range agent.ToolDenylist {
		denied[name] = true
	}

	var exposed []tools.Tool
	for _, t := range available {
		name := t.Name()
		if len(allowed) > 0 && !allowed[name] && name != DiscoveryTool {
			continue
		}
		if denied[name] {
			continue
		}
		exposed = append(exposed, t)
	}
	return exposed
}

// RequiresApproval reports whether a proposed call to the named tool
// must wait for a human decision. Supervised autonomy holds everything;
// otherwise only guardrail require-approval matches hold. The
// tenant-wide manual review switch is the caller's third trigger.
func RequiresApproval(agent *models.Agent, toolName string) bool {
	if agent.Autonomy == models.AutonomySupervised {
		return true
	}
	for _, pattern := range agent.Guardrails.RequireApproval {
		if matchPattern(pattern, toolName) {
			return true
		}
	}
	return false
}

// DailyUsage is a tenant's consumption so far today, fed into the
// guardrail check before any model call.
type DailyUsage struct {
	Messages int
	Credits  int
}

// CapExceededError reports which guardrail cap tripped. The pipeline
// treats it like quota exhaustion: templated reply, no model call.
type CapExceededError struct {
	Cap   string // daily_message_cap or daily_cost_cap
	Limit int
	Used  int
}

func (e *CapExceededError) Error() string {
	return fmt.Sprintf("%s reached (%d of %d)", e.Cap, e.Used, e.Limit)
}

// CheckGuardrails evaluates the agent's daily caps against usage so
// far. A zero cap means uncapped.
func CheckGuardrails(agent *models.Agent, usage DailyUsage) error {
	g := agent.Guardrails
	if g.DailyMessageCap > 0 && usage.Messages >= g.DailyMessageCap {
		return &CapExceededError{Cap: "daily_message_cap", Limit: g.DailyMessageCap, Used: usage.Messages}
	}
	if g.DailyCostCap > 0 && usage.Credits >= g.DailyCostCap {
		return &CapExceededError{Cap: "daily_cost_cap", Limit: g.DailyCostCap, Used: usage.Credits}
	}
	return nil
}

func matchPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(toolName, strings.TrimSuffix(pattern, "*"))
	}
	if strings.HasPrefix(pattern, "*") {
		return strings.HasSuffix(toolName, strings.TrimPrefix(pattern, "*"))
	}
	return pattern == toolName
}
