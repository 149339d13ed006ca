// Package llm provides a provider-agnostic completion API over hosted
// language models. Providers translate a neutral request shape into their
// vendor SDK calls and hand back text, proposed tool calls, and token usage.
package llm

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/attachehq/attache/pkg/models"
)

// Tool describes a capability advertised to the model. The registry's tool
// type satisfies it, so the pipeline can hand exposed tools straight through.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
}

// CompletionMessage is one turn of the conversation sent to the provider.
// Tool results ride on the user turn that follows the assistant turn which
// proposed them.
type CompletionMessage struct {
	Role        models.Role
	Content     string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
}

// CompletionRequest carries everything a provider needs for one completion.
type CompletionRequest struct {
	// Model overrides the provider's default when set.
	Model string

	// System is the assembled system prompt. Providers place it wherever
	// their API expects it; it never appears in Messages.
	System string

	Messages []CompletionMessage
	Tools    []Tool

	// MaxTokens caps the generation. Zero means the provider default.
	MaxTokens int
}

// Stop reasons are normalized to the Anthropic vocabulary; other providers
// map their finish reasons onto these.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Completion is a provider's parsed response. Text and ToolCalls can both be
// present on the same turn.
type Completion struct {
	Text       string
	ToolCalls  []models.ToolCall
	StopReason string
	Usage      Usage
}

// Provider is a hosted model backend.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Models lists the model IDs this provider accepts.
	Models() []string

	// Complete performs one blocking completion. Transient provider
	// failures are retried internally; the returned error is final.
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// isRetryableError classifies transient failures worth another attempt:
// rate limits, 5xx responses, timeouts, and connection faults. Auth and
// validation errors are permanent and fail immediately.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errMsg := err.Error()

	if strings.Contains(errMsg, "rate_limit") ||
		strings.Contains(errMsg, "429") ||
		strings.Contains(errMsg, "too many requests") {
		return true
	}

	if strings.Contains(errMsg, "500") ||
		strings.Contains(errMsg, "502") ||
		strings.Contains(errMsg, "503") ||
		strings.Contains(errMsg, "504") ||
		strings.Contains(errMsg, "internal server error") ||
		strings.Contains(errMsg, "bad gateway") ||
		strings.Contains(errMsg, "service unavailable") ||
		strings.Contains(errMsg, "gateway timeout") {
		return true
	}

	if strings.Contains(errMsg, "timeout") ||
		strings.Contains(errMsg, "deadline exceeded") {
		return true
	}

	if strings.Contains(errMsg, "connection reset") ||
		strings.Contains(errMsg, "connection refused") ||
		strings.Contains(errMsg, "no such host") {
		return true
	}

	return false
}
