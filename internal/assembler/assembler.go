// Package assembler builds provider-ready completion requests from
// conversation state: the agent persona, tenant context, a bounded history
// window, tag-matched reference material, and the outcomes of human review
// since the agent's last turn.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/attachehq/attache/internal/llm"
	"github.com/attachehq/attache/pkg/models"
)

const (
	// DefaultHistoryWindow is the number of recent turns sent to the
	// model. The window is a fixed message count, not a token budget.
	DefaultHistoryWindow = 20

	// DefaultMaxReferences caps how many knowledge entries are rendered
	// into the system prompt.
	DefaultMaxReferences = 5

	// referenceContentLimit truncates long reference bodies in the prompt.
	referenceContentLimit = 400
)

// Config controls assembly limits.
type Config struct {
	HistoryWindow int
	MaxReferences int
}

// Decision is a human review outcome fed back into the conversation:
// either a reviewer's rejection note or the result of an approved call
// that ran while the conversation was suspended.
type Decision struct {
	Tool        string
	Approved    bool
	Instruction string // reviewer note on rejection
	Result      string // tool output on resumed approval
}

// BuildInput carries everything one completion needs. References, when
// nil, are fetched from the knowledge store by the agent's tags.
type BuildInput struct {
	Agent      *models.Agent
	Tenant     *models.Tenant
	Session    *models.Session
	History    []*models.Message
	References []*Entry
	Pending    []Decision
}

// Assembler builds llm.CompletionRequests.
type Assembler struct {
	config    Config
	knowledge KnowledgeStore
}

// New applies defaults and returns an Assembler. The knowledge store may
// be nil, in which case only explicitly supplied references are used.
func New(config Config, knowledge KnowledgeStore) *Assembler {
	if config.HistoryWindow <= 0 {
		config.HistoryWindow = DefaultHistoryWindow
	}
	if config.MaxReferences <= 0 {
		config.MaxReferences = DefaultMaxReferences
	}
	return &Assembler{config: config, knowledge: knowledge}
}

// HistoryWindow returns the configured transcript window, so callers can
// fetch exactly the turns Build will use.
func (a *Assembler) HistoryWindow() int {
	return a.config.HistoryWindow
}

// Build assembles the completion request for the agent's next turn.
func (a *Assembler) Build(ctx context.Context, input BuildInput) (*llm.CompletionRequest, error) {
	if input.Agent == nil || input.Session == nil {
		return nil, errors.New("assembler: agent and session are required")
	}

	references := input.References
	if references == nil && a.knowledge != nil && len(input.Agent.KnowledgeTags) > 0 {
		fetched, err := a.knowledge.ByTags(ctx, input.Agent.TenantID, input.Agent.KnowledgeTags)
		if err != nil {
			return nil, fmt.Errorf("assembler: load references: %w", err)
		}
		references = fetched
	}
	if len(references) > a.config.MaxReferences {
		references = references[:a.config.MaxReferences]
	}

	return &llm.CompletionRequest{
		Model:    input.Agent.Model,
		System:   a.systemPrompt(input, references),
		Messages: historyWindow(input.History, a.config.HistoryWindow),
	}, nil
}

func (a *Assembler) systemPrompt(input BuildInput, references []*Entry) string {
	lines := make([]string, 0, 8)

	if persona := strings.TrimSpace(input.Agent.Persona); persona != "" {
		lines = append(lines, persona)
	}

	if input.Tenant != nil && input.Tenant.Name != "" {
		lines = append(lines, fmt.Sprintf("You are %s, working for %s.", input.Agent.Name, input.Tenant.Name))
	}
	if contact := strings.TrimSpace(input.Session.ContactName); contact != "" {
		lines = append(lines, fmt.Sprintf("You are talking with %s on %s.", contact, input.Session.Channel))
	}

	if input.Session.Mode == models.ModeGuided && input.Session.Guided != nil {
		lines = append(lines, guidedSection(input.Session.Guided))
	}

	if len(references) > 0 {
		refLines := make([]string, 0, len(references))
		for _, ref := range references {
			refLines = append(refLines, fmt.Sprintf("- %s: %s", ref.Title, truncate(ref.Content, referenceContentLimit)))
		}
		lines = append(lines, "Reference material:\n"+strings.Join(refLines, "\n"))
	}

	if len(input.Pending) > 0 {
		decisionLines := make([]string, 0, len(input.Pending))
		for _, decision := range input.Pending {
			decisionLines = append(decisionLines, renderDecision(decision))
		}
		lines = append(lines, "Review decisions since your last turn:\n"+strings.Join(decisionLines, "\n"))
	}

	lines = append(lines, "Replies are delivered over chat. Keep them short and plain; no markdown tables or headings.")

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func guidedSection(guided *models.GuidedState) string {
	line := fmt.Sprintf("Guided onboarding is in progress (current step: %s).", guided.Step)
	if len(guided.Answers) == 0 {
		return line
	}

	keys := make([]string, 0, len(guided.Answers))
	for key := range guided.Answers {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+": "+guided.Answers[key])
	}
	return line + " Collected so far: " + strings.Join(pairs, ", ") + "."
}

func renderDecision(decision Decision) string {
	if decision.Approved {
		if decision.Result != "" {
			return fmt.Sprintf("- Your %s call was approved and ran. Result: %s", decision.Tool, truncate(decision.Result, referenceContentLimit))
		}
		return fmt.Sprintf("- Your %s call was approved and ran.", decision.Tool)
	}
	if decision.Instruction != "" {
		return fmt.Sprintf("- A reviewer declined your %s call: %s", decision.Tool, decision.Instruction)
	}
	return fmt.Sprintf("- A reviewer declined your %s call.", decision.Tool)
}

// historyWindow maps the most recent turns into completion messages,
// dropping the oldest once the window is full. Tool fragments orphaned
// by the cut are stripped: providers reject a tool result with no
// preceding call turn, and a call turn with no following results.
func historyWindow(history []*models.Message, window int) []llm.CompletionMessage {
	if len(history) > window {
		history = history[len(history)-window:]
	}

	messages := make([]llm.CompletionMessage, 0, len(history))
	for i, msg := range history {
		m := llm.CompletionMessage{Role: msg.Role, Content: msg.Content}
		if len(msg.ToolCalls) > 0 && i+1 < len(history) && len(history[i+1].ToolResults) > 0 {
			m.ToolCalls = msg.ToolCalls
		}
		if len(msg.ToolResults) > 0 && i > 0 && len(history[i-1].ToolCalls) > 0 {
			m.ToolResults = msg.ToolResults
		}
		if m.Content == "" && len(m.ToolCalls) == 0 && len(m.ToolResults) == 0 {
			continue
		}
		messages = append(messages, m)
	}
	return messages
}

func truncate(content string, limit int) string {
	content = strings.TrimSpace(content)
	if len(content) <= limit {
		return content
	}
	return content[:limit] + "..."
}
