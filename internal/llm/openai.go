package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/attachehq/attache/pkg/models"
)

// OpenAIConfig holds configuration for an OpenAIProvider. All fields except
// APIKey are optional and default during NewOpenAIProvider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API authentication key (required).
	APIKey string

	// BaseURL overrides the default OpenAI API base URL. Useful for
	// proxies and OpenAI-compatible endpoints.
	BaseURL string

	// MaxRetries sets the maximum retry attempts for transient failures.
	// Default: 3
	MaxRetries int

	// RetryDelay is the base delay between retry attempts. Actual delay
	// uses exponential backoff: RetryDelay * 2^attempt. Default: 1s
	RetryDelay time.Duration

	// DefaultModel is used when the request does not name a model.
	// Default: "gpt-4o"
	DefaultModel string
}

// OpenAIProvider implements Provider over the go-openai client.
type OpenAIProvider struct {
	client       *openai.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// NewOpenAIProvider validates the configuration, applies defaults, and
// initializes the client.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}

	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = config.BaseURL
	}

	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

func (p *OpenAIProvider) Models() []string {
	return []string{
		"gpt-4o",
		"gpt-4o-mini",
		"gpt-4-turbo",
	}
}

// Complete performs one blocking completion with retries on transient
// failures, mirroring the Anthropic provider's backoff behavior.
func (p *OpenAIProvider) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: convertOpenAIMessages(req.System, req.Messages),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	var resp openai.ChatCompletionResponse
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err = p.client.CreateChatCompletion(ctx, chatReq)
		if err == nil {
			break
		}

		if !isRetryableError(err) {
			return nil, fmt.Errorf("openai: %w", err)
		}

		if attempt < p.maxRetries {
			backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response contained no choices")
	}

	return parseOpenAIChoice(resp.Choices[0], resp.Usage), nil
}

func convertOpenAIMessages(system string, messages []CompletionMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	// The system prompt is the first message in OpenAI's format.
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		// Tool results become standalone tool-role messages that must
		// directly follow the assistant turn which proposed the calls.
		if len(msg.ToolResults) > 0 {
			for _, toolResult := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    toolResult.Content,
					ToolCallID: toolResult.ToolCallID,
				})
			}
			if msg.Content == "" {
				continue
			}
		}

		converted := openai.ChatCompletionMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}

		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			converted.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, toolCall := range msg.ToolCalls {
				converted.ToolCalls[i] = openai.ToolCall{
					ID:   toolCall.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      toolCall.Name,
						Arguments: string(toolCall.Input),
					},
				}
			}
		}

		result = append(result, converted)
	}

	return result
}

func convertOpenAITools(tools []Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			// One bad schema must not take down the whole surface.
			schema = map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			}
		}

		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name(),
				Description: tool.Description(),
				Parameters:  schema,
			},
		}
	}

	return result
}

func parseOpenAIChoice(choice openai.ChatCompletionChoice, usage openai.Usage) *Completion {
	completion := &Completion{
		Text:       choice.Message.Content,
		StopReason: normalizeFinishReason(choice.FinishReason),
		Usage: Usage{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
		},
	}

	for _, toolCall := range choice.Message.ToolCalls {
		completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
			ID:    toolCall.ID,
			Name:  toolCall.Function.Name,
			Input: NormalizeArgs(toolCall.Function.Arguments),
		})
	}

	return completion
}

// normalizeFinishReason maps OpenAI finish reasons onto the shared stop
// reason vocabulary.
func normalizeFinishReason(reason openai.FinishReason) string {
	switch reason {
	case openai.FinishReasonToolCalls:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	case openai.FinishReasonStop:
		return StopEndTurn
	default:
		return string(reason)
	}
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}
