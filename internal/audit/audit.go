// Package audit emits a structured event stream alongside the pipeline:
// who messaged, what the model proposed, what humans decided, what ran and
// what it cost. Sensitive payloads are hashed unless explicitly included.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/attachehq/attache/internal/observability"
	"github.com/attachehq/attache/pkg/models"
)

// EventType categorizes audit events.
type EventType string

const (
	EventMessageReceived EventType = "message.received"
	EventRunCompleted    EventType = "run.completed"
	EventToolProposed    EventType = "tool.proposed"
	EventToolDecided     EventType = "tool.decided"
	EventToolExecuted    EventType = "tool.executed"
	EventCreditsConsumed EventType = "credits.consumed"
	EventIdentityLinked  EventType = "identity.linked"
	EventDeliveryFailed  EventType = "delivery.failed"
)

// Level represents audit event severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event is a single audit entry.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Level      Level          `json:"level"`
	Timestamp  time.Time      `json:"timestamp"`
	TenantID   string         `json:"tenant_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	RunID      string         `json:"run_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	Error      string         `json:"error,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	SpanID     string         `json:"span_id,omitempty"`
}

// Config configures the audit logger.
type Config struct {
	Enabled bool  `json:"enabled" yaml:"enabled"`
	Level   Level `json:"level" yaml:"level"`

	// Format is "json" or "text".
	Format string `json:"format" yaml:"format"`

	// Output is "stdout", "stderr" or "file:/path/to/audit.log".
	Output string `json:"output" yaml:"output"`

	// IncludeContent logs message content verbatim. Off by default;
	// content is hashed instead.
	IncludeContent bool `json:"include_content" yaml:"include_content"`

	// IncludeToolInput logs tool parameters verbatim instead of a hash.
	IncludeToolInput bool `json:"include_tool_input" yaml:"include_tool_input"`

	// IncludeToolOutput logs tool results verbatim instead of their size.
	IncludeToolOutput bool `json:"include_tool_output" yaml:"include_tool_output"`

	// MaxFieldSize truncates included payloads.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// SampleRate logs this fraction of events; 1.0 logs everything.
	SampleRate float64 `json:"sample_rate" yaml:"sample_rate"`

	BufferSize    int           `json:"buffer_size" yaml:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns the default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Level:         LevelInfo,
		Format:        "json",
		Output:        "stdout",
		MaxFieldSize:  1024,
		SampleRate:    1.0,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}

// Logger writes audit events asynchronously through a buffered channel.
// When the buffer is full, events are written inline rather than dropped.
type Logger struct {
	config  Config
	output  io.WriteCloser
	slogger *slog.Logger
	buffer  chan *Event
	wg      sync.WaitGroup
	done    chan struct{}
}

// NewLogger creates an audit logger. A disabled config returns a logger
// whose methods are no-ops.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.SampleRate == 0 {
		config.SampleRate = 1.0
	}
	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	l := &Logger{
		config: config,
		output: output,
		buffer: make(chan *Event, config.BufferSize),
		done:   make(chan struct{}),
	}

	var handler slog.Handler
	if config.Format == "text" {
		handler = slog.NewTextHandler(output, &slog.HandlerOptions{Level: l.slogLevel()})
	} else {
		handler = slog.NewJSONHandler(output, &slog.HandlerOptions{Level: l.slogLevel()})
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()

	return l, nil
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if !l.config.Enabled {
		return nil
	}

	close(l.done)
	l.wg.Wait()

	if l.output != os.Stdout && l.output != os.Stderr {
		return l.output.Close()
	}
	return nil
}

// Log records one audit event.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if !l.config.Enabled {
		return
	}
	if l.config.SampleRate < 1.0 && rand.Float64() > l.config.SampleRate {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.GetTraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.GetSpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		l.writeEvent(event)
	}
}

// MessageReceived records an inbound message entering the pipeline.
func (l *Logger) MessageReceived(ctx context.Context, tenantID, sessionID string, msg *models.Message) {
	details := map[string]any{
		"message_id": msg.ID,
		"contact":    hashString(msg.ContactID),
	}
	if l.config.IncludeContent && msg.Content != "" {
		details["content"] = l.truncate(msg.Content)
	} else if msg.Content != "" {
		details["content_hash"] = hashString(msg.Content)
	}
	if len(msg.Attachments) > 0 {
		details["attachments"] = len(msg.Attachments)
	}

	l.Log(ctx, &Event{
		Type:      EventMessageReceived,
		Level:     LevelInfo,
		TenantID:  tenantID,
		SessionID: sessionID,
		Channel:   string(msg.Channel),
		Action:    "message_received",
		Details:   details,
	})
}

// RunCompleted records the outcome of one pipeline run.
func (l *Logger) RunCompleted(ctx context.Context, tenantID, sessionID, runID, status string, creditsUsed int, duration time.Duration) {
	level := LevelInfo
	if status == "failed" {
		level = LevelWarn
	}
	l.Log(ctx, &Event{
		Type:      EventRunCompleted,
		Level:     level,
		TenantID:  tenantID,
		SessionID: sessionID,
		RunID:     runID,
		Action:    "run_completed",
		Details:   map[string]any{"status": status, "credits_used": creditsUsed},
		Duration:  duration,
	})
}

// ToolProposed records a model tool call entering the governor.
func (l *Logger) ToolProposed(ctx context.Context, tenantID, runID, toolName, toolCallID string, params json.RawMessage, disposition string) {
	details := map[string]any{"disposition": disposition}
	if l.config.IncludeToolInput && params != nil {
		details["params"] = l.truncate(string(params))
	} else if params != nil {
		details["params_hash"] = hashString(string(params))
	}

	l.Log(ctx, &Event{
		Type:       EventToolProposed,
		Level:      LevelInfo,
		TenantID:   tenantID,
		RunID:      runID,
		ToolName:   toolName,
		ToolCallID: toolCallID,
		Action:     "tool_proposed",
		Details:    details,
	})
}

// ToolDecided records a human approval or rejection.
func (l *Logger) ToolDecided(ctx context.Context, tenantID, executionID, toolName, decision, reviewer string) {
	l.Log(ctx, &Event{
		Type:     EventToolDecided,
		Level:    LevelInfo,
		TenantID: tenantID,
		ToolName: toolName,
		Action:   "tool_decided",
		Details: map[string]any{
			"execution_id": executionID,
			"decision":     decision,
			"reviewer":     reviewer,
		},
	})
}

// ToolExecuted records a tool execution result.
func (l *Logger) ToolExecuted(ctx context.Context, tenantID, executionID, toolName string, success bool, output string, duration time.Duration) {
	level := LevelInfo
	if !success {
		level = LevelWarn
	}

	details := map[string]any{
		"execution_id": executionID,
		"success":      success,
	}
	if l.config.IncludeToolOutput && output != "" {
		details["output"] = l.truncate(output)
	} else if output != "" {
		details["output_size"] = len(output)
	}

	l.Log(ctx, &Event{
		Type:     EventToolExecuted,
		Level:    level,
		TenantID: tenantID,
		ToolName: toolName,
		Action:   "tool_executed",
		Details:  details,
		Duration: duration,
	})
}

// CreditsConsumed records a ledger draw.
func (l *Logger) CreditsConsumed(ctx context.Context, tenantID, runID, reason string, cost int, draws map[string]int) {
	details := map[string]any{"cost": cost, "reason": reason}
	for bucket, amount := range draws {
		details["draw_"+bucket] = amount
	}
	l.Log(ctx, &Event{
		Type:     EventCreditsConsumed,
		Level:    LevelInfo,
		TenantID: tenantID,
		RunID:    runID,
		Action:   "credits_consumed",
		Details:  details,
	})
}

// IdentityLinked records a contact being bound to a tenant. The external
// identifier is always hashed.
func (l *Logger) IdentityLinked(ctx context.Context, tenantID, channel, externalID, method string) {
	l.Log(ctx, &Event{
		Type:     EventIdentityLinked,
		Level:    LevelInfo,
		TenantID: tenantID,
		Channel:  channel,
		Action:   "identity_linked",
		Details: map[string]any{
			"external_id_hash": hashString(externalID),
			"method":           method,
		},
	})
}

// DeliveryFailed records an outbound delivery failure.
func (l *Logger) DeliveryFailed(ctx context.Context, tenantID, channel, via, errMsg string) {
	l.Log(ctx, &Event{
		Type:     EventDeliveryFailed,
		Level:    LevelError,
		TenantID: tenantID,
		Channel:  channel,
		Action:   "delivery_failed",
		Error:    errMsg,
		Details:  map[string]any{"via": via},
	})
}

// writeLoop processes buffered events until Close.
func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

// writeEvent flattens one event into slog attributes.
func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	if event.TenantID != "" {
		attrs = append(attrs, "tenant_id", event.TenantID)
	}
	if event.SessionID != "" {
		attrs = append(attrs, "session_id", event.SessionID)
	}
	if event.RunID != "" {
		attrs = append(attrs, "run_id", event.RunID)
	}
	if event.AgentID != "" {
		attrs = append(attrs, "agent_id", event.AgentID)
	}
	if event.Channel != "" {
		attrs = append(attrs, "channel", event.Channel)
	}
	if event.ToolName != "" {
		attrs = append(attrs, "tool_name", event.ToolName)
	}
	if event.ToolCallID != "" {
		attrs = append(attrs, "tool_call_id", event.ToolCallID)
	}
	if event.TraceID != "" {
		attrs = append(attrs, "trace_id", event.TraceID)
	}
	if event.SpanID != "" {
		attrs = append(attrs, "span_id", event.SpanID)
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	if event.Error != "" {
		attrs = append(attrs, "error", event.Error)
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.config.Level]
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (l *Logger) truncate(s string) string {
	if len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

// hashString returns the first 16 hex chars of the SHA256 of s.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
