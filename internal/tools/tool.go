// Package tools defines the capability surface agents can invoke: the
// Tool interface, the registry that exposes it, and the built-in
// business tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/attachehq/attache/pkg/models"
)

// Tool is one capability an agent can call. Schemas are JSON Schema
// documents the model sees verbatim; ReadOnly marks tools with no side
// effects, the only set draft_only agents may use.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	ReadOnly() bool
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

// Invocation carries the tenant-scoped context for a single tool call.
// Params are the model-proposed arguments, already normalized and
// schema-validated by the caller.
type Invocation struct {
	TenantID  string
	SessionID string
	AgentID   string
	Channel   models.ChannelType
	ContactID string
	Params    json.RawMessage
	Store     *Directory
}

// Result is what a tool returns to the model. Domain failures travel as
// IsError results the model can read and recover from; the error return
// is reserved for infrastructure faults.
type Result struct {
	Content string
	IsError bool
}

func errResult(format string, args ...any) *Result {
	message := fmt.Sprintf(format, args...)
	payload, err := json.Marshal(map[string]string{"error": message})
	if err != nil {
		return &Result{Content: message, IsError: true}
	}
	return &Result{Content: string(payload), IsError: true}
}

func jsonResult(v any) (*Result, error) {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &Result{Content: string(payload)}, nil
}

// schemaFor reflects a JSON schema from a params struct. Fields without
// omitempty are required; descriptions come from jsonschema tags.
func schemaFor(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		Anonymous:      true,
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}
