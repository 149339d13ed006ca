package llm

import (
	"encoding/json"
	"strings"
)

var emptyObject = json.RawMessage(`{}`)

// NormalizeArgs coerces a model-emitted tool argument payload into a JSON
// object. Models occasionally hand back "undefined", "null", a bare scalar,
// or nothing at all; those become an empty object so the proposal survives
// intact. If the tool genuinely needs parameters, schema validation rejects
// the empty object at execution time and the run is recorded as failed.
func NormalizeArgs(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	switch trimmed {
	case "", "null", "undefined":
		return emptyObject
	}

	// Tool arguments must be a JSON object. Arrays, scalars, and fragments
	// are all treated as malformed.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &probe); err != nil {
		return emptyObject
	}

	return json.RawMessage(trimmed)
}
