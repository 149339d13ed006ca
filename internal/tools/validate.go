package tools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidateParams checks proposed call params against the tool's schema.
// Validation failures are the caller's signal to record the execution as
// failed rather than run it.
func ValidateParams(tool Tool, params json.RawMessage) error {
	schema, err := compileSchema(tool.Schema())
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", tool.Name(), err)
	}

	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("params for %s are not valid JSON: %w", tool.Name(), err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("params for %s: %w", tool.Name(), err)
	}
	return nil
}

var schemaCache sync.Map

func compileSchema(schema []byte) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString("tool.schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
