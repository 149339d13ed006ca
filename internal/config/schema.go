package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema describing attache.yaml, reflected
// from the Config struct. The reflector reads yaml tags so the schema
// matches what Load actually decodes.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{FieldNameTag: "yaml"}
		schemaJSON, schemaErr = json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	})
	return schemaJSON, schemaErr
}
