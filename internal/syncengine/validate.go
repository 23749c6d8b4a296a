package syncengine

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/tenantsync/internal/entities"
)

const schemaBaseURL = "https://tenantsync.local/entities/"

// validator checks entity values against the schemas of the registry.
type validator struct {
	schemas map[string]*jsonschema.Schema
}

func newValidator(registry *entities.Registry) (*validator, error) {
	v := &validator{schemas: map[string]*jsonschema.Schema{}}
	compiler := jsonschema.NewCompiler()
	var keys []string
	for _, key := range registry.Keys() {
		spec, _ := registry.Lookup(key)
		if strings.TrimSpace(spec.Schema) == "" {
			continue
		}
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(spec.Schema))
		if err != nil {
			return nil, fmt.Errorf("parse schema for %s: %w", key, err)
		}
		if err := compiler.AddResource(schemaBaseURL+key+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema for %s: %w", key, err)
		}
		keys = append(keys, key)
	}
	for _, key := range keys {
		schema, err := compiler.Compile(schemaBaseURL + key + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", key, err)
		}
		v.schemas[key] = schema
	}
	return v, nil
}

func (v *validator) Validate(key string, value json.RawMessage) error {
	schema, ok := v.schemas[key]
	if !ok {
		return nil
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(value))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
	}
	return nil
}
