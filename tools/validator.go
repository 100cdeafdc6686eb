package tools

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaValidator validates tool arguments against their JSON schemas,
// compiling each tool's schema once.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*gojsonschema.Schema
}

// NewSchemaValidator creates an empty validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{
		cache: make(map[string]*gojsonschema.Schema),
	}
}

// ValidateArgs checks args against tool's schema.
func (sv *SchemaValidator) ValidateArgs(tool *Tool, args map[string]any) error {
	schema, err := sv.schema(tool)
	if err != nil {
		return fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return &ValidationError{Tool: tool.Name, Detail: err.Error()}
	}
	if !result.Valid() {
		details := make([]string, len(result.Errors()))
		for i, desc := range result.Errors() {
			details[i] = desc.String()
		}
		return &ValidationError{Tool: tool.Name, Detail: strings.Join(details, "; ")}
	}
	return nil
}

func (sv *SchemaValidator) schema(tool *Tool) (*gojsonschema.Schema, error) {
	sv.mu.Lock()
	defer sv.mu.Unlock()

	if s, ok := sv.cache[tool.Name]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(tool.Schema))
	if err != nil {
		return nil, err
	}
	sv.cache[tool.Name] = s
	return s, nil
}
