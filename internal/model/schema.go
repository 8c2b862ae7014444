package model

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// JSONSchemaValidator validates provider output against a per-call JSON
// Schema using santhosh-tekuri/jsonschema/v5, the library haasonsaas-nexus
// and goadesign-goa-ai both reach for to validate model output.
type JSONSchemaValidator struct{}

// NewJSONSchemaValidator constructs a stateless validator; each call
// compiles its schema fresh since prompts carry distinct schemas per
// stage (extraction, planning, reply).
func NewJSONSchemaValidator() *JSONSchemaValidator {
	return &JSONSchemaValidator{}
}

// Validate compiles schema and checks data against it.
func (v *JSONSchemaValidator) Validate(schema json.RawMessage, data json.RawMessage) error {
	compiler := jsonschema.NewCompiler()
	const resourceName = "inline.json"
	var schemaDoc interface{}
	if err := json.Unmarshal(schema, &schemaDoc); err != nil {
		return fmt.Errorf("schema: invalid json: %w", err)
	}
	if err := compiler.AddResource(resourceName, schemaDoc); err != nil {
		return fmt.Errorf("schema: add resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return fmt.Errorf("schema: compile: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("schema: invalid output json: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("schema: validation failed: %w", err)
	}
	return nil
}
