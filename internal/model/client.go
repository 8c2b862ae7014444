// Package model defines the Model Client contract (C1): schema-constrained
// JSON generation from a prompt, grounded on the teacher framework's
// ai.AIClient interface and its provider set (ai/providers/bedrock,
// ai/client.go's OpenAIClient), re-specialized so every call returns a
// schema-validated json.RawMessage instead of free text.
package model

import (
	"context"
	"encoding/json"
	"time"
)

// Prompt bundles everything a provider needs for one schema-constrained
// generation call, matching the external interface's model runtime
// collaborator contract: {prompt, json_schema, temperature, max_tokens}.
type Prompt struct {
	Text        string
	SystemText  string
	JSONSchema  json.RawMessage
	Temperature float32
	MaxTokens   int
	Timeout     time.Duration
}

// Client is the interface every pipeline stage calls through; concrete
// providers (bedrock, openai, mock) implement it.
type Client interface {
	Generate(ctx context.Context, prompt Prompt) (json.RawMessage, error)
}

// Validator checks a provider's raw output against Prompt.JSONSchema.
type Validator interface {
	Validate(schema json.RawMessage, data json.RawMessage) error
}

// ValidatingClient wraps an underlying Client and enforces the
// documented two-strikes rule: a provider call is retried once after a
// transport error or schema failure, and only surfaces a
// *SchemaInvalidError to the caller after a second consecutive failed
// attempt, letting the caller's own heuristic or template fallback take
// over.
type ValidatingClient struct {
	inner     Client
	validator Validator
}

// NewValidatingClient wraps inner with schema validation via validator.
func NewValidatingClient(inner Client, validator Validator) *ValidatingClient {
	return &ValidatingClient{inner: inner, validator: validator}
}

// Generate calls the wrapped client, validating output against
// prompt.JSONSchema and retrying once before surfacing a
// *SchemaInvalidError.
func (v *ValidatingClient) Generate(ctx context.Context, prompt Prompt) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		out, err := v.inner.Generate(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		if len(prompt.JSONSchema) == 0 {
			return out, nil
		}
		if err := v.validator.Validate(prompt.JSONSchema, out); err != nil {
			lastErr = err
			continue
		}
		return out, nil
	}
	return nil, &SchemaInvalidError{Cause: lastErr}
}

// SchemaInvalidError is returned after two consecutive failed attempts
// against the underlying provider, whether each failed on transport or
// on schema validation; Cause is the last attempt's error.
type SchemaInvalidError struct {
	Cause error
}

func (e *SchemaInvalidError) Error() string {
	if e.Cause == nil {
		return "model output failed schema validation"
	}
	return "model output failed schema validation: " + e.Cause.Error()
}

func (e *SchemaInvalidError) Unwrap() error { return e.Cause }
