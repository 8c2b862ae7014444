package model_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/internal/model"
	"github.com/turnpipe/turnpipe/internal/model/providers"
)

var intentSchema = json.RawMessage(`{
	"type": "object",
	"required": ["intent", "confidence"],
	"properties": {
		"intent": {"type": "string"},
		"confidence": {"type": "number"}
	}
}`)

func TestValidatingClient_PassesValidOutputThrough(t *testing.T) {
	mock := providers.NewMockClient().WithResponse(`{"intent":"greeting","confidence":0.95}`)
	vc := model.NewValidatingClient(mock, model.NewJSONSchemaValidator())

	out, err := vc.Generate(context.Background(), model.Prompt{JSONSchema: intentSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"greeting","confidence":0.95}`, string(out))
	assert.Equal(t, 1, mock.CallCount())
}

func TestValidatingClient_RetriesOnceOnSchemaFailure(t *testing.T) {
	mock := providers.NewMockClient().
		WithResponse(`{"intent":"greeting"}`). // missing confidence
		WithResponse(`{"intent":"greeting","confidence":0.9}`)
	vc := model.NewValidatingClient(mock, model.NewJSONSchemaValidator())

	out, err := vc.Generate(context.Background(), model.Prompt{JSONSchema: intentSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"greeting","confidence":0.9}`, string(out))
	assert.Equal(t, 2, mock.CallCount())
}

func TestValidatingClient_TwoConsecutiveFailuresSurfaceSchemaInvalid(t *testing.T) {
	mock := providers.NewMockClient().
		WithResponse(`{"intent":"greeting"}`).
		WithResponse(`{"intent":"greeting"}`)
	vc := model.NewValidatingClient(mock, model.NewJSONSchemaValidator())

	_, err := vc.Generate(context.Background(), model.Prompt{JSONSchema: intentSchema})
	require.Error(t, err)
	var schemaErr *model.SchemaInvalidError
	assert.ErrorAs(t, err, &schemaErr)
}

func TestValidatingClient_TransportErrorCountsAsAttempt(t *testing.T) {
	mock := providers.NewMockClient().
		WithError(errors.New("connection reset")).
		WithResponse(`{"intent":"greeting","confidence":0.9}`)
	vc := model.NewValidatingClient(mock, model.NewJSONSchemaValidator())

	out, err := vc.Generate(context.Background(), model.Prompt{JSONSchema: intentSchema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"greeting","confidence":0.9}`, string(out))
}

func TestValidatingClient_NoSchemaSkipsValidation(t *testing.T) {
	mock := providers.NewMockClient().WithResponse(`not even valid json schema target, but no schema given`)
	vc := model.NewValidatingClient(mock, model.NewJSONSchemaValidator())

	out, err := vc.Generate(context.Background(), model.Prompt{})
	require.NoError(t, err)
	assert.Equal(t, "not even valid json schema target, but no schema given", string(out))
}

func TestJSONSchemaValidator_RejectsWrongType(t *testing.T) {
	v := model.NewJSONSchemaValidator()
	err := v.Validate(intentSchema, json.RawMessage(`{"intent":"greeting","confidence":"high"}`))
	assert.Error(t, err)
}

func TestJSONSchemaValidator_AcceptsMatchingDocument(t *testing.T) {
	v := model.NewJSONSchemaValidator()
	err := v.Validate(intentSchema, json.RawMessage(`{"intent":"book","confidence":0.8}`))
	assert.NoError(t, err)
}
