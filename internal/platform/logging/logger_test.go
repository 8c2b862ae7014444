package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", Level: "info", Output: &buf, Service: "turnpipe", Component: "broker"})

	l.Info("tool invoked", map[string]interface{}{"tool_name": "book_appointment"})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "tool invoked", entry["message"])
	assert.Equal(t, "broker", entry["component"])
	assert.Equal(t, "book_appointment", entry["tool_name"])
}

func TestStructuredLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", Level: "warn", Output: &buf})

	l.Debug("should not appear", nil)
	l.Info("should not appear either", nil)
	assert.Empty(t, buf.String())

	l.Warn("this one counts", nil)
	assert.Contains(t, buf.String(), "this one counts")
}

func TestStructuredLogger_With(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", Output: &buf, Component: "pipeline"})
	child := l.With("extractor")

	child.Info("extracted slots", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "pipeline/extractor", entry["component"])
}

func TestStructuredLogger_TraceFieldsPropagate(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "json", Output: &buf})
	ctx := TraceFields(context.Background(), map[string]string{"conversation_id": "conv-1"})

	l.InfoContext(ctx, "turn started", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "conv-1", entry["trace.conversation_id"])
}

func TestStructuredLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Format: "text", Output: &buf, Component: "canary"})

	l.Warn("bucket computed", map[string]interface{}{"bucket": 42})

	line := buf.String()
	assert.True(t, strings.Contains(line, "[WARN]"))
	assert.True(t, strings.Contains(line, "bucket=42"))
}

func TestNoOpLogger_DoesNotPanic(t *testing.T) {
	var l Logger = NoOpLogger{}
	l.Info("anything", map[string]interface{}{"x": 1})
	l.With("child").Error("still fine", nil)
}
