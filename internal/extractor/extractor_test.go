package extractor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/extractor"
	"github.com/turnpipe/turnpipe/internal/model/providers"
)

func snapshot(text string) dialogue.TurnSnapshot {
	return dialogue.TurnSnapshot{
		WorkspaceID:    "ws-barbershop-1",
		ConversationID: "conv-1",
		RequestID:      "req-1",
		UtteranceText:  text,
		State:          dialogue.NewDialogueState(),
		Now:            time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestExtract_ParsesModelOutput(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"intent":"book","slots":{"service_type":"corte"},"confidence":0.92}`)
	e := extractor.New(client, nil)

	result := e.Extract(context.Background(), snapshot("quiero un turno para corte"), nil)

	assert.Equal(t, dialogue.IntentBook, result.Intent)
	assert.Equal(t, 0.92, result.Confidence)
	v, ok := result.Slots["service_type"].AsString()
	require.True(t, ok)
	assert.Equal(t, "corte", v)
}

func TestExtract_TransportErrorFallsBackToHeuristic(t *testing.T) {
	client := providers.NewMockClient().WithError(errors.New("boom"))
	e := extractor.New(client, nil)

	result := e.Extract(context.Background(), snapshot("hola"), nil)

	assert.Equal(t, dialogue.IntentGreeting, result.Intent)
	assert.Equal(t, 0.6, result.Confidence)
}

func TestExtract_UnparsableOutputFallsBackToHeuristic(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`not json`)
	e := extractor.New(client, nil)

	result := e.Extract(context.Background(), snapshot("quiero cancelar"), nil)

	assert.Equal(t, dialogue.IntentCancel, result.Intent)
	assert.Equal(t, 0.5, result.Confidence)
}

func TestExtract_NoClientUsesHeuristic(t *testing.T) {
	e := extractor.New(nil, nil)

	result := e.Extract(context.Background(), snapshot("hola"), nil)

	assert.Equal(t, dialogue.IntentGreeting, result.Intent)
}

func TestExtract_HeuristicDefaultsToOtherForUnmatchedText(t *testing.T) {
	client := providers.NewMockClient().WithError(errors.New("boom"))
	e := extractor.New(client, nil)

	result := e.Extract(context.Background(), snapshot("xyz abc 123"), nil)

	assert.Equal(t, dialogue.IntentOther, result.Intent)
	assert.Equal(t, 0.5, result.Confidence)
	assert.Empty(t, result.Slots)
}

func TestExtract_ModelOutputRelativeDateIsNormalized(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"intent":"book","slots":{"preferred_date":"mañana"},"confidence":0.9}`)
	e := extractor.New(client, nil)

	// now=2026-08-01 per snapshot(), so "mañana" resolves to 2026-08-02.
	result := e.Extract(context.Background(), snapshot("quiero un turno para mañana"), nil)

	v, ok := result.Slots["preferred_date"].AsString()
	require.True(t, ok)
	assert.Equal(t, "2026-08-02", v)
}

func TestExtract_ModelOutputPasadoMananaIsNotConfusedWithManana(t *testing.T) {
	client := providers.NewMockClient().WithResponse(`{"intent":"book","slots":{"preferred_date":"pasado mañana"},"confidence":0.9}`)
	e := extractor.New(client, nil)

	result := e.Extract(context.Background(), snapshot("turno para pasado mañana"), nil)

	v, ok := result.Slots["preferred_date"].AsString()
	require.True(t, ok)
	assert.Equal(t, "2026-08-03", v)
}

func TestExtract_HeuristicFallbackExtractsRelativeDate(t *testing.T) {
	client := providers.NewMockClient().WithError(errors.New("boom"))
	e := extractor.New(client, nil)

	result := e.Extract(context.Background(), snapshot("quiero un turno para mañana"), nil)

	assert.Equal(t, dialogue.IntentBook, result.Intent)
	v, ok := result.Slots["preferred_date"].AsString()
	require.True(t, ok)
	assert.Equal(t, "2026-08-02", v)
}

func TestExtract_HeuristicFallbackExtractsRelativeHours(t *testing.T) {
	client := providers.NewMockClient().WithError(errors.New("boom"))
	e := extractor.New(client, nil)

	result := e.Extract(context.Background(), snapshot("los espero en 2 horas"), nil)

	v, ok := result.Slots["preferred_time"].AsString()
	require.True(t, ok)
	assert.Equal(t, "2026-08-01T12:00:00Z", v)
}
