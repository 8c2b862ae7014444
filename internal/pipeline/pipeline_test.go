package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/internal/broker"
	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/extractor"
	"github.com/turnpipe/turnpipe/internal/nlg"
	"github.com/turnpipe/turnpipe/internal/pipeline"
	"github.com/turnpipe/turnpipe/internal/planner"
	"github.com/turnpipe/turnpipe/internal/policy"
	"github.com/turnpipe/turnpipe/internal/resilience"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

func barbershopConfig() *tenant.WorkspaceConfig {
	return &tenant.WorkspaceConfig{
		WorkspaceID: "ws-1",
		Vertical:    "barbershop",
		ToolWhitelist: map[string]tenant.ToolPolicy{
			"get_services": {
				ToolName:      "get_services",
				Enabled:       true,
				TransportKind: "rpc",
				RetrySafe:     true,
				MaxRetries:    1,
				BaseBackoff:   time.Millisecond,
				BackoffFactor: 2,
				MaxBackoff:    10 * time.Millisecond,
				Timeout:       time.Second,
			},
			"book_appointment": {
				ToolName:      "book_appointment",
				Enabled:       true,
				TransportKind: "rpc",
				RetrySafe:     true,
				MaxRetries:    1,
				BaseBackoff:   time.Millisecond,
				BackoffFactor: 2,
				MaxBackoff:    10 * time.Millisecond,
				Timeout:       time.Second,
				RequiredArgs:  []string{"service_type"},
			},
		},
	}
}

func newTestPipeline(t *testing.T, rpc *broker.RPCTransport, fallback []planner.FallbackEntry, opts ...pipeline.Option) *pipeline.Pipeline {
	t.Helper()
	ex := extractor.New(nil, nil)
	pl := planner.New(nil, nil, fallback)
	pol := policy.New(func() time.Time { return time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC) })
	idem := broker.NewInMemoryIdempotencyCache()
	circuits := resilience.NewRegistry(resilience.DefaultConfig())
	br := broker.New(map[string]broker.Transport{"rpc": rpc}, circuits, idem, 0, nil, nil)
	gen := nlg.New(nil, nil)
	return pipeline.New(ex, pl, pol, br, gen, nil, nil, opts...)
}

func baseSnapshot() dialogue.TurnSnapshot {
	return dialogue.TurnSnapshot{
		WorkspaceID:    "ws-1",
		ConversationID: "conv-1",
		RequestID:      "req-1",
		Channel:        dialogue.ChannelWhatsApp,
		UtteranceText:  "quiero info",
		State:          dialogue.NewDialogueState(),
		Now:            time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestRunTurn_ProducesWellFormedReplyWithNoTenantConfig(t *testing.T) {
	rpc := broker.NewRPCTransport()
	p := newTestPipeline(t, rpc, nil)

	result := p.RunTurn(context.Background(), baseSnapshot(), nil)

	assert.NotEmpty(t, result.Reply.MessageText)
	assert.LessOrEqual(t, len(result.Reply.MessageText), dialogue.MaxReplyLength)
}

func TestRunTurn_ExecutesToolAndFoldsObservationIntoPatch(t *testing.T) {
	rpc := broker.NewRPCTransport()
	rpc.Register("get_services", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"services": []interface{}{"corte", "barba"}}, nil
	})
	fallback := []planner.FallbackEntry{
		{Intent: dialogue.IntentOther, SlotSet: nil, ToolName: "get_services"},
	}
	p := newTestPipeline(t, rpc, fallback)

	snapshot := baseSnapshot()
	snapshot.UtteranceText = "que servicios tienen"

	result := p.RunTurn(context.Background(), snapshot, barbershopConfig())

	require.Len(t, result.ToolObservations, 1)
	assert.Equal(t, dialogue.ResultSuccess, result.ToolObservations[0].ResultKind)
	services, ok := result.ToolObservations[0].Payload["services"].([]interface{})
	require.True(t, ok)
	assert.Len(t, services, 2)

	// `_`-prefixed derived slots are excluded from the tenant-visible
	// patch per spec.md §4.6.
	_, leaked := result.StatePatch.Slots["_available_services"]
	assert.False(t, leaked)
}

func TestRunTurn_DeclaredEphemeralSlotSurvivesInPatch(t *testing.T) {
	rpc := broker.NewRPCTransport()
	rpc.Register("get_services", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"services": []interface{}{"corte", "barba"}}, nil
	})
	fallback := []planner.FallbackEntry{
		{Intent: dialogue.IntentOther, SlotSet: nil, ToolName: "get_services"},
	}
	p := newTestPipeline(t, rpc, fallback)

	cfg := barbershopConfig()
	cfg.SlotSchema.DeclaredEphemeral = map[string]bool{"_available_services": true}

	snapshot := baseSnapshot()
	snapshot.UtteranceText = "que servicios tienen"

	result := p.RunTurn(context.Background(), snapshot, cfg)

	list, ok := result.StatePatch.Slots["_available_services"].AsList()
	require.True(t, ok)
	assert.Len(t, list, 2)
}

func TestRunTurn_DeniedActionStillProducesWellFormedReply(t *testing.T) {
	rpc := broker.NewRPCTransport()
	fallback := []planner.FallbackEntry{
		{Intent: dialogue.IntentOther, SlotSet: nil, ToolName: "book_appointment"},
	}
	p := newTestPipeline(t, rpc, fallback)

	result := p.RunTurn(context.Background(), baseSnapshot(), barbershopConfig())

	assert.Empty(t, result.ToolObservations)
	assert.NotEmpty(t, result.Reply.MessageText)

	// `_`-prefixed derived slots (here, the denial trail) are excluded
	// from the tenant-visible patch per spec.md §4.6.
	_, leaked := result.StatePatch.Slots["_validation_errors"]
	assert.False(t, leaked)
}

func TestRunTurn_SheddsLoadWhenInFlightCapExceeded(t *testing.T) {
	rpc := broker.NewRPCTransport()
	block := make(chan struct{})
	rpc.Register("get_services", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		<-block
		return map[string]interface{}{}, nil
	})
	fallback := []planner.FallbackEntry{
		{Intent: dialogue.IntentOther, SlotSet: nil, ToolName: "get_services"},
	}
	p := newTestPipeline(t, rpc, fallback, pipeline.WithMaxInFlight(1), pipeline.WithTurnDeadline(200*time.Millisecond))

	done := make(chan dialogue.TurnResult, 1)
	go func() {
		s := baseSnapshot()
		s.ConversationID = "conv-busy-1"
		done <- p.RunTurn(context.Background(), s, barbershopConfig())
	}()

	time.Sleep(30 * time.Millisecond)

	s2 := baseSnapshot()
	s2.ConversationID = "conv-busy-2"
	shed := p.RunTurn(context.Background(), s2, barbershopConfig())

	assert.Equal(t, dialogue.NextActionAskHuman, shed.Reply.SuggestedNextState)

	close(block)
	<-done
}

func TestRunTurn_SerializesTurnsForSameConversation(t *testing.T) {
	rpc := broker.NewRPCTransport()
	var mu sync.Mutex
	var order []string
	rpc.Register("get_services", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		mu.Lock()
		order = append(order, "start")
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		order = append(order, "end")
		mu.Unlock()
		return map[string]interface{}{}, nil
	})
	fallback := []planner.FallbackEntry{
		{Intent: dialogue.IntentOther, SlotSet: nil, ToolName: "get_services"},
	}
	p := newTestPipeline(t, rpc, fallback)

	var wg sync.WaitGroup
	wg.Add(2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			defer wg.Done()
			s := baseSnapshot()
			s.RequestID = fmt.Sprintf("req-%d", i)
			// A distinct workspace per turn gives each get_services call its
			// own request fingerprint, so the broker's idempotency cache does
			// not replay the first turn's result instead of invoking the
			// handler; the per-conversation lock is keyed by conversation id
			// alone, so both turns still share it.
			s.WorkspaceID = fmt.Sprintf("ws-%d", i)
			p.RunTurn(context.Background(), s, barbershopConfig())
		}(i)
	}
	wg.Wait()

	require.Len(t, order, 4)
	assert.Equal(t, []string{"start", "end", "start", "end"}, order)
}
