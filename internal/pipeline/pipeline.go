// Package pipeline implements the Pipeline Orchestrator (C9): the
// sequencing of Extractor -> Planner -> Policy Engine -> Tool Broker ->
// State Reducer -> Response Generator for one turn, per-conversation
// serialization, turn-deadline propagation, and the staged-to-legacy
// fallback on unhandled failure. Grounded on the teacher framework's
// orchestration package, which sequences its own discovery -> plan ->
// execute stages behind a single entry point the transport layer calls.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/turnpipe/turnpipe/internal/broker"
	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/extractor"
	"github.com/turnpipe/turnpipe/internal/nlg"
	"github.com/turnpipe/turnpipe/internal/planner"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/platform/telemetry"
	"github.com/turnpipe/turnpipe/internal/policy"
	"github.com/turnpipe/turnpipe/internal/reducer"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// safeDefaultReplyText is returned whenever the turn cannot form a real
// reply: a deadline was hit before the Response Generator ran, or an
// unhandled failure forced the legacy fallback.
const safeDefaultReplyText = "estamos teniendo demoras, ¿querés que te contactemos?"

// DefaultTurnDeadline is the total latency budget for one turn absent an
// explicit override.
const DefaultTurnDeadline = 2000 * time.Millisecond

// Pipeline wires every stage component behind one RunTurn entry point.
// None of the fields are package-global: the transport layer constructs
// and owns one Pipeline per process, injecting the idempotency cache,
// circuit-breaker registry, and tenant cache it has already built.
type Pipeline struct {
	extractor *extractor.Extractor
	planner   *planner.Planner
	policy    *policy.Engine
	broker    *broker.Broker
	nlg       *nlg.Generator

	instruments *telemetry.Instruments
	logger      logging.Logger

	turnDeadline        time.Duration
	confidenceThreshold float64

	convLocks sync.Map // conversation id -> *sync.Mutex

	inFlight *semaphore.Weighted
}

// Option configures a Pipeline at construction time.
type Option func(*Pipeline)

// WithTurnDeadline overrides the default 2000ms per-turn budget.
func WithTurnDeadline(d time.Duration) Option {
	return func(p *Pipeline) { p.turnDeadline = d }
}

// WithConfidenceThreshold overrides the low_confidence flag's threshold.
func WithConfidenceThreshold(t float64) Option {
	return func(p *Pipeline) { p.confidenceThreshold = t }
}

// WithMaxInFlight bounds how many turns may run their staged pipeline
// concurrently process-wide. A turn that cannot get a slot before its
// turn deadline is shed by short-circuiting to an ASK_HUMAN reply.
func WithMaxInFlight(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.inFlight = semaphore.NewWeighted(int64(n))
		}
	}
}

// New constructs a Pipeline from its stage components.
func New(ex *extractor.Extractor, pl *planner.Planner, pol *policy.Engine, br *broker.Broker, gen *nlg.Generator, instruments *telemetry.Instruments, logger logging.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	p := &Pipeline{
		extractor:           ex,
		planner:             pl,
		policy:              pol,
		broker:              br,
		nlg:                 gen,
		instruments:         instruments,
		logger:              logger,
		turnDeadline:        DefaultTurnDeadline,
		confidenceThreshold: extractor.DefaultConfidenceThreshold,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pipeline) lockFor(conversationID string) *sync.Mutex {
	actual, _ := p.convLocks.LoadOrStore(conversationID, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// RunTurn executes the full staged pipeline for one turn, serialized
// against any other turn for the same conversation id. cfg is the
// tenant configuration already loaded for snapshot.WorkspaceID; passing
// a nil cfg denies every planned action but still produces a
// well-formed reply.
func (p *Pipeline) RunTurn(ctx context.Context, snapshot dialogue.TurnSnapshot, cfg *tenant.WorkspaceConfig) (result dialogue.TurnResult) {
	lock := p.lockFor(snapshot.ConversationID)
	lock.Lock()
	defer lock.Unlock()

	deadline := p.turnDeadline
	if deadline <= 0 {
		deadline = DefaultTurnDeadline
	}
	turnCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if p.inFlight != nil {
		if err := p.inFlight.Acquire(turnCtx, 1); err != nil {
			return p.askHumanResult(snapshot, "broker in-flight capacity exceeded")
		}
		defer p.inFlight.Release(1)
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.ErrorContext(ctx, "pipeline panic, falling back to legacy", map[string]interface{}{
				"workspace_id":    snapshot.WorkspaceID,
				"conversation_id": snapshot.ConversationID,
				"panic":           fmt.Sprintf("%v", r),
			})
			if p.instruments != nil {
				p.instruments.RecordFallback(ctx, "panic")
			}
			result = p.legacyFallback(snapshot, "internal")
		}
	}()

	result = p.runStaged(turnCtx, snapshot, cfg)

	if turnCtx.Err() != nil && result.Reply.MessageText == "" {
		result.Reply = dialogue.Reply{MessageText: safeDefaultReplyText, Tone: "apologetic", SuggestedNextState: dialogue.NextActionAskHuman}
		result.Telemetry.Fallback = true
		result.Telemetry.Route = "LEGACY"
	}

	return result
}

func (p *Pipeline) runStaged(ctx context.Context, snapshot dialogue.TurnSnapshot, cfg *tenant.WorkspaceConfig) dialogue.TurnResult {
	total := time.Now()
	telem := dialogue.TurnTelemetry{Route: "STAGED"}

	extractStart := time.Now()
	extraction := p.extractor.Extract(ctx, snapshot, cfg)
	telem.ExtractMS = time.Since(extractStart).Milliseconds()
	telem.Intent = extraction.Intent
	telem.Confidence = extraction.Confidence
	p.recordStage(ctx, "extract", telem.ExtractMS)

	lowConfidence := extraction.Confidence < p.confidenceThreshold

	planStart := time.Now()
	plan := p.planner.Plan(ctx, extraction, snapshot.State, cfg, snapshot.WorkspaceID)
	telem.PlanMS = time.Since(planStart).Milliseconds()
	p.recordStage(ctx, "plan", telem.PlanMS)

	policyStart := time.Now()
	policyResult := p.policy.Evaluate(snapshot.WorkspaceID, plan, snapshot.State, cfg)
	telem.PolicyMS = time.Since(policyStart).Milliseconds()
	p.recordStage(ctx, "policy", telem.PolicyMS)

	reduceStart := time.Now()
	workingState := reducer.Reduce(snapshot.State, extraction.Slots, nil)
	telem.ReduceMS = time.Since(reduceStart).Milliseconds()

	var observations []dialogue.ToolObservation
	var brokerMS int64
	for _, action := range policyResult.Plan.Actions {
		toolPolicy := cfg.ToolWhitelist[action.ToolName]

		brokerStart := time.Now()
		obs := p.broker.Execute(ctx, snapshot.WorkspaceID, action, toolPolicy)
		brokerMS += time.Since(brokerStart).Milliseconds()
		observations = append(observations, obs)

		reduceStart = time.Now()
		workingState = reducer.Reduce(workingState, dialogue.SlotMap{}, []dialogue.ToolObservation{obs})
		telem.ReduceMS += time.Since(reduceStart).Milliseconds()
	}
	telem.BrokerMS = brokerMS
	if len(policyResult.Plan.Actions) > 0 {
		p.recordStage(ctx, "broker", brokerMS)
	}

	for _, denial := range policyResult.Denials {
		reduceStart = time.Now()
		workingState = reducer.Reduce(workingState, dialogue.SlotMap{}, []dialogue.ToolObservation{{
			ToolName:   denial.ToolName,
			ResultKind: dialogue.ResultDeniedByPolicy,
			Payload:    map[string]interface{}{"reason": denial.Reason},
		}})
		telem.ReduceMS += time.Since(reduceStart).Milliseconds()
	}
	p.recordStage(ctx, "reduce", telem.ReduceMS)

	nlgStart := time.Now()
	reply := p.nlg.Generate(ctx, nlg.Input{
		Intent:            extraction.Intent,
		State:             workingState,
		LowConfidence:     lowConfidence,
		NeedsConfirmation: policyResult.Plan.NeedsConfirmation,
		MissingSlots:      policyResult.Plan.MissingSlots,
		Denials:           policyResult.Denials,
	}, cfg)
	telem.NLGMS = time.Since(nlgStart).Milliseconds()
	p.recordStage(ctx, "nlg", telem.NLGMS)

	telem.TotalMS = time.Since(total).Milliseconds()

	return dialogue.TurnResult{
		Reply:            reply,
		ToolObservations: observations,
		StatePatch:       diffState(snapshot.State, workingState, cfg),
		Telemetry:        telem,
	}
}

// legacyFallback produces the degraded response the error-handling
// design mandates when the staged path cannot complete: a well-formed
// envelope with a user-safe reply and telemetry.fallback=true.
func (p *Pipeline) legacyFallback(snapshot dialogue.TurnSnapshot, reason string) dialogue.TurnResult {
	if p.instruments != nil {
		p.instruments.RecordFallback(context.Background(), reason)
	}
	return dialogue.TurnResult{
		Reply: dialogue.Reply{
			MessageText:        safeDefaultReplyText,
			Tone:               "apologetic",
			SuggestedNextState: dialogue.NextActionAskHuman,
		},
		Telemetry: dialogue.TurnTelemetry{
			Route:    "LEGACY",
			Fallback: true,
			Intent:   snapshot.State.Intent,
		},
	}
}

// askHumanResult is the backpressure response: the broker-wide in-flight
// cap was exceeded, so the turn is shed to a human-handoff reply rather
// than queued past the turn deadline.
func (p *Pipeline) askHumanResult(snapshot dialogue.TurnSnapshot, reason string) dialogue.TurnResult {
	p.logger.Warn("shedding turn load", map[string]interface{}{
		"workspace_id":    snapshot.WorkspaceID,
		"conversation_id": snapshot.ConversationID,
		"reason":          reason,
	})
	return dialogue.TurnResult{
		Reply: dialogue.Reply{
			MessageText:        safeDefaultReplyText,
			Tone:               "apologetic",
			SuggestedNextState: dialogue.NextActionAskHuman,
		},
		Telemetry: dialogue.TurnTelemetry{
			Route:    "STAGED",
			Fallback: false,
			Intent:   snapshot.State.Intent,
		},
	}
}

func (p *Pipeline) recordStage(ctx context.Context, stage string, ms int64) {
	if p.instruments != nil {
		p.instruments.RecordStage(ctx, stage, float64(ms), "ok")
	}
}

// diffState computes the StatePatch between a turn's snapshot state and
// its final working state: changed or newly populated slots, slots that
// disappeared entirely, and any cache invalidation keys a tool
// observation's payload requested. Per spec.md §4.6, `_`-prefixed
// derived/ephemeral slots are excluded from the tenant-visible patch
// unless the tenant's slot schema explicitly declares a slot with that
// name; WithoutEphemeral keys that decision off cfg.SlotSchema.DeclaredEphemeral.
func diffState(before, after dialogue.DialogueState, cfg *tenant.WorkspaceConfig) dialogue.StatePatch {
	patch := dialogue.StatePatch{Slots: dialogue.SlotMap{}}

	var declaredEphemeral map[string]bool
	if cfg != nil {
		declaredEphemeral = cfg.SlotSchema.DeclaredEphemeral
	}

	changed := dialogue.SlotMap{}
	for k, v := range after.Slots {
		prior, existed := before.Slots[k]
		if !existed || string(prior.CanonicalJSON()) != string(v.CanonicalJSON()) {
			changed[k] = v
		}
	}
	patch.Slots = changed.WithoutEphemeral(declaredEphemeral)

	for k := range before.Slots {
		if _, stillPresent := after.Slots[k]; !stillPresent {
			if len(k) > 0 && k[0] == '_' && !declaredEphemeral[k] {
				continue
			}
			patch.SlotsToRemove = append(patch.SlotsToRemove, k)
		}
	}

	for _, obs := range after.History {
		if obs.Payload == nil {
			continue
		}
		raw, ok := obs.Payload["_cache_invalidation_keys"]
		if !ok {
			continue
		}
		items, ok := raw.([]interface{})
		if !ok {
			continue
		}
		for _, item := range items {
			if s, isString := item.(string); isString {
				patch.CacheInvalidationKeys = append(patch.CacheInvalidationKeys, s)
			}
		}
	}

	return patch
}
