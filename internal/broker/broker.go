// Package broker implements the Tool Broker (C3): the dispatch core
// that turns one validated Tool Call into exactly one Tool Observation,
// applying retry/backoff, timeouts, idempotency, circuit breaking,
// per-tool concurrency caps, and PII-redacted telemetry.
package broker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/platform/telemetry"
	"github.com/turnpipe/turnpipe/internal/resilience"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// DefaultIdempotencyTTL bounds how long an Observation is replayed for
// an equal request fingerprint before the tool may be invoked again.
const DefaultIdempotencyTTL = 5 * time.Minute

// Broker executes validated Tool Calls against the transport their
// tenant policy names.
type Broker struct {
	transports map[string]Transport
	circuits   *resilience.Registry
	idem       IdempotencyCache
	idemTTL    time.Duration
	instruments *telemetry.Instruments
	logger     logging.Logger

	semMu sync.Mutex
	sems  map[string]*semaphore.Weighted
}

// New constructs a Broker. transports is keyed by ToolPolicy.TransportKind
// ("http", "rpc"). instruments may be nil in tests.
func New(transports map[string]Transport, circuits *resilience.Registry, idem IdempotencyCache, idemTTL time.Duration, instruments *telemetry.Instruments, logger logging.Logger) *Broker {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if idemTTL <= 0 {
		idemTTL = DefaultIdempotencyTTL
	}
	return &Broker{
		transports:  transports,
		circuits:    circuits,
		idem:        idem,
		idemTTL:     idemTTL,
		instruments: instruments,
		logger:      logger,
		sems:        make(map[string]*semaphore.Weighted),
	}
}

// Execute dispatches one planned action, producing exactly one Tool
// Observation. Equal request fingerprints within the idempotency TTL
// replay the original Observation as DUPLICATE without invoking the
// transport again.
func (b *Broker) Execute(ctx context.Context, workspaceID string, spec dialogue.ToolCallSpec, policy tenant.ToolPolicy) dialogue.ToolObservation {
	fingerprint := dialogue.Fingerprint(workspaceID, spec.ToolName, spec.Args)

	if b.idem != nil {
		if cached, ok, err := b.idem.Get(ctx, workspaceID, fingerprint); err == nil && ok {
			obs := *cached
			obs.ResultKind = dialogue.ResultDuplicate
			b.emit(ctx, workspaceID, spec.ToolName, obs, 0)
			return obs
		}
	}

	sem := b.semaphoreFor(workspaceID, spec.ToolName, policy.MaxConcurrent)
	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			return dialogue.ToolObservation{
				ToolName:           spec.ToolName,
				ResultKind:         dialogue.ResultFailure,
				Payload:            map[string]interface{}{"error": "concurrency limit wait cancelled"},
				AttemptCount:       0,
				RequestFingerprint: fingerprint,
			}
		}
		defer sem.Release(1)
	}

	call := dialogue.ToolCall{
		ToolName:       spec.ToolName,
		Args:           spec.Args,
		RequestID:      fingerprint,
		RetrySafe:      policy.RetrySafe,
		Timeout:        policy.Timeout.Milliseconds(),
		MaxRetries:     policy.MaxRetries,
		IdempotencyKey: fingerprint,
	}

	obs := b.dispatch(ctx, workspaceID, call, policy, fingerprint)

	if b.idem != nil && (obs.ResultKind == dialogue.ResultSuccess || obs.ResultKind == dialogue.ResultFailure) {
		_ = b.idem.Set(ctx, workspaceID, fingerprint, obs, b.idemTTL)
	}

	return obs
}

func (b *Broker) dispatch(ctx context.Context, workspaceID string, call dialogue.ToolCall, policy tenant.ToolPolicy, fingerprint string) dialogue.ToolObservation {
	transport, ok := b.transports[policy.TransportKind]
	if !ok {
		return dialogue.ToolObservation{
			ToolName:           call.ToolName,
			ResultKind:         dialogue.ResultFailure,
			Payload:            map[string]interface{}{"error": fmt.Sprintf("no transport configured for kind %q", policy.TransportKind)},
			RequestFingerprint: fingerprint,
		}
	}

	key := resilience.Key{WorkspaceID: workspaceID, ToolName: call.ToolName}
	breaker := b.circuits.Get(key)

	retryPolicy := resilience.RetryPolicy{
		RetrySafe:     policy.RetrySafe,
		MaxRetries:    policy.MaxRetries,
		BaseBackoff:   policy.BaseBackoff,
		BackoffFactor: policy.BackoffFactor,
		MaxBackoff:    policy.MaxBackoff,
	}

	start := time.Now()
	var (
		lastResult  *TransportResult
		attempts    int
		circuitOpen bool
	)

	timeoutCtx := ctx
	var cancel context.CancelFunc
	if policy.Timeout > 0 {
		timeoutCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	err := resilience.Do(timeoutCtx, retryPolicy, func(attemptCtx context.Context, attemptNum int) (resilience.Attempt, error) {
		attempts = attemptNum

		if !breaker.Allow() {
			circuitOpen = true
			return resilience.Attempt{Retryable: false}, fmt.Errorf("circuit open for %s", key.String())
		}

		attemptStart := time.Now()
		result, ierr := transport.Invoke(attemptCtx, call, policy)
		latency := time.Since(attemptStart)

		if ierr != nil {
			breaker.RecordFailure()
			b.emitAttempt(ctx, workspaceID, call.ToolName, string(dialogue.ResultFailure), 0, attemptNum, latency)
			return resilience.Attempt{Retryable: policy.RetrySafe}, ierr
		}

		lastResult = result
		if result.StatusCode >= 400 {
			breaker.RecordFailure()
			retryAfter, have := resilience.RetryAfter(result.RetryAfterHeader, time.Now())
			retryable := policy.RetrySafe && resilience.RetryableStatus(result.StatusCode)
			b.emitAttempt(ctx, workspaceID, call.ToolName, string(dialogue.ResultFailure), result.StatusCode, attemptNum, latency)
			return resilience.Attempt{Retryable: retryable, RetryAfter: retryAfter, HaveRetryAfter: have}, fmt.Errorf("tool %s returned status %d", call.ToolName, result.StatusCode)
		}

		breaker.RecordSuccess()
		b.emitAttempt(ctx, workspaceID, call.ToolName, string(dialogue.ResultSuccess), result.StatusCode, attemptNum, latency)
		return resilience.Attempt{}, nil
	})

	totalLatency := time.Since(start)

	switch {
	case circuitOpen:
		return dialogue.ToolObservation{
			ToolName:           call.ToolName,
			ResultKind:         dialogue.ResultCircuitOpen,
			LatencyMS:          totalLatency.Milliseconds(),
			AttemptCount:       attempts,
			RequestFingerprint: fingerprint,
		}
	case err == nil:
		var statusCode *int
		var payload map[string]interface{}
		if lastResult != nil {
			sc := lastResult.StatusCode
			statusCode = &sc
			payload = lastResult.Payload
		}
		return dialogue.ToolObservation{
			ToolName:           call.ToolName,
			ResultKind:         dialogue.ResultSuccess,
			Payload:            payload,
			StatusCode:         statusCode,
			LatencyMS:          totalLatency.Milliseconds(),
			AttemptCount:       attempts,
			RequestFingerprint: fingerprint,
		}
	case timeoutCtx.Err() != nil:
		return dialogue.ToolObservation{
			ToolName:           call.ToolName,
			ResultKind:         dialogue.ResultTimeout,
			LatencyMS:          totalLatency.Milliseconds(),
			AttemptCount:       attempts,
			RequestFingerprint: fingerprint,
		}
	default:
		var statusCode *int
		if lastResult != nil {
			sc := lastResult.StatusCode
			statusCode = &sc
		}
		payload := map[string]interface{}{"error": err.Error()}
		if lastResult != nil && lastResult.StatusCode == http.StatusRequestEntityTooLarge {
			payload["reason"] = "payload exceeded configured size limit"
		}
		return dialogue.ToolObservation{
			ToolName:           call.ToolName,
			ResultKind:         dialogue.ResultFailure,
			Payload:            payload,
			StatusCode:         statusCode,
			LatencyMS:          totalLatency.Milliseconds(),
			AttemptCount:       attempts,
			RequestFingerprint: fingerprint,
		}
	}
}

func (b *Broker) semaphoreFor(workspaceID, toolName string, maxConcurrent int) *semaphore.Weighted {
	if maxConcurrent <= 0 {
		return nil
	}
	key := workspaceID + "\x00" + toolName

	b.semMu.Lock()
	defer b.semMu.Unlock()
	sem, ok := b.sems[key]
	if !ok {
		sem = semaphore.NewWeighted(int64(maxConcurrent))
		b.sems[key] = sem
	}
	return sem
}

func (b *Broker) emitAttempt(ctx context.Context, workspaceID, toolName, resultKind string, statusCode, attempt int, latency time.Duration) {
	if b.instruments != nil {
		b.instruments.RecordToolCall(ctx, workspaceID, toolName, resultKind, statusCode, attempt, float64(latency.Milliseconds()))
	}
	b.logger.DebugContext(ctx, "tool call attempt", map[string]interface{}{
		"workspace_id": workspaceID,
		"tool_name":    toolName,
		"result_kind":  resultKind,
		"status_code":  statusCode,
		"attempt":      attempt,
		"latency_ms":   latency.Milliseconds(),
	})
}

func (b *Broker) emit(ctx context.Context, workspaceID, toolName string, obs dialogue.ToolObservation, attempt int) {
	if b.instruments != nil {
		b.instruments.RecordToolCall(ctx, workspaceID, toolName, string(obs.ResultKind), 0, attempt, float64(obs.LatencyMS))
	}
}
