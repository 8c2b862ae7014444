package broker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turnpipe/turnpipe/internal/broker"
	"github.com/turnpipe/turnpipe/internal/dialogue"
	"github.com/turnpipe/turnpipe/internal/resilience"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

func rpcPolicy(overrides func(*tenant.ToolPolicy)) tenant.ToolPolicy {
	p := tenant.ToolPolicy{
		ToolName:      "book_appointment",
		Enabled:       true,
		TransportKind: "rpc",
		RetrySafe:     true,
		MaxRetries:    2,
		BaseBackoff:   time.Millisecond,
		BackoffFactor: 2,
		MaxBackoff:    10 * time.Millisecond,
		Timeout:       2 * time.Second,
	}
	if overrides != nil {
		overrides(&p)
	}
	return p
}

func newBroker(t *testing.T, rpc *broker.RPCTransport, circuitCfg resilience.Config) *broker.Broker {
	t.Helper()
	transports := map[string]broker.Transport{"rpc": rpc}
	return broker.New(transports, resilience.NewRegistry(circuitCfg), broker.NewInMemoryIdempotencyCache(), time.Minute, nil, nil)
}

func TestExecute_SuccessViaRPCTransport(t *testing.T) {
	rpc := broker.NewRPCTransport()
	rpc.Register("book_appointment", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"booking_id": "bk-1"}, nil
	})
	b := newBroker(t, rpc, resilience.DefaultConfig())

	obs := b.Execute(context.Background(), "ws-1", dialogue.ToolCallSpec{ToolName: "book_appointment", Args: map[string]interface{}{"service": "corte"}}, rpcPolicy(nil))

	assert.Equal(t, dialogue.ResultSuccess, obs.ResultKind)
	assert.Equal(t, "bk-1", obs.Payload["booking_id"])
	assert.NotEmpty(t, obs.RequestFingerprint)
	assert.Equal(t, 1, obs.AttemptCount)
}

func TestExecute_IdenticalFingerprintReplaysAsDuplicate(t *testing.T) {
	calls := 0
	rpc := broker.NewRPCTransport()
	rpc.Register("book_appointment", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		calls++
		return map[string]interface{}{"booking_id": "bk-1"}, nil
	})
	b := newBroker(t, rpc, resilience.DefaultConfig())
	spec := dialogue.ToolCallSpec{ToolName: "book_appointment", Args: map[string]interface{}{"service": "corte"}}

	first := b.Execute(context.Background(), "ws-1", spec, rpcPolicy(nil))
	second := b.Execute(context.Background(), "ws-1", spec, rpcPolicy(nil))

	assert.Equal(t, dialogue.ResultSuccess, first.ResultKind)
	assert.Equal(t, dialogue.ResultDuplicate, second.ResultKind)
	assert.Equal(t, "bk-1", second.Payload["booking_id"])
	assert.Equal(t, 1, calls)
}

func TestExecute_RetriesTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0
	rpc := broker.NewRPCTransport()
	rpc.Register("book_appointment", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient upstream failure")
		}
		return map[string]interface{}{"booking_id": "bk-2"}, nil
	})
	b := newBroker(t, rpc, resilience.DefaultConfig())

	obs := b.Execute(context.Background(), "ws-1", dialogue.ToolCallSpec{ToolName: "book_appointment", Args: map[string]interface{}{"service": "corte"}}, rpcPolicy(nil))

	assert.Equal(t, dialogue.ResultSuccess, obs.ResultKind)
	assert.Equal(t, 3, obs.AttemptCount)
}

func TestExecute_NotRetrySafeFailsOnFirstAttempt(t *testing.T) {
	attempts := 0
	rpc := broker.NewRPCTransport()
	rpc.Register("book_appointment", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		attempts++
		return nil, errors.New("boom")
	})
	b := newBroker(t, rpc, resilience.DefaultConfig())

	obs := b.Execute(context.Background(), "ws-1", dialogue.ToolCallSpec{ToolName: "book_appointment"}, rpcPolicy(func(p *tenant.ToolPolicy) { p.RetrySafe = false }))

	assert.Equal(t, dialogue.ResultFailure, obs.ResultKind)
	assert.Equal(t, 1, attempts)
}

func TestExecute_CircuitOpensAfterThresholdAndShortCircuitsNextCall(t *testing.T) {
	rpc := broker.NewRPCTransport()
	rpc.Register("book_appointment", func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		return nil, errors.New("always fails")
	})
	circuitCfg := resilience.Config{Window: 5, FailureThreshold: 1, Cooldown: time.Minute, HalfOpenMaxCalls: 1}
	b := newBroker(t, rpc, circuitCfg)
	policy := rpcPolicy(func(p *tenant.ToolPolicy) { p.MaxRetries = 0 })

	first := b.Execute(context.Background(), "ws-1", dialogue.ToolCallSpec{ToolName: "book_appointment"}, policy)
	second := b.Execute(context.Background(), "ws-1", dialogue.ToolCallSpec{ToolName: "book_appointment", Args: map[string]interface{}{"distinct": true}}, policy)

	assert.Equal(t, dialogue.ResultFailure, first.ResultKind)
	assert.Equal(t, dialogue.ResultCircuitOpen, second.ResultKind)
}

func TestExecute_OversizedResponseBodyFailsWithoutRetry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 1024)))
	}))
	defer server.Close()

	transports := map[string]broker.Transport{"http": broker.NewHTTPTransport(server.Client(), 16)}
	b := broker.New(transports, resilience.NewRegistry(resilience.DefaultConfig()), broker.NewInMemoryIdempotencyCache(), time.Minute, nil, nil)
	policy := tenant.ToolPolicy{
		ToolName: "get_services", Enabled: true, TransportKind: "http", EndpointURL: server.URL,
		RetrySafe: true, MaxRetries: 2, BaseBackoff: time.Millisecond, BackoffFactor: 2, MaxBackoff: 10 * time.Millisecond,
		Timeout: time.Second,
	}

	obs := b.Execute(context.Background(), "ws-1", dialogue.ToolCallSpec{ToolName: "get_services"}, policy)

	require.Equal(t, dialogue.ResultFailure, obs.ResultKind)
	require.NotNil(t, obs.StatusCode)
	assert.Equal(t, http.StatusRequestEntityTooLarge, *obs.StatusCode)
	assert.Equal(t, 1, obs.AttemptCount)
}

func TestExecute_NoTransportConfiguredForKindFails(t *testing.T) {
	b := broker.New(map[string]broker.Transport{}, resilience.NewRegistry(resilience.DefaultConfig()), broker.NewInMemoryIdempotencyCache(), time.Minute, nil, nil)

	obs := b.Execute(context.Background(), "ws-1", dialogue.ToolCallSpec{ToolName: "get_services"}, rpcPolicy(nil))

	assert.Equal(t, dialogue.ResultFailure, obs.ResultKind)
}
