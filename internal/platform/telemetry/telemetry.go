// Package telemetry wires OpenTelemetry metrics and tracing for the
// pipeline, grounded on the teacher framework's resilience/metrics_otel.go
// collector and its telemetry module's MetricInstruments wrapper, adapted
// to this orchestrator's own stage and circuit-breaker events.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Instruments bundles the counters and histograms every stage and the
// Tool Broker's circuit breaker emit against.
type Instruments struct {
	meter metric.Meter
	tracer trace.Tracer

	stageLatency       metric.Float64Histogram
	stageOutcome       metric.Int64Counter
	toolCallOutcome    metric.Int64Counter
	toolCallLatency    metric.Float64Histogram
	circuitStateChange metric.Int64Counter
	canaryRoute        metric.Int64Counter
	fallbackTriggered  metric.Int64Counter
}

// NewInstruments creates every instrument against an explicit meter name,
// matching the teacher's convention of namespacing by component
// ("gomind-resilience") rather than a single global meter.
func NewInstruments(meterName string) (*Instruments, error) {
	meter := otel.Meter(meterName)

	stageLatency, err := meter.Float64Histogram(
		"pipeline.stage.latency_ms",
		metric.WithDescription("Latency of a single pipeline stage in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	stageOutcome, err := meter.Int64Counter(
		"pipeline.stage.outcome",
		metric.WithDescription("Count of pipeline stage completions by outcome"),
	)
	if err != nil {
		return nil, err
	}
	toolCallOutcome, err := meter.Int64Counter(
		"broker.tool_call.outcome",
		metric.WithDescription("Count of tool invocations by result kind"),
	)
	if err != nil {
		return nil, err
	}
	toolCallLatency, err := meter.Float64Histogram(
		"broker.tool_call.latency_ms",
		metric.WithDescription("Latency of a tool invocation attempt in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	circuitStateChange, err := meter.Int64Counter(
		"broker.circuit_breaker.state_change",
		metric.WithDescription("Count of circuit breaker state transitions"),
	)
	if err != nil {
		return nil, err
	}
	canaryRoute, err := meter.Int64Counter(
		"pipeline.canary.route",
		metric.WithDescription("Count of turns routed to each pipeline path"),
	)
	if err != nil {
		return nil, err
	}
	fallbackTriggered, err := meter.Int64Counter(
		"pipeline.fallback.triggered",
		metric.WithDescription("Count of staged-to-legacy fallbacks"),
	)
	if err != nil {
		return nil, err
	}

	return &Instruments{
		meter:              meter,
		tracer:             otel.Tracer(meterName),
		stageLatency:       stageLatency,
		stageOutcome:       stageOutcome,
		toolCallOutcome:    toolCallOutcome,
		toolCallLatency:    toolCallLatency,
		circuitStateChange: circuitStateChange,
		canaryRoute:        canaryRoute,
		fallbackTriggered:  fallbackTriggered,
	}, nil
}

// NewNoop builds an Instruments on an otel SDK meter provider with no
// reader and a no-op tracer, so nothing is exported; cmd/turnpipe falls
// back to it when NewInstruments fails.
func NewNoop() *Instruments {
	provider := sdkmetric.NewMeterProvider()
	meter := provider.Meter("turnpipe-noop")
	i, _ := newFromMeter(meter, trace.NewNoopTracerProvider().Tracer("turnpipe-noop"))
	return i
}

func newFromMeter(meter metric.Meter, tracer trace.Tracer) (*Instruments, error) {
	stageLatency, _ := meter.Float64Histogram("pipeline.stage.latency_ms")
	stageOutcome, _ := meter.Int64Counter("pipeline.stage.outcome")
	toolCallOutcome, _ := meter.Int64Counter("broker.tool_call.outcome")
	toolCallLatency, _ := meter.Float64Histogram("broker.tool_call.latency_ms")
	circuitStateChange, _ := meter.Int64Counter("broker.circuit_breaker.state_change")
	canaryRoute, _ := meter.Int64Counter("pipeline.canary.route")
	fallbackTriggered, _ := meter.Int64Counter("pipeline.fallback.triggered")
	return &Instruments{
		meter: meter, tracer: tracer,
		stageLatency: stageLatency, stageOutcome: stageOutcome,
		toolCallOutcome: toolCallOutcome, toolCallLatency: toolCallLatency,
		circuitStateChange: circuitStateChange, canaryRoute: canaryRoute,
		fallbackTriggered: fallbackTriggered,
	}, nil
}

// RecordStage records one pipeline stage's latency and outcome.
func (i *Instruments) RecordStage(ctx context.Context, stage string, latencyMS float64, outcome string) {
	attrs := metric.WithAttributes(attribute.String("stage", stage), attribute.String("outcome", outcome))
	i.stageLatency.Record(ctx, latencyMS, attrs)
	i.stageOutcome.Add(ctx, 1, attrs)
}

// RecordToolCall records a single tool invocation attempt with the
// dimensions the Tool Broker's telemetry contract names:
// {tool, workspace, result_kind, status_code?, attempt, latency_ms}.
func (i *Instruments) RecordToolCall(ctx context.Context, workspaceID, toolName, resultKind string, statusCode, attempt int, latencyMS float64) {
	kv := []attribute.KeyValue{
		attribute.String("tool_name", toolName),
		attribute.String("workspace_id", workspaceID),
		attribute.String("result_kind", resultKind),
		attribute.Int("attempt", attempt),
	}
	if statusCode != 0 {
		kv = append(kv, attribute.Int("status_code", statusCode))
	}
	attrs := metric.WithAttributes(kv...)
	i.toolCallLatency.Record(ctx, latencyMS, attrs)
	i.toolCallOutcome.Add(ctx, 1, attrs)
}

// RecordCircuitStateChange records a circuit breaker transition for a
// (workspace, tool) key.
func (i *Instruments) RecordCircuitStateChange(ctx context.Context, workspaceID, toolName, from, to string) {
	i.circuitStateChange.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workspace_id", workspaceID),
		attribute.String("tool_name", toolName),
		attribute.String("from_state", from),
		attribute.String("to_state", to),
	))
}

// RecordCanaryRoute records which pipeline path a turn was routed to.
func (i *Instruments) RecordCanaryRoute(ctx context.Context, route string, bucket int) {
	i.canaryRoute.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.Int("bucket", bucket),
	))
}

// RecordFallback records a staged-to-legacy fallback and its cause.
func (i *Instruments) RecordFallback(ctx context.Context, reason string) {
	i.fallbackTriggered.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// StartSpan opens a trace span for a pipeline stage or tool call.
func (i *Instruments) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
