package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const (
	// Trace operation names
	TracePhaseEvaluation    = "overload.phase.evaluation"
	TraceThrottlingDecision = "overload.throttling.decision"
	TraceOverloadHandling   = "overload.allocator.handle"
	TraceRecoveryAttempt    = "overload.allocator.recovery"
	TraceQueueDrain         = "overload.scheduler.drain"
	TracePrediction         = "overload.forecast.predict"
	TracePatternDetection   = "overload.forecast.patterns"

	// Attribute keys
	AttrPhase            = "overload.phase"
	AttrAction           = "overload.action"
	AttrFactor           = "overload.factor"
	AttrOverloadLevel    = "overload.level"
	AttrServiceName      = "overload.service.name"
	AttrServiceTier      = "overload.service.tier"
	AttrRequestPriority  = "overload.request.priority"
	AttrQueueDepth       = "overload.queue.depth"
	AttrSpikeProbability = "overload.spike.probability"
	AttrErrorType        = "overload.error.type"
)

// TraceHelper provides helper methods for creating traces
type TraceHelper struct {
	tracer oteltrace.Tracer
}

// NewTraceHelper creates a new trace helper
func NewTraceHelper(serviceName string) *TraceHelper {
	return &TraceHelper{
		tracer: otel.Tracer(serviceName),
	}
}

// StartSpan starts a new tracing span with common attributes
func (th *TraceHelper) StartSpan(ctx context.Context, operationName string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return th.tracer.Start(ctx, operationName, oteltrace.WithAttributes(attrs...))
}

// RecordError records an error on the span
func (th *TraceHelper) RecordError(span oteltrace.Span, err error, description string) {
	if err != nil {
		span.SetStatus(codes.Error, description)
		span.RecordError(err, oteltrace.WithAttributes(
			attribute.String(AttrErrorType, description),
		))
	}
}

// SetSpanSuccess marks span as successful
func (th *TraceHelper) SetSpanSuccess(span oteltrace.Span) {
	span.SetStatus(codes.Ok, "Success")
}

// TraceOverloadCycle traces one allocator overload-handling cycle
func (th *TraceHelper) TraceOverloadCycle(ctx context.Context, level string, fn func(context.Context) error) error {
	ctx, span := th.StartSpan(ctx, TraceOverloadHandling,
		attribute.String(AttrOverloadLevel, level),
	)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	span.SetAttributes(attribute.Int64("overload.cycle.duration_ms", time.Since(start).Milliseconds()))

	if err != nil {
		th.RecordError(span, err, "overload_cycle_failed")
		return err
	}
	th.SetSpanSuccess(span)
	return nil
}
