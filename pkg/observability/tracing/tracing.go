// Package tracing wraps OpenTelemetry span helpers for reconciliation cycles.
package tracing

import (
	"context"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gitopsdelivery/pkg/core"
)

const tracerName = "gitopsdelivery"

// Tracer is a noop tracer until a TracerProvider is registered.
var Tracer = otel.Tracer(tracerName)

// StartCycleSpan starts the root span of one reconciliation cycle.
func StartCycleSpan(ctx context.Context, spanName, cycleID, revision, trigger string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("delivery.cycle.id", cycleID),
			attribute.String("delivery.revision", revision),
			attribute.String("delivery.trigger", trigger),
		),
	)
}

// StartResourceSpan starts a child span scoped to one resource.
func StartResourceSpan(ctx context.Context, spanName string, key core.ResourceKey) (context.Context, trace.Span) {
	return Tracer.Start(ctx, spanName,
		trace.WithAttributes(
			attribute.String("k8s.resource.kind", key.Kind),
			attribute.String("k8s.namespace", key.Namespace),
			attribute.String("k8s.resource.name", key.Name),
		),
	)
}

// StartChildSpan starts a child span under the current trace context.
func StartChildSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	return Tracer.Start(ctx, spanName)
}

// RecordSpanError records err on span and marks the span failed. A nil err is ignored.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// LoggerWithTrace adds the active trace and span ids to log.
func LoggerWithTrace(ctx context.Context, log logr.Logger) logr.Logger {
	spanContext := trace.SpanContextFromContext(ctx)
	if !spanContext.IsValid() {
		return log
	}
	return log.WithValues("trace_id", spanContext.TraceID().String(), "span_id", spanContext.SpanID().String())
}
