package tracing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var tracer trace.Tracer

// SetTracer sets the tracer to be used for tracing.
func SetTracer(t trace.Tracer) {
	tracer = t
}

// activeSpan returns the span in ctx, or nil when tracing is off or the span is a no-op.
func activeSpan(ctx context.Context) trace.Span {
	if tracer == nil {
		return nil
	}
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return nil
	}
	return span
}

// StartSpan starts a new span with the given name and returns the context and span.
func StartSpan(ctx context.Context, spanName string) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, spanName)
}

// GetTraceID returns the trace ID from the context.
func GetTraceID(ctx context.Context) string {
	span := activeSpan(ctx)
	if span == nil {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// GetSpanID returns the span ID from the context.
func GetSpanID(ctx context.Context) string {
	span := activeSpan(ctx)
	if span == nil {
		return ""
	}
	return span.SpanContext().SpanID().String()
}

// Carrier returns the W3C trace context headers (traceparent, tracestate) for ctx.
// The map is empty when there is no active span.
func Carrier(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	if activeSpan(ctx) == nil {
		return carrier
	}
	propagation.TraceContext{}.Inject(ctx, carrier)
	return carrier
}
