package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TraceContext holds the identifiers propagated across a call boundary,
// extracted here for log correlation.
type TraceContext struct {
	// TraceID is the 32-character hex trace identifier.
	TraceID string
	// SpanID is the 16-character hex span identifier.
	SpanID string
	// Sampled indicates whether this trace is being recorded.
	Sampled bool
}

// TraceContextOf extracts the active trace context from ctx. Returns
// the zero value when no valid span context exists, which callers can
// detect with TraceID == "".
func TraceContextOf(ctx context.Context) TraceContext {
	if ctx == nil {
		return TraceContext{}
	}
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceContext{}
	}
	return TraceContext{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: sc.IsSampled(),
	}
}

// AddSpanEvent marks a named point in time on the active span.
// Safe to call when no span exists in the context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// RecordSpanError records err on the active span and sets the span
// status to Error. No-op when ctx or err is nil.
func RecordSpanError(ctx context.Context, err error) {
	if ctx == nil || err == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanAttributes adds attributes to the active span. Mind tag
// cardinality: span attributes are not run through the registry's
// limiter.
func SetSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	if ctx == nil {
		return
	}
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}
