package tsunagi

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsunagi/internal/tracing"
)

// StartSpan starts a span parented to the active span in ctx, or a new
// root span if ctx carries none. The caller must End the returned span.
func (s *SDK) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return s.manager.StartSpan(ctx, name, opts...)
}

// WithSpan runs fn inside a span named name. The span records fn's error
// (if any), gets an OK or Error status, and always ends, panics included.
// The error is returned unchanged.
func (s *SDK) WithSpan(ctx context.Context, name string, fn func(context.Context) error, opts ...trace.SpanStartOption) error {
	return s.manager.WithSpan(ctx, name, fn, opts...)
}

// WithSpanValue runs fn inside a span named name and returns its value.
// Span lifecycle and status follow the same rules as SDK.WithSpan.
func WithSpanValue[T any](s *SDK, ctx context.Context, name string, fn func(context.Context) (T, error), opts ...trace.SpanStartOption) (T, error) {
	return tracing.WithSpanValue(s.manager, ctx, name, fn, opts...)
}

// RecordError records err on the active span in ctx. With no active
// recording span it synthesizes a short-lived error span so the failure
// is still exported. Returns the span context the error landed on.
func (s *SDK) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) trace.SpanContext {
	return s.manager.RecordError(ctx, err, attrs...)
}

// ActiveSpan returns the span currently active in ctx. It never returns
// nil; with no active span it returns a no-op span.
func (s *SDK) ActiveSpan(ctx context.Context) trace.Span {
	return s.manager.ActiveSpan(ctx)
}

// RunInContext runs fn with span installed as the active span, without
// changing the span's lifecycle.
func (s *SDK) RunInContext(ctx context.Context, span trace.Span, fn func(context.Context)) {
	s.manager.RunInContext(ctx, span, fn)
}
