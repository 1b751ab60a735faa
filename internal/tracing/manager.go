// Package tracing is a thin facade over the OpenTelemetry trace API.
//
// The Manager is the only way the rest of the SDK creates or touches
// spans. It never fails: with no tracer provider configured it falls back
// to the otel global provider, which is a no-op until an SDK is
// installed, so spans can always be started and safely ended.
package tracing

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies this instrumentation scope in exported spans.
const scopeName = "github.com/ashita-ai/tsunagi"

// Manager creates spans and resolves the ambient active span.
type Manager struct {
	tracer trace.Tracer
	logger *slog.Logger
}

// NewManager builds a Manager on the given provider. A nil provider
// falls back to the otel global provider.
func NewManager(tp trace.TracerProvider, logger *slog.Logger) *Manager {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		tracer: tp.Tracer(scopeName),
		logger: logger,
	}
}

// StartSpan starts a span parented to the span in ctx, or a new root if
// ctx carries none. The returned context has the new span installed as
// active.
func (m *Manager) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, name, opts...)
}

// WithSpan runs fn under a new span. On success the span status is OK;
// on error the exception is recorded, status is set to ERROR with the
// error's message, and the original error is returned unchanged. The
// span ends exactly once even if fn panics (the panic is re-raised after
// the span is ended).
func (m *Manager) WithSpan(ctx context.Context, name string, fn func(context.Context) error, opts ...trace.SpanStartOption) error {
	ctx, span := m.tracer.Start(ctx, name, opts...)
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// WithSpanValue is WithSpan for value-returning operations.
func WithSpanValue[T any](m *Manager, ctx context.Context, name string, fn func(context.Context) (T, error), opts ...trace.SpanStartOption) (T, error) {
	ctx, span := m.tracer.Start(ctx, name, opts...)
	defer span.End()

	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return v, err
	}
	span.SetStatus(codes.Ok, "")
	return v, nil
}

// RecordError attaches err to the active span, or synthesizes a
// short-lived span to carry it when no span is active, so error capture
// is never a no-op. Returns the span context the error landed on.
func (m *Manager) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) trace.SpanContext {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() && span.IsRecording() {
		if len(attrs) > 0 {
			span.SetAttributes(attrs...)
		}
		span.RecordError(err)
		return span.SpanContext()
	}

	_, errSpan := m.tracer.Start(ctx, "error", trace.WithAttributes(attrs...))
	errSpan.RecordError(err)
	errSpan.SetStatus(codes.Error, err.Error())
	errSpan.End()
	return errSpan.SpanContext()
}

// ActiveSpan returns the span installed in ctx. Side-effect free; the
// result is a no-op span when ctx carries none.
func (m *Manager) ActiveSpan(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// RunInContext executes fn with span installed as the active span for
// the duration of the call only. The caller's ctx is untouched, so
// nothing leaks into unrelated subsequent calls.
func (m *Manager) RunInContext(ctx context.Context, span trace.Span, fn func(context.Context)) {
	fn(trace.ContextWithSpan(ctx, span))
}
