package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsunagi/fetch"
	"github.com/ashita-ai/tsunagi/internal/patch"
	"github.com/ashita-ai/tsunagi/internal/tracing"
	"github.com/ashita-ai/tsunagi/internal/urlmatch"
)

// Fetch instruments the promise-style request function by patching the
// package-level fetch.Do variable.
type Fetch struct {
	mgr        *tracing.Manager
	logger     *slog.Logger
	ctrl       *patch.Controller[fetch.Func]
	exclude    *urlmatch.Matcher
	propagate  *urlmatch.Matcher
	propagator propagation.TextMapPropagator
	metrics    *selfMetrics
}

// NewFetch builds the instrumentation; it is inert until Enable.
func NewFetch(mgr *tracing.Manager, opts Options) *Fetch {
	f := &Fetch{
		mgr:        mgr,
		logger:     opts.logger(),
		exclude:    urlmatch.New(opts.ExcludedURLs),
		propagate:  urlmatch.New(opts.PropagateTraceHeaderURLs),
		propagator: opts.propagator(),
		metrics:    newSelfMetrics(opts.MeterProvider, "fetch"),
	}
	f.ctrl = patch.New(
		func() fetch.Func { return fetch.Do },
		func(fn fetch.Func) { fetch.Do = fn },
		f.wrap,
	)
	return f
}

// Name identifies the instrumented surface.
func (f *Fetch) Name() string { return "fetch" }

// Enable patches fetch.Do. Idempotent.
func (f *Fetch) Enable() { f.ctrl.Enable() }

// Disable restores the original fetch.Do.
func (f *Fetch) Disable() { f.ctrl.Disable() }

// Enabled reports whether the patch is installed.
func (f *Fetch) Enabled() bool { return f.ctrl.Enabled() }

// callPlan is the metadata extracted before the original call runs.
type callPlan struct {
	method      string
	target      string
	contentType string
	bodySize    int64
}

func (f *Fetch) wrap(orig fetch.Func) fetch.Func {
	return func(ctx context.Context, input any, opts *fetch.Options) (*fetch.Response, error) {
		plan, tracked := f.plan(ctx, input, opts)
		if !tracked {
			// Excluded, unparseable, or the bookkeeping itself failed:
			// behave exactly as if uninstrumented. No partial wrapping.
			return orig(ctx, input, opts)
		}

		ctx, span := f.mgr.StartSpan(ctx, spanName(plan.method),
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String(attrMethod, plan.method),
				attribute.String(attrURL, sanitizeURL(plan.target)),
				attribute.Int64(attrRequestBodySize, plan.bodySize),
				attribute.String(attrRequestContentType, plan.contentType),
			),
		)
		f.metrics.add(ctx, f.metrics.tracked)

		callOpts := f.injectHeaders(ctx, opts, plan.target)
		start := time.Now()

		resp, err := orig(ctx, input, callOpts)
		elapsed := time.Since(start).Milliseconds()

		if err != nil {
			span.SetAttributes(
				attribute.Int64(attrDurationMs, elapsed),
				attribute.String("error.type", errorType(err)),
			)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			// The caller's error handling must see the original error.
			return resp, err
		}

		attrs := []attribute.KeyValue{
			attribute.Int(attrStatusCode, resp.Status),
			attribute.String(attrStatusText, resp.StatusText),
			attribute.Int64(attrDurationMs, elapsed),
		}
		if ct := resp.Header.Get("Content-Type"); ct != "" {
			attrs = append(attrs, attribute.String(attrResponseContentType, ct))
		}
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil {
				attrs = append(attrs, attribute.Int64(attrResponseBodySize, n))
			}
		}
		span.SetAttributes(attrs...)
		span.SetStatus(statusFromCode(resp.Status))
		span.End()
		return resp, nil
	}
}

// plan extracts request metadata and decides trackability. Any failure —
// including a panic in extraction — reports untracked, which routes the
// call through the original function untouched.
func (f *Fetch) plan(ctx context.Context, input any, opts *fetch.Options) (plan callPlan, tracked bool) {
	defer func() {
		if p := recover(); p != nil {
			f.logger.Debug("request metadata extraction failed", "panic", p)
			tracked = false
		}
	}()

	method, target, header, body, err := fetch.Resolve(input, opts)
	if err != nil {
		return callPlan{}, false
	}
	if f.exclude.Match(target) {
		f.metrics.add(ctx, f.metrics.excluded)
		return callPlan{}, false
	}
	return callPlan{
		method:      method,
		target:      target,
		contentType: header.Get("Content-Type"),
		bodySize:    estimateBodySize(body),
	}, true
}

// injectHeaders returns a cloned Options carrying the caller's headers
// plus the trace-context headers. The caller's Options are never mutated,
// and injection failure falls back to the original Options unchanged.
func (f *Fetch) injectHeaders(ctx context.Context, opts *fetch.Options, target string) *fetch.Options {
	if !f.propagate.Empty() && !f.propagate.Match(target) {
		return opts
	}

	injected := opts
	func() {
		defer func() {
			if p := recover(); p != nil {
				f.metrics.add(ctx, f.metrics.injFails)
				f.logger.Debug("trace header injection failed", "panic", p, "url", target)
				injected = opts
			}
		}()
		clone := opts.Clone()
		if clone.Header == nil {
			clone.Header = make(map[string][]string)
		}
		f.propagator.Inject(ctx, propagation.HeaderCarrier(clone.Header))
		f.metrics.add(ctx, f.metrics.injected)
		injected = clone
	}()
	return injected
}

// errorType names an error's dynamic type for the error.type attribute.
func errorType(err error) string {
	return fmt.Sprintf("%T", err)
}
