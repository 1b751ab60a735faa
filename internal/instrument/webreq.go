package instrument

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsunagi/internal/patch"
	"github.com/ashita-ai/tsunagi/internal/tracing"
	"github.com/ashita-ai/tsunagi/internal/urlmatch"
	"github.com/ashita-ai/tsunagi/webreq"
)

// terminalOutcome is the single variant a tracked callback-style request
// resolves to. Modeling the three listener events as one variant keeps
// the exactly-once finalization structural instead of conventional.
type terminalOutcome int

const (
	outcomeLoad terminalOutcome = iota
	outcomeError
	outcomeAborted
)

// requestRecord is the per-call state for one logical request, held
// out-of-band in a side table keyed by the request object. Never shared
// across requests: Open always installs a fresh record. An object that
// is opened but never sent keeps its record (and stays reachable
// through the table) until it is re-opened; retention is bounded by
// live request objects.
type requestRecord struct {
	id     string
	method string
	url    string

	mu         sync.Mutex
	headers    map[string]string
	dispatched bool

	span    trace.Span
	start   time.Time
	once    sync.Once
	handles map[webreq.Event]string
}

func (rec *requestRecord) setHeader(key, value string) {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.headers[strings.ToLower(key)] = value
}

// WebReq instruments the callback-style request object by patching the
// webreq method table.
type WebReq struct {
	mgr        *tracing.Manager
	logger     *slog.Logger
	ctrl       *patch.Controller[webreq.MethodTable]
	exclude    *urlmatch.Matcher
	propagate  *urlmatch.Matcher
	propagator propagation.TextMapPropagator
	userAgent  string
	metrics    *selfMetrics

	records sync.Map // *webreq.Request -> *requestRecord
}

// NewWebReq builds the instrumentation; it is inert until Enable.
func NewWebReq(mgr *tracing.Manager, opts Options) *WebReq {
	w := &WebReq{
		mgr:        mgr,
		logger:     opts.logger(),
		exclude:    urlmatch.New(opts.ExcludedURLs),
		propagate:  urlmatch.New(opts.PropagateTraceHeaderURLs),
		propagator: opts.propagator(),
		userAgent:  opts.UserAgent,
		metrics:    newSelfMetrics(opts.MeterProvider, "webreq"),
	}
	w.ctrl = patch.New(
		func() webreq.MethodTable { return webreq.Methods },
		func(t webreq.MethodTable) { webreq.Methods = t },
		w.wrap,
	)
	return w
}

// Name identifies the instrumented surface.
func (w *WebReq) Name() string { return "webreq" }

// Enable patches the webreq method table. Idempotent.
func (w *WebReq) Enable() { w.ctrl.Enable() }

// Disable restores the original method table. Requests already dispatched
// keep their listeners and still finalize their spans.
func (w *WebReq) Disable() { w.ctrl.Disable() }

// Enabled reports whether the patch is installed.
func (w *WebReq) Enabled() bool { return w.ctrl.Enabled() }

func (w *WebReq) wrap(orig webreq.MethodTable) webreq.MethodTable {
	return webreq.MethodTable{
		Open: func(r *webreq.Request, method, url string) error {
			if err := orig.Open(r, method, url); err != nil {
				return err
			}
			w.records.Store(r, &requestRecord{
				id:      uuid.NewString(),
				method:  strings.ToUpper(method),
				url:     url,
				headers: make(map[string]string),
				handles: make(map[webreq.Event]string),
			})
			return nil
		},
		SetHeader: func(r *webreq.Request, key, value string) {
			if rec, ok := w.lookup(r); ok {
				rec.setHeader(key, value)
			}
			orig.SetHeader(r, key, value)
		},
		Send: func(r *webreq.Request, body []byte) error {
			rec, ok := w.lookup(r)
			if !ok {
				return orig.Send(r, body)
			}
			rec.mu.Lock()
			dispatched := rec.dispatched
			rec.mu.Unlock()
			if dispatched {
				// A repeat Send on an in-flight request is the surface's
				// error to return; the first span stays untouched.
				return orig.Send(r, body)
			}
			if w.exclude.Match(rec.url) {
				w.metrics.add(r.Context(), w.metrics.excluded)
				w.records.Delete(r)
				return orig.Send(r, body)
			}
			w.beginTracking(rec, r, orig, body)
			if err := orig.Send(r, body); err != nil {
				// Failed before dispatch: no terminal event will ever
				// fire, so the span closes here.
				w.abandon(rec, r, err)
				return err
			}
			return nil
		},
	}
}

func (w *WebReq) lookup(r *webreq.Request) (*requestRecord, bool) {
	v, ok := w.records.Load(r)
	if !ok {
		return nil, false
	}
	return v.(*requestRecord), true
}

// beginTracking starts the span, injects trace headers, and attaches the
// terminal listeners. Any panic here is swallowed: the request must
// proceed exactly as if uninstrumented.
func (w *WebReq) beginTracking(rec *requestRecord, r *webreq.Request, orig webreq.MethodTable, body []byte) {
	defer func() {
		if p := recover(); p != nil {
			// A span that was already started is still closed with
			// whatever data it has.
			if rec.span != nil {
				rec.once.Do(func() { rec.span.End() })
			}
			w.logger.Debug("request tracking setup failed", "panic", p, "url", rec.url)
		}
	}()

	ctx := r.Context()
	ctx, span := w.mgr.StartSpan(ctx, spanName(rec.method),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(attrMethod, rec.method),
			attribute.String(attrURL, sanitizeURL(rec.url)),
			attribute.Int64(attrRequestBodySize, estimateBodySize(body)),
			attribute.String(attrUserAgent, w.userAgent),
			attribute.String(attrRequestID, rec.id),
		),
	)
	rec.mu.Lock()
	rec.dispatched = true
	contentType := rec.headers["content-type"]
	rec.mu.Unlock()
	if contentType != "" {
		span.SetAttributes(attribute.String(attrRequestContentType, contentType))
	}

	rec.span = span
	rec.start = time.Now()
	w.metrics.add(ctx, w.metrics.tracked)

	w.injectHeaders(ctx, rec, r, orig)

	rec.handles[webreq.EventLoad] = r.AddEventListener(webreq.EventLoad, func(r *webreq.Request) {
		w.finalize(rec, r, outcomeLoad)
	})
	rec.handles[webreq.EventError] = r.AddEventListener(webreq.EventError, func(r *webreq.Request) {
		w.finalize(rec, r, outcomeError)
	})
	rec.handles[webreq.EventAbort] = r.AddEventListener(webreq.EventAbort, func(r *webreq.Request) {
		w.finalize(rec, r, outcomeAborted)
	})
}

// injectHeaders writes trace-context headers through the request object's
// own header-setting capability. Failures — including panics from a
// misbehaving patched SetHeader — are swallowed so the request proceeds
// unmodified.
func (w *WebReq) injectHeaders(ctx context.Context, rec *requestRecord, r *webreq.Request, orig webreq.MethodTable) {
	if !w.propagate.Empty() && !w.propagate.Match(rec.url) {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			w.metrics.add(ctx, w.metrics.injFails)
			w.logger.Debug("trace header injection failed", "panic", p, "url", rec.url)
		}
	}()
	w.propagator.Inject(ctx, headerSetter(func(key, value string) {
		orig.SetHeader(r, key, value)
	}))
	w.metrics.add(ctx, w.metrics.injected)
}

// finalize closes the span for exactly one terminal outcome; whichever
// event fires first wins. All three listeners and the side-table entry
// are removed so a reused request object starts clean.
func (w *WebReq) finalize(rec *requestRecord, r *webreq.Request, outcome terminalOutcome) {
	rec.once.Do(func() {
		span := rec.span
		elapsed := time.Since(rec.start).Milliseconds()

		switch outcome {
		case outcomeLoad:
			status := r.Status()
			respSize := int64(0)
			if cl := r.ResponseHeader("Content-Length"); cl != "" {
				if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
					respSize = n
				}
			}
			span.SetAttributes(
				attribute.Int(attrStatusCode, status),
				attribute.String(attrStatusText, r.StatusText()),
				attribute.Int64(attrResponseBodySize, respSize),
				attribute.Int64(attrDurationMs, elapsed),
			)
			if ct := r.ResponseHeader("Content-Type"); ct != "" {
				span.SetAttributes(attribute.String(attrResponseContentType, ct))
			}
			span.SetStatus(statusFromCode(status))

		case outcomeError:
			span.SetAttributes(attribute.Int64(attrDurationMs, elapsed))
			err := r.Err()
			if err == nil {
				err = errRequestFailed
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())

		case outcomeAborted:
			// An abort is a cancellation, not a fault: no exception.
			span.SetAttributes(
				attribute.Int64(attrDurationMs, elapsed),
				attribute.Bool(attrAborted, true),
			)
			span.SetStatus(codes.Error, "aborted")
		}

		span.End()

		for event, handle := range rec.handles {
			r.RemoveEventListener(event, handle)
		}
		w.records.Delete(r)
	})
}

// abandon closes the span for a Send that failed synchronously: the
// request was never dispatched, so the terminal listeners cannot fire.
// The listeners attached during setup are removed and the record is
// dropped so the object is clean for a re-open.
func (w *WebReq) abandon(rec *requestRecord, r *webreq.Request, err error) {
	defer w.records.Delete(r)
	if rec.span == nil {
		return
	}
	rec.once.Do(func() {
		rec.span.SetAttributes(attribute.Int64(attrDurationMs, time.Since(rec.start).Milliseconds()))
		rec.span.RecordError(err)
		rec.span.SetStatus(codes.Error, err.Error())
		rec.span.End()
		for event, handle := range rec.handles {
			r.RemoveEventListener(event, handle)
		}
	})
}

// errRequestFailed stands in when the host surface reports a failure
// without a concrete error value.
var errRequestFailed = errors.New("request failed")
