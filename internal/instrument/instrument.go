// Package instrument wraps the outbound-request surfaces with automatic
// span creation.
//
// Two instrumentations live here: WebReq patches the callback-style
// request object's method table, Fetch patches the promise-style request
// function. Both share one contract: the intercepted call must behave
// exactly as if uninstrumented — errors pass through unchanged, and any
// fault inside the instrumentation itself degrades to the unwrapped
// behavior. The worst case is that tracing silently stops, never that a
// request stops.
package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
)

const scopeName = "github.com/ashita-ai/tsunagi"

// Span attribute keys, matching what the rest of the platform emits.
const (
	attrMethod              = "http.method"
	attrURL                 = "http.url"
	attrStatusCode          = "http.status_code"
	attrStatusText          = "http.status_text"
	attrRequestBodySize     = "http.request_body_size"
	attrResponseBodySize    = "http.response_body_size"
	attrRequestContentType  = "http.request_content_type"
	attrResponseContentType = "http.response_content_type"
	attrUserAgent           = "http.user_agent"
	attrDurationMs          = "http.duration_ms"
	attrAborted             = "http.aborted"
	attrRequestID           = "tsunagi.request_id"
)

// Options configures either instrumentation.
type Options struct {
	// ExcludedURLs lists URL patterns that never get a span.
	ExcludedURLs []string

	// PropagateTraceHeaderURLs lists URL patterns whose requests receive
	// injected trace-context headers. Empty means every tracked request.
	PropagateTraceHeaderURLs []string

	// UserAgent is recorded as a span attribute on callback-style requests.
	UserAgent string

	// Logger for instrumentation-internal faults. Defaults to slog.Default.
	Logger *slog.Logger

	// Propagator injects trace context into outgoing headers.
	// Defaults to the otel global propagator.
	Propagator propagation.TextMapPropagator

	// MeterProvider feeds the SDK's self-metrics.
	// Defaults to the otel global provider.
	MeterProvider metric.MeterProvider
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o Options) propagator() propagation.TextMapPropagator {
	if o.Propagator != nil {
		return o.Propagator
	}
	return otel.GetTextMapPropagator()
}

// spanName builds the span name for a request with the given method.
func spanName(method string) string { return "HTTP " + method }

// statusFromCode maps an HTTP status code to a span status. Codes in
// [200,400) are success; everything else is an error named after the code.
func statusFromCode(status int) (codes.Code, string) {
	if status >= 200 && status < 400 {
		return codes.Ok, ""
	}
	return codes.Error, fmt.Sprintf("HTTP %d", status)
}

// sanitizeURL strips the query string, keeping scheme, host, and path, so
// sensitive query parameters never land on a span while the path stays
// useful for grouping.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		if i := strings.Index(raw, "?"); i >= 0 {
			return raw[:i]
		}
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	return u.String()
}

// formFieldOverhead approximates the per-field framing cost ('=', '&',
// encoding slack) of form bodies. Body sizing trades precision for speed:
// the estimate sums field lengths plus this constant instead of encoding
// the body a second time.
const formFieldOverhead = 4

// estimateBodySize returns a best-effort request body size. Unknown body
// kinds (streaming readers) report 0.
func estimateBodySize(body any) int64 {
	switch v := body.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(v))
	case string:
		return int64(len(v))
	case url.Values:
		var n int64
		for k, vs := range v {
			for _, val := range vs {
				n += int64(len(k)+len(val)) + formFieldOverhead
			}
		}
		return n
	default:
		return 0
	}
}

// headerSetter adapts a header-writing callback to the propagation
// carrier interface. Injection only writes, so Get and Keys are inert.
type headerSetter func(key, value string)

func (s headerSetter) Get(string) string     { return "" }
func (s headerSetter) Set(key, value string) { s(key, value) }
func (s headerSetter) Keys() []string        { return nil }

// selfMetrics counts what the instrumentation itself does. Instrument
// creation is best-effort: a failed counter stays nil and recording
// becomes a no-op.
type selfMetrics struct {
	surface  attribute.KeyValue
	tracked  metric.Int64Counter
	excluded metric.Int64Counter
	injected metric.Int64Counter
	injFails metric.Int64Counter
}

func newSelfMetrics(mp metric.MeterProvider, surface string) *selfMetrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(scopeName)
	m := &selfMetrics{surface: attribute.String("tsunagi.surface", surface)}
	m.tracked, _ = meter.Int64Counter("tsunagi.requests.tracked")
	m.excluded, _ = meter.Int64Counter("tsunagi.requests.excluded")
	m.injected, _ = meter.Int64Counter("tsunagi.inject.success")
	m.injFails, _ = meter.Int64Counter("tsunagi.inject.failures")
	return m
}

func (m *selfMetrics) add(ctx context.Context, c metric.Int64Counter) {
	if c == nil {
		return
	}
	c.Add(ctx, 1, metric.WithAttributes(m.surface))
}
