package instrument_test

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/tsunagi/internal/instrument"
	"github.com/ashita-ai/tsunagi/internal/tracing"
	"github.com/ashita-ai/tsunagi/webreq"
)

func newTestTracing(t *testing.T) (*tracing.Manager, *tracetest.InMemoryExporter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return tracing.NewManager(tp, logger), exporter
}

func testOptions(extra instrument.Options) instrument.Options {
	if extra.Propagator == nil {
		extra.Propagator = propagation.TraceContext{}
	}
	if extra.UserAgent == "" {
		extra.UserAgent = "tsunagi-test"
	}
	return extra
}

func enableWebReq(t *testing.T, mgr *tracing.Manager, opts instrument.Options) *instrument.WebReq {
	t.Helper()
	w := instrument.NewWebReq(mgr, testOptions(opts))
	w.Enable()
	t.Cleanup(w.Disable)
	return w
}

func runRequest(t *testing.T, url string, configure func(*webreq.Request)) *webreq.Request {
	t.Helper()
	r := webreq.New()
	require.NoError(t, r.Open(http.MethodGet, url))
	if configure != nil {
		configure(r)
	}
	require.NoError(t, r.Send(nil))
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish in time")
	}
	return r
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestWebReqLoadSpan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	runRequest(t, srv.URL+"/items?token=secret", nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "HTTP GET", span.Name)
	assert.Equal(t, trace.SpanKindClient, span.SpanKind)
	assert.Equal(t, codes.Ok, span.Status.Code)

	url, ok := attrValue(span.Attributes, "http.url")
	require.True(t, ok)
	// The query string never lands on the span.
	assert.Equal(t, srv.URL+"/items", url.AsString())

	status, ok := attrValue(span.Attributes, "http.status_code")
	require.True(t, ok)
	assert.EqualValues(t, 200, status.AsInt64())

	size, ok := attrValue(span.Attributes, "http.response_body_size")
	require.True(t, ok)
	assert.EqualValues(t, 2, size.AsInt64())

	ua, ok := attrValue(span.Attributes, "http.user_agent")
	require.True(t, ok)
	assert.Equal(t, "tsunagi-test", ua.AsString())

	_, ok = attrValue(span.Attributes, "http.duration_ms")
	assert.True(t, ok)
}

func TestWebReqStatusMapping(t *testing.T) {
	statuses := []struct {
		code    int
		ok      bool
		message string
	}{
		{200, true, ""},
		{301, true, ""},
		{399, true, ""},
		{400, false, "HTTP 400"},
		{404, false, "HTTP 404"},
		{500, false, "HTTP 500"},
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := 0
		_, _ = fmt.Sscanf(r.URL.Path, "/status/%d", &code)
		w.Header().Set("Location", "/elsewhere") // so 3xx responses are well-formed
		w.WriteHeader(code)
	}))
	defer srv.Close()

	// Keep redirects unfollowed so 3xx statuses reach the span as-is.
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	for _, tc := range statuses {
		exporter.Reset()
		runRequest(t, fmt.Sprintf("%s/status/%d", srv.URL, tc.code), func(r *webreq.Request) {
			r.SetClient(client)
		})

		spans := exporter.GetSpans()
		require.Len(t, spans, 1, "status %d", tc.code)
		if tc.ok {
			assert.Equal(t, codes.Ok, spans[0].Status.Code, "status %d", tc.code)
		} else {
			assert.Equal(t, codes.Error, spans[0].Status.Code, "status %d", tc.code)
			assert.Equal(t, tc.message, spans[0].Status.Description, "status %d", tc.code)
		}
	}
}

func TestWebReqNetworkErrorSpan(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	runRequest(t, srv.URL, nil)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
	require.NotEmpty(t, spans[0].Events)
	assert.Equal(t, "exception", spans[0].Events[0].Name)
}

func TestWebReqAbortSpan(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	r := webreq.New()
	require.NoError(t, r.Open(http.MethodGet, srv.URL))
	require.NoError(t, r.Send(nil))
	r.Abort()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not finish in time")
	}

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, codes.Error, span.Status.Code)
	assert.Equal(t, "aborted", span.Status.Description)
	// A cancellation is not a fault: no exception is recorded.
	assert.Empty(t, span.Events)

	aborted, ok := attrValue(span.Attributes, "http.aborted")
	require.True(t, ok)
	assert.True(t, aborted.AsBool())
}

func TestWebReqExclusion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{ExcludedURLs: []string{"*/health"}})

	runRequest(t, srv.URL+"/health", nil)
	assert.Empty(t, exporter.GetSpans(), "excluded URL must not produce a span")

	runRequest(t, srv.URL+"/healthcheck", nil)
	assert.Len(t, exporter.GetSpans(), 1, "non-excluded URL must produce a span")
}

func TestWebReqTraceHeaderInjection(t *testing.T) {
	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	runRequest(t, srv.URL, nil)

	require.NotEmpty(t, traceparent, "expected an injected traceparent header")
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Contains(t, traceparent, spans[0].SpanContext.TraceID().String())
}

func TestWebReqPropagationScopedByPattern(t *testing.T) {
	var traceparent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceparent = r.Header.Get("traceparent")
	}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{
		PropagateTraceHeaderURLs: []string{"https://other.example.com/*"},
	})

	runRequest(t, srv.URL, nil)

	// The span exists, but the non-matching target gets no trace headers.
	assert.Len(t, exporter.GetSpans(), 1)
	assert.Empty(t, traceparent)
}

func TestWebReqInjectionFailureIsTransparent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("still fine"))
	}))
	defer srv.Close()

	// Sabotage the header-setting capability before the instrumentation
	// captures it, so injection panics at send time.
	saved := webreq.Methods
	webreq.Methods.SetHeader = func(*webreq.Request, string, string) {
		panic("broken header path")
	}
	t.Cleanup(func() { webreq.Methods = saved })

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	r := runRequest(t, srv.URL, nil)

	// The request completed as if uninstrumented and the span still closed.
	assert.Equal(t, http.StatusOK, r.Status())
	assert.Equal(t, "still fine", string(r.Body()))
	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestWebReqDisableRestoresOriginals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	w := instrument.NewWebReq(mgr, testOptions(instrument.Options{}))

	w.Enable()
	w.Enable() // idempotent: still a single wrapper layer
	runRequest(t, srv.URL, nil)
	require.Len(t, exporter.GetSpans(), 1)

	w.Disable()
	w.Disable()
	exporter.Reset()
	runRequest(t, srv.URL, nil)
	assert.Empty(t, exporter.GetSpans(), "disabled instrumentation must not create spans")
}

func TestWebReqDisableMidFlightStillFinalizes(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	w := enableWebReq(t, mgr, instrument.Options{})

	r := webreq.New()
	require.NoError(t, r.Open(http.MethodGet, srv.URL))
	require.NoError(t, r.Send(nil))

	// Disable while the request is in flight: the listeners already
	// attached must still close the span.
	w.Disable()
	close(release)
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish in time")
	}

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestWebReqSendBuildFailureStillEndsSpan(t *testing.T) {
	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	// The space passes Open's validation but fails request construction
	// inside Send, so no terminal event ever fires.
	r := webreq.New()
	require.NoError(t, r.Open(http.MethodGet, "http://exa mple.com/x"))
	require.Error(t, r.Send(nil))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1, "a synchronous send failure must still end the span")
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestWebReqRepeatSendKeepsSingleSpan(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	r := webreq.New()
	require.NoError(t, r.Open(http.MethodGet, srv.URL))
	require.NoError(t, r.Send(nil))

	// A second Send while in flight is rejected and must not start a
	// second span or disturb the first one.
	require.Error(t, r.Send(nil))
	assert.Empty(t, exporter.GetSpans(), "the in-flight span must not end early")

	close(release)
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("request did not finish in time")
	}

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Ok, spans[0].Status.Code)
}

func TestWebReqConcurrentRequestsGetIndependentSpans(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	mgr, exporter := newTestTracing(t)
	enableWebReq(t, mgr, instrument.Options{})

	const n = 8
	reqs := make([]*webreq.Request, n)
	for i := range reqs {
		r := webreq.New()
		require.NoError(t, r.Open(http.MethodGet, fmt.Sprintf("%s/item/%d", srv.URL, i)))
		require.NoError(t, r.Send(nil))
		reqs[i] = r
	}
	for _, r := range reqs {
		select {
		case <-r.Done():
		case <-time.After(5 * time.Second):
			t.Fatal("request did not finish in time")
		}
	}

	spans := exporter.GetSpans()
	require.Len(t, spans, n)
	seen := make(map[string]bool)
	for _, span := range spans {
		url, ok := attrValue(span.Attributes, "http.url")
		require.True(t, ok)
		assert.False(t, seen[url.AsString()], "duplicate span for %s", url.AsString())
		seen[url.AsString()] = true
	}
}
