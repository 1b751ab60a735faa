package tsunagi

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Option configures an SDK.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger                   *slog.Logger
	version                  string
	serviceName              string
	excludedURLs             []string
	propagateTraceHeaderURLs []string
	userAgent                string
	tracerProvider           trace.TracerProvider
	meterProvider            metric.MeterProvider
}

// WithLogger sets the structured logger for the SDK.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the OTEL resource and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithServiceName overrides the service name from config (OTEL_SERVICE_NAME env var).
func WithServiceName(name string) Option {
	return func(o *resolvedOptions) { o.serviceName = name }
}

// WithExcludedURLs overrides the excluded-URL patterns from config
// (TSUNAGI_EXCLUDED_URLS env var). Requests matching any pattern are
// never traced. Patterns support a single leading or trailing wildcard,
// e.g. "*/health" or "https://internal.example.com/*".
func WithExcludedURLs(patterns ...string) Option {
	return func(o *resolvedOptions) { o.excludedURLs = patterns }
}

// WithPropagateTraceHeaderURLs overrides the propagation patterns from
// config (TSUNAGI_PROPAGATE_URLS env var). Trace-context headers are
// injected only into requests matching one of the patterns. An empty
// list injects into every traced request.
func WithPropagateTraceHeaderURLs(patterns ...string) Option {
	return func(o *resolvedOptions) { o.propagateTraceHeaderURLs = patterns }
}

// WithUserAgent sets the user-agent string recorded on callback-style
// request spans (TSUNAGI_USER_AGENT env var).
func WithUserAgent(ua string) Option {
	return func(o *resolvedOptions) { o.userAgent = ua }
}

// WithTracerProvider supplies an externally managed tracer provider.
// When set, the SDK does not construct its own OTLP exporter pipeline
// and Shutdown does not flush it — the caller owns its lifecycle.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *resolvedOptions) { o.tracerProvider = tp }
}

// WithMeterProvider supplies an externally managed meter provider for
// the SDK's self-metrics. Same lifecycle rules as WithTracerProvider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *resolvedOptions) { o.meterProvider = mp }
}
