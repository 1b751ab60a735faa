// Package tsunagi is the public API for the Tsunagi automatic request
// instrumentation SDK.
//
// Tsunagi patches the process-wide request surfaces (the callback-style
// webreq method table and the promise-style fetch function) so that every
// outgoing HTTP request made through them produces exactly one client
// span, carries W3C trace-context headers, and is finalized exactly once
// whether it loads, fails, or is aborted:
//
//	sdk, err := tsunagi.New(
//	    tsunagi.WithVersion(version),
//	    tsunagi.WithLogger(logger),
//	    tsunagi.WithExcludedURLs("*/health"),
//	)
//	if err != nil { ... }
//	sdk.Enable()
//	defer sdk.Shutdown(ctx)
//
// The import graph enforces a strict no-cycle rule: tsunagi (root)
// imports internal/*, but internal/* never imports tsunagi (root).
package tsunagi

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/tsunagi/internal/config"
	"github.com/ashita-ai/tsunagi/internal/instrument"
	"github.com/ashita-ai/tsunagi/internal/telemetry"
	"github.com/ashita-ai/tsunagi/internal/tracing"
)

// SDK is the instrumentation lifecycle. Construct with New(), install
// with Enable(). SDK has no public fields — use New() options to
// configure it.
type SDK struct {
	cfg              config.Config
	logger           *slog.Logger
	version          string
	manager          *tracing.Manager
	instrumentations []Instrumentation
	otelShutdown     telemetry.Shutdown

	mu      sync.Mutex
	enabled bool
}

// New builds the SDK. It loads configuration, initializes the OTLP
// export pipeline when an endpoint is configured, and wires both
// instrumentations. It does NOT patch anything — call Enable().
func New(opts ...Option) (*SDK, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.serviceName != "" {
		cfg.ServiceName = o.serviceName
	}
	if o.excludedURLs != nil {
		cfg.ExcludedURLs = o.excludedURLs
	}
	if o.propagateTraceHeaderURLs != nil {
		cfg.PropagateTraceHeaderURLs = o.propagateTraceHeaderURLs
	}
	if o.userAgent != "" {
		cfg.UserAgent = o.userAgent
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Debug("tsunagi starting", "version", version, "service", cfg.ServiceName)

	tracerProvider := o.tracerProvider
	meterProvider := o.meterProvider
	otelShutdown := telemetry.Shutdown(func(context.Context) error { return nil })
	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)

	// Externally supplied providers skip the built-in OTLP pipeline;
	// the caller owns flushing and shutdown.
	if tracerProvider == nil {
		providers, shutdown, err := telemetry.Init(
			context.Background(),
			cfg.OTELEndpoint, cfg.ServiceName, version,
			cfg.OTELInsecure, cfg.MetricsEnabled,
		)
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		tracerProvider = providers.Tracer
		if meterProvider == nil {
			meterProvider = providers.Meter
		}
		otelShutdown = shutdown
	}

	manager := tracing.NewManager(tracerProvider, logger)

	instOpts := instrument.Options{
		ExcludedURLs:             cfg.ExcludedURLs,
		PropagateTraceHeaderURLs: cfg.PropagateTraceHeaderURLs,
		UserAgent:                cfg.UserAgent,
		Logger:                   logger,
		Propagator:               propagator,
		MeterProvider:            meterProvider,
	}

	return &SDK{
		cfg:     cfg,
		logger:  logger,
		version: version,
		manager: manager,
		instrumentations: []Instrumentation{
			instrument.NewWebReq(manager, instOpts),
			instrument.NewFetch(manager, instOpts),
		},
		otelShutdown: otelShutdown,
	}, nil
}

// Enable installs every instrumentation. Idempotent: enabling an
// already-enabled SDK is a no-op.
func (s *SDK) Enable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enabled {
		return
	}
	for _, inst := range s.instrumentations {
		inst.Enable()
		s.logger.Debug("instrumentation enabled", "surface", inst.Name())
	}
	s.enabled = true
}

// Disable restores every original request surface. Requests already in
// flight still finalize their spans. Idempotent.
func (s *SDK) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	for _, inst := range s.instrumentations {
		inst.Disable()
		s.logger.Debug("instrumentation disabled", "surface", inst.Name())
	}
	s.enabled = false
}

// Enabled reports whether the SDK's instrumentations are installed.
func (s *SDK) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Shutdown disables the instrumentations and flushes the OTLP pipeline.
// After Shutdown the SDK must not be re-enabled.
func (s *SDK) Shutdown(ctx context.Context) error {
	s.Disable()
	if err := s.otelShutdown(ctx); err != nil {
		return fmt.Errorf("telemetry shutdown: %w", err)
	}
	return nil
}
