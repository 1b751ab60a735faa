// Command tsunagi-probe exercises the instrumented request surfaces
// against a target URL and exports the resulting spans. It is the
// smoke-test binary for a Tsunagi deployment: point it at a service and
// a collector, then check the collector for "HTTP GET" client spans.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/tsunagi"
	"github.com/ashita-ai/tsunagi/fetch"
	"github.com/ashita-ai/tsunagi/webreq"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("TSUNAGI_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	target := os.Getenv("TSUNAGI_PROBE_TARGET")
	if target == "" {
		target = "http://localhost:8080"
	}
	count := 5
	if v := os.Getenv("TSUNAGI_PROBE_COUNT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("invalid TSUNAGI_PROBE_COUNT %q", v)
		}
		count = n
	}

	slog.Info("tsunagi-probe starting", "version", version, "target", target, "count", count)

	sdk, err := tsunagi.New(
		tsunagi.WithVersion(version),
		tsunagi.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("sdk: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := sdk.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}
	}()

	sdk.Enable()

	// One parent span per probe run so the fan-out shows up as a single
	// trace in the collector.
	return sdk.WithSpan(ctx, "probe", func(ctx context.Context) error {
		slog.Info("probe trace started",
			"trace_id", sdk.ActiveSpan(ctx).SpanContext().TraceID().String())

		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(4)

		for i := 0; i < count; i++ {
			g.Go(func() error { return probeFetch(ctx, target) })
			g.Go(func() error { return probeWebReq(ctx, target) })
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("probe: %w", err)
		}
		slog.Info("tsunagi-probe done", "requests", count*2)
		return nil
	})
}

// probeFetch issues one promise-style request.
func probeFetch(ctx context.Context, target string) error {
	resp, err := fetch.Fetch(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", target, err)
	}
	slog.Debug("fetch probe", "status", resp.Status, "url", resp.URL)
	return nil
}

// probeWebReq issues one callback-style request and waits for its
// terminal event.
func probeWebReq(ctx context.Context, target string) error {
	req := webreq.NewWithContext(ctx)
	if err := req.Open("GET", target); err != nil {
		return fmt.Errorf("open %s: %w", target, err)
	}
	if err := req.Send(nil); err != nil {
		return fmt.Errorf("send %s: %w", target, err)
	}

	select {
	case <-req.Done():
	case <-ctx.Done():
		req.Abort()
		<-req.Done()
	}

	if err := req.Err(); err != nil {
		return fmt.Errorf("webreq %s: %w", target, err)
	}
	slog.Debug("webreq probe", "status", req.Status(), "url", req.URL())
	return nil
}
