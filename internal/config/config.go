// Package config loads and validates SDK configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all SDK configuration.
type Config struct {
	// OTEL settings.
	OTELEndpoint string // OTLP HTTP endpoint; empty disables export.
	OTELInsecure bool
	ServiceName  string

	// Instrumentation settings.
	ExcludedURLs             []string // URL patterns that never get a span.
	PropagateTraceHeaderURLs []string // URL patterns that receive trace headers; empty means all.
	UserAgent                string

	// Operational settings.
	LogLevel       string
	MetricsEnabled bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		OTELEndpoint:             envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:             envBool("TSUNAGI_OTLP_INSECURE", false),
		ServiceName:              envStr("OTEL_SERVICE_NAME", "tsunagi"),
		ExcludedURLs:             envStrSlice("TSUNAGI_EXCLUDED_URLS"),
		PropagateTraceHeaderURLs: envStrSlice("TSUNAGI_PROPAGATE_URLS"),
		UserAgent:                envStr("TSUNAGI_USER_AGENT", ""),
		LogLevel:                 envStr("TSUNAGI_LOG_LEVEL", "info"),
		MetricsEnabled:           envBool("TSUNAGI_METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present. URL patterns
// are deliberately not validated here: a malformed pattern degrades to
// "no match" at evaluation time instead of failing startup.
func (c Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("config: OTEL_SERVICE_NAME must not be empty")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envStrSlice parses a comma-separated list, trimming whitespace and
// dropping empty entries.
func envStrSlice(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
