package config

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// minTokenLength is the shortest accepted bearer token.
const minTokenLength = 16

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateStore(cfg, ve)
	validateRenderer(cfg, ve)
	validateBridge(cfg, ve)
	validatePrefs(cfg, ve)
	validateWatch(cfg, ve)
	validateDiscovery(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	s := cfg.Server
	if s.Addr == "" {
		ve.Add("server.addr is required")
	} else if _, _, err := net.SplitHostPort(s.Addr); err != nil {
		ve.Add("server.addr %q is not a valid host:port", s.Addr)
	}
	if s.KeepaliveInterval <= 0 {
		ve.Add("server.keepalive_interval must be > 0")
	}
	if s.SessionBuffer <= 0 {
		ve.Add("server.session_buffer must be > 0")
	}
	if s.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if s.ShutdownTimeout <= 0 {
		ve.Add("server.shutdown_timeout must be > 0")
	}
	if s.RateLimit.Enabled {
		if s.RateLimit.RPS <= 0 {
			ve.Add("server.rate_limit.rps must be > 0 when rate limiting is enabled")
		}
		if s.RateLimit.Burst <= 0 {
			ve.Add("server.rate_limit.burst must be > 0 when rate limiting is enabled")
		}
		for i, p := range s.RateLimit.TrustedProxies {
			if _, err := netip.ParsePrefix(p); err == nil {
				continue
			}
			if _, err := netip.ParseAddr(p); err != nil {
				ve.Add("server.rate_limit.trusted_proxies[%d] %q is not an IP or CIDR", i, p)
			}
		}
	}
	for i, tok := range s.AuthTokens {
		if len(tok) < minTokenLength {
			ve.Add("server.auth_tokens[%d] must be at least %d characters", i, minTokenLength)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Dir == "" {
		ve.Add("store.dir is required")
	}
	if ext := cfg.Store.Extension; ext != "" && (!strings.HasPrefix(ext, ".") || strings.ContainsAny(ext, `/\`)) {
		ve.Add("store.extension %q must start with '.' and contain no path separators", ext)
	}
	if cfg.Store.MaxSourceSize <= 0 {
		ve.Add("store.max_source_size must be > 0")
	}
}

var validRendererTypes = map[string]bool{"chromedp": true, "mock": true}

func validateRenderer(cfg *Config, ve *ValidationError) {
	r := cfg.Renderer
	if !validRendererTypes[r.Type] {
		ve.Add("renderer.type %q is invalid (want: chromedp, mock)", r.Type)
	}
	if r.OpenTimeout <= 0 {
		ve.Add("renderer.open_timeout must be > 0")
	}
	if r.WindowWidth <= 0 || r.WindowHeight <= 0 {
		ve.Add("renderer.window_width and renderer.window_height must be > 0")
	}
	if r.RemoteURL != "" && !strings.HasPrefix(r.RemoteURL, "ws://") && !strings.HasPrefix(r.RemoteURL, "wss://") {
		ve.Add("renderer.remote_url %q must be a ws:// or wss:// DevTools URL", r.RemoteURL)
	}
}

func validateBridge(cfg *Config, ve *ValidationError) {
	b := cfg.Bridge
	if b.EvaluateTimeout <= 0 {
		ve.Add("bridge.evaluate_timeout must be > 0")
	}
	if b.BreakerFailures < 0 {
		ve.Add("bridge.breaker_failures must be >= 0")
	}
	if b.BreakerFailures > 0 && b.BreakerCooldown <= 0 {
		ve.Add("bridge.breaker_cooldown must be > 0 when the breaker is enabled")
	}
}

func validatePrefs(cfg *Config, ve *ValidationError) {
	switch cfg.Prefs.Backend {
	case "none":
	case "yaml", "sqlite":
		if cfg.Prefs.Path == "" {
			ve.Add("prefs.path is required for backend %q", cfg.Prefs.Backend)
		}
	default:
		ve.Add("prefs.backend %q is invalid (want: yaml, sqlite, none)", cfg.Prefs.Backend)
	}
}

func validateWatch(cfg *Config, ve *ValidationError) {
	if cfg.Watch.Enabled && cfg.Watch.Debounce < 0 {
		ve.Add("watch.debounce must be >= 0")
	}
}

func validateDiscovery(cfg *Config, ve *ValidationError) {
	if cfg.Discovery.Enabled && cfg.Discovery.Instance == "" {
		ve.Add("discovery.instance is required when discovery is enabled")
	}
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	if !validLogFormats[strings.ToLower(cfg.Logger.Format)] {
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

var validExporters = map[string]bool{"noop": true, "stdout": true, "stderr": true, "": true}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	if !validExporters[cfg.Tracer.Exporter] {
		ve.Add("tracer.exporter %q is invalid (want: noop, stdout, stderr)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}
