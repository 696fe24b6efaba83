package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable holding the config file path.
const EnvConfigPath = "SURFACED_CONFIG"

// DefaultConfigFile is used when neither --config nor SURFACED_CONFIG is set.
const DefaultConfigFile = "broker.yaml"

// Config is the root broker configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Renderer  RendererConfig  `yaml:"renderer"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Prefs     PrefsConfig     `yaml:"prefs"`
	Watch     WatchConfig     `yaml:"watch"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// ServerConfig holds the HTTP transport settings.
type ServerConfig struct {
	Addr              string        `yaml:"addr"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// SingleSessionFallback routes invocations without a session id to the
	// only open session. With two or more sessions an id is always required.
	SingleSessionFallback bool            `yaml:"single_session_fallback"`
	SynchronousInvoke     bool            `yaml:"synchronous_invoke"`
	SessionBuffer         int             `yaml:"session_buffer"`
	MaxBodyBytes          int64           `yaml:"max_body_bytes"`
	ShutdownTimeout       time.Duration   `yaml:"shutdown_timeout"`
	RateLimit             RateLimitConfig `yaml:"rate_limit"`
	// AuthTokens, when non-empty, are the bearer tokens accepted on every
	// endpoint. Empty disables authentication.
	AuthTokens []string `yaml:"auth_tokens"`
}

// RateLimitConfig holds the per-client token bucket settings.
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled"`
	RPS     float64 `yaml:"rps"`
	Burst   int     `yaml:"burst"`
	// TrustedProxies are peer IPs or CIDRs whose X-Forwarded-For names the
	// client.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// StoreConfig holds definition store settings.
type StoreConfig struct {
	Dir           string `yaml:"dir"`
	Extension     string `yaml:"extension"`
	MaxSourceSize int    `yaml:"max_source_size"`
}

// RendererConfig selects and configures the surface renderer.
type RendererConfig struct {
	Type         string        `yaml:"type"` // "chromedp" or "mock"
	RemoteURL    string        `yaml:"remote_url,omitempty"`
	Headless     bool          `yaml:"headless"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
	// Preamble is HTML placed in each surface's <head>. Empty selects the
	// built-in React/Babel preamble for .tsx and .jsx stores; "none" turns
	// it off.
	Preamble     string        `yaml:"preamble,omitempty"`
	WindowWidth  int           `yaml:"window_width"`
	WindowHeight int           `yaml:"window_height"`
}

// BridgeConfig holds state bridge settings.
type BridgeConfig struct {
	EvaluateTimeout time.Duration `yaml:"evaluate_timeout"`
	BreakerFailures int           `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// PrefsConfig selects the preference store backend.
type PrefsConfig struct {
	Backend string `yaml:"backend"` // "yaml", "sqlite" or "none"
	Path    string `yaml:"path"`
}

// WatchConfig holds definition directory watcher settings.
type WatchConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Debounce   time.Duration `yaml:"debounce"`
	LiveReload bool          `yaml:"live_reload"`
}

// DiscoveryConfig holds mDNS advertisement settings.
type DiscoveryConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Instance string `yaml:"instance"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.surfaced.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".surfaced")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Addr:                  "127.0.0.1:3000",
			KeepaliveInterval:     15 * time.Second,
			SingleSessionFallback: true,
			SessionBuffer:         64,
			MaxBodyBytes:          1 << 20,
			ShutdownTimeout:       10 * time.Second,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     20,
				Burst:   40,
			},
		},
		Store: StoreConfig{
			Dir:           filepath.Join(dataDir, "surfaces"),
			Extension:     ".tsx",
			MaxSourceSize: 512 << 10,
		},
		Renderer: RendererConfig{
			Type:         "chromedp",
			Headless:     false,
			OpenTimeout:  30 * time.Second,
			WindowWidth:  1024,
			WindowHeight: 768,
		},
		Bridge: BridgeConfig{
			EvaluateTimeout: 10 * time.Second,
			BreakerFailures: 3,
			BreakerCooldown: 30 * time.Second,
		},
		Prefs: PrefsConfig{
			Backend: "yaml",
			Path:    filepath.Join(dataDir, "preferences.yaml"),
		},
		Watch: WatchConfig{
			Enabled:    true,
			Debounce:   200 * time.Millisecond,
			LiveReload: true,
		},
		Discovery: DiscoveryConfig{
			Instance: "surfaced",
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// ResolvePath returns flagPath, then $SURFACED_CONFIG, then DefaultConfigFile.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if v := os.Getenv(EnvConfigPath); v != "" {
		return v
	}
	return DefaultConfigFile
}

// Load reads a YAML config file and applies env var overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)
	cfg.Store.Dir = expandHome(cfg.Store.Dir)
	cfg.Prefs.Path = expandHome(cfg.Prefs.Path)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SURFACED_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SURFACED_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("SURFACED_SERVER_KEEPALIVE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Server.KeepaliveInterval = d
		}
	}
	if v := os.Getenv("SURFACED_SERVER_SINGLE_SESSION_FALLBACK"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.SingleSessionFallback = b
		}
	}
	if v := os.Getenv("SURFACED_SERVER_SYNCHRONOUS_INVOKE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Server.SynchronousInvoke = b
		}
	}
	if v := os.Getenv("SURFACED_SERVER_AUTH_TOKEN"); v != "" {
		cfg.Server.AuthTokens = append(cfg.Server.AuthTokens, v)
	}
	if v := os.Getenv("SURFACED_STORE_DIR"); v != "" {
		cfg.Store.Dir = v
	}
	if v := os.Getenv("SURFACED_STORE_EXTENSION"); v != "" {
		cfg.Store.Extension = v
	}
	if v := os.Getenv("SURFACED_RENDERER_TYPE"); v != "" {
		cfg.Renderer.Type = v
	}
	if v := os.Getenv("SURFACED_RENDERER_REMOTE_URL"); v != "" {
		cfg.Renderer.RemoteURL = v
	}
	if v := os.Getenv("SURFACED_RENDERER_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Renderer.Headless = b
		}
	}
	if v := os.Getenv("SURFACED_BRIDGE_EVALUATE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Bridge.EvaluateTimeout = d
		}
	}
	if v := os.Getenv("SURFACED_BRIDGE_BREAKER_FAILURES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Bridge.BreakerFailures = n
		}
	}
	if v := os.Getenv("SURFACED_PREFS_BACKEND"); v != "" {
		cfg.Prefs.Backend = v
	}
	if v := os.Getenv("SURFACED_PREFS_PATH"); v != "" {
		cfg.Prefs.Path = v
	}
	if v := os.Getenv("SURFACED_WATCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Watch.Enabled = b
		}
	}
	if v := os.Getenv("SURFACED_DISCOVERY_ENABLED"); v == "true" {
		cfg.Discovery.Enabled = true
	}
	if v := os.Getenv("SURFACED_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SURFACED_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SURFACED_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SURFACED_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// expandHome replaces a leading "~/" with the user's home directory.
func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Readable by others is fine; writable is not.
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
