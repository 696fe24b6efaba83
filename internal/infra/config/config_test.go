package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if cfg.Server.KeepaliveInterval != 15*time.Second {
		t.Errorf("KeepaliveInterval = %v, want 15s", cfg.Server.KeepaliveInterval)
	}
	if !cfg.Server.SingleSessionFallback {
		t.Error("SingleSessionFallback should default to true")
	}
	if cfg.Bridge.EvaluateTimeout != 10*time.Second {
		t.Errorf("EvaluateTimeout = %v, want 10s", cfg.Bridge.EvaluateTimeout)
	}
	if cfg.Store.Extension != ".tsx" {
		t.Errorf("Store.Extension = %q, want .tsx", cfg.Store.Extension)
	}
	if cfg.Logger.Level != "info" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "info")
	}
}

func TestLoadNonExistentReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != Defaults().Server.Addr {
		t.Errorf("expected defaults, got Addr=%q", cfg.Server.Addr)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broker.yaml")
	content := `
server:
  addr: "0.0.0.0:4000"
  keepalive_interval: 5s
  single_session_fallback: false
store:
  dir: "` + filepath.Join(dir, "defs") + `"
renderer:
  type: mock
bridge:
  evaluate_timeout: 2s
  breaker_failures: 0
prefs:
  backend: sqlite
  path: "` + filepath.Join(dir, "prefs.db") + `"
logger:
  level: "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:4000" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.KeepaliveInterval != 5*time.Second {
		t.Errorf("KeepaliveInterval = %v, want 5s", cfg.Server.KeepaliveInterval)
	}
	if cfg.Server.SingleSessionFallback {
		t.Error("SingleSessionFallback should be false")
	}
	if cfg.Renderer.Type != "mock" {
		t.Errorf("Renderer.Type = %q, want mock", cfg.Renderer.Type)
	}
	if cfg.Bridge.EvaluateTimeout != 2*time.Second || cfg.Bridge.BreakerFailures != 0 {
		t.Errorf("Bridge = %+v", cfg.Bridge)
	}
	if cfg.Prefs.Backend != "sqlite" {
		t.Errorf("Prefs.Backend = %q", cfg.Prefs.Backend)
	}
	// Unset keys keep their defaults.
	if cfg.Store.MaxSourceSize != 512<<10 {
		t.Errorf("MaxSourceSize = %d, want default", cfg.Store.MaxSourceSize)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte("server: [\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parse config") {
		t.Fatalf("expected parse error, got %v", err)
	}
}

func TestLoadValidationFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte("renderer:\n  type: electron\n"), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
}

func TestLoadRejectsWritableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broker.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "insecure permissions") {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SURFACED_SERVER_ADDR", "127.0.0.1:9999")
	t.Setenv("SURFACED_SERVER_SINGLE_SESSION_FALLBACK", "false")
	t.Setenv("SURFACED_BRIDGE_EVALUATE_TIMEOUT", "3s")
	t.Setenv("SURFACED_RENDERER_TYPE", "mock")
	t.Setenv("SURFACED_LOGGER_LEVEL", "debug")
	t.Setenv("SURFACED_PREFS_BACKEND", "none")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Server.Addr != "127.0.0.1:9999" {
		t.Errorf("Addr = %q", cfg.Server.Addr)
	}
	if cfg.Server.SingleSessionFallback {
		t.Error("SingleSessionFallback should be overridden to false")
	}
	if cfg.Bridge.EvaluateTimeout != 3*time.Second {
		t.Errorf("EvaluateTimeout = %v", cfg.Bridge.EvaluateTimeout)
	}
	if cfg.Renderer.Type != "mock" {
		t.Errorf("Renderer.Type = %q", cfg.Renderer.Type)
	}
	if cfg.Logger.Level != "debug" {
		t.Errorf("Logger.Level = %q, want %q", cfg.Logger.Level, "debug")
	}
	if cfg.Prefs.Backend != "none" {
		t.Errorf("Prefs.Backend = %q", cfg.Prefs.Backend)
	}
}

func TestEnvOverridesIgnoreGarbage(t *testing.T) {
	t.Setenv("SURFACED_BRIDGE_EVALUATE_TIMEOUT", "soon")
	t.Setenv("SURFACED_SERVER_SYNCHRONOUS_INVOKE", "maybe")

	cfg := Defaults()
	ApplyEnvOverrides(cfg)

	if cfg.Bridge.EvaluateTimeout != 10*time.Second {
		t.Errorf("EvaluateTimeout = %v, want default", cfg.Bridge.EvaluateTimeout)
	}
	if cfg.Server.SynchronousInvoke {
		t.Error("SynchronousInvoke should stay false")
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != DefaultConfigFile {
		t.Errorf("ResolvePath() = %q, want %q", got, DefaultConfigFile)
	}
	t.Setenv(EnvConfigPath, "/etc/surfaced.yaml")
	if got := ResolvePath(""); got != "/etc/surfaced.yaml" {
		t.Errorf("ResolvePath() = %q, want env value", got)
	}
	if got := ResolvePath("flag.yaml"); got != "flag.yaml" {
		t.Errorf("ResolvePath(flag) = %q, want flag.yaml", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandHome("~/defs"); got != filepath.Join(home, "defs") {
		t.Errorf("expandHome = %q", got)
	}
	if got := expandHome("/abs/defs"); got != "/abs/defs" {
		t.Errorf("expandHome changed absolute path: %q", got)
	}
}
