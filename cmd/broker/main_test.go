package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"surfacebroker/internal/adapter/gateway"
	"surfacebroker/internal/adapter/tool"
	"surfacebroker/internal/infra/config"
	"surfacebroker/internal/infra/logger"
)

const counterSource = `// @state {"count":0}
let state = {count: 0}
function getState() { return state }
function setState(next) { state = next }
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Store.Dir = filepath.Join(dir, "surfaces")
	cfg.Renderer.Type = "mock"
	cfg.Prefs.Backend = "none"
	cfg.Watch.Enabled = false
	return cfg
}

func TestConfigPath(t *testing.T) {
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })
	t.Setenv(config.EnvConfigPath, "")

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"broker"}, config.DefaultConfigFile},
		{[]string{"broker", "--config", "/etc/b.yaml"}, "/etc/b.yaml"},
		{[]string{"broker", "list", "--config=/tmp/x.yaml"}, "/tmp/x.yaml"},
	}
	for _, tt := range tests {
		os.Args = tt.args
		if got := configPath(); got != tt.want {
			t.Errorf("configPath(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}

func TestConfigPath_Env(t *testing.T) {
	orig := os.Args
	t.Cleanup(func() { os.Args = orig })
	t.Setenv(config.EnvConfigPath, "/srv/broker.yaml")

	os.Args = []string{"broker"}
	if got := configPath(); got != "/srv/broker.yaml" {
		t.Errorf("configPath() = %q, want env value", got)
	}
}

func TestPortOf(t *testing.T) {
	port, err := portOf("127.0.0.1:3000")
	if err != nil || port != 3000 {
		t.Errorf("portOf() = %d, %v; want 3000", port, err)
	}
	if _, err := portOf("no-port"); err == nil {
		t.Error("expected error for address without port")
	}
}

func TestOpenRenderer_Unknown(t *testing.T) {
	if _, err := openRenderer(config.RendererConfig{Type: "webkit"}, ".tsx", logger.Discard()); err == nil {
		t.Error("expected error for unknown renderer type")
	}
}

func TestInitCore_Mock(t *testing.T) {
	cfg := testConfig(t)
	core, err := initCore(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("initCore: %v", err)
	}
	defer core.Close()

	if core.Renderer.Name() != "mock" {
		t.Errorf("renderer = %q, want mock", core.Renderer.Name())
	}
	if _, err := core.Tools.Get(tool.SurfaceToolName); err != nil {
		t.Errorf("surface tool not registered: %v", err)
	}
	if info, err := os.Stat(cfg.Store.Dir); err != nil || !info.IsDir() {
		t.Errorf("store dir not created: %v", err)
	}

	if _, err := core.SurfaceTool.SaveDefinition(context.Background(), "counter", counterSource); err != nil {
		t.Fatalf("SaveDefinition: %v", err)
	}
	defs, err := core.Store.List(context.Background())
	if err != nil || len(defs) != 1 || defs[0].Name != "counter" {
		t.Errorf("List() = %v, %v; want [counter]", defs, err)
	}
}

func TestInitRuntime_Watcher(t *testing.T) {
	cfg := testConfig(t)
	core, err := initCore(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("initCore: %v", err)
	}
	defer core.Close()

	rt, err := initRuntime(context.Background(), cfg, core, logger.Discard())
	if err != nil {
		t.Fatalf("initRuntime: %v", err)
	}
	if rt.Watcher != nil {
		t.Error("watcher built while disabled")
	}

	cfg.Watch.Enabled = true
	rt, err = initRuntime(context.Background(), cfg, core, logger.Discard())
	if err != nil {
		t.Fatalf("initRuntime: %v", err)
	}
	if rt.Watcher == nil {
		t.Error("watcher not built while enabled")
	}
}

func TestBuildGateway(t *testing.T) {
	cfg := testConfig(t)
	core, err := initCore(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("initCore: %v", err)
	}
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := buildGateway(cfg, core, logger.Discard())
	defer srv.Stop(context.Background())
	ts := httptest.NewServer(srv.Handler(ctx))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var st gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.Broker.Version != version {
		t.Errorf("version = %q, want %q", st.Broker.Version, version)
	}
	if st.Tools.CallsPersisted != 0 {
		t.Errorf("calls_persisted = %d, want 0 for an empty memory store", st.Tools.CallsPersisted)
	}
}

func TestBuildGateway_AuthTokens(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AuthTokens = []string{"0123456789abcdef"}
	core, err := initCore(cfg, logger.Discard())
	if err != nil {
		t.Fatalf("initCore: %v", err)
	}
	defer core.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := buildGateway(cfg, core, logger.Discard())
	defer srv.Stop(context.Background())
	ts := httptest.NewServer(srv.Handler(ctx))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer 0123456789abcdef")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", resp.StatusCode)
	}
}
