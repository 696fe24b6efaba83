package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"surfacebroker/internal/infra/config"
)

// CheckStatus is the verdict of one doctor check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult is what a check reports. Fix is shown under non-passing results.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string
}

// Check pairs a label with the function that inspects cfg. cfg is nil when
// the config failed to load.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func pass(format string, args ...any) CheckResult {
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf(format, args...)}
}

func warn(fix, format string, args ...any) CheckResult {
	return CheckResult{Status: StatusWarn, Message: fmt.Sprintf(format, args...), Fix: fix}
}

func fail(fix, format string, args ...any) CheckResult {
	return CheckResult{Status: StatusFail, Message: fmt.Sprintf(format, args...), Fix: fix}
}

var configNotLoaded = fail("", "skipped: config not loaded")

var chromeBinaries = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

const devToolsProbeTimeout = 5 * time.Second

func runDoctor() error {
	cfgPath := configPath()
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{"Config file", checkConfigFile(cfgPath, cfgErr)},
		{"Definition store", checkStoreDir},
		{"Renderer", checkRenderer},
		{"Preference store", checkPrefs},
		{"Listen address", checkListenAddr},
		{"Authentication", checkAuth},
	}
	return report(os.Stdout, cfg, checks)
}

// report runs checks in order, prints one line per result and fails when
// any check failed.
func report(w io.Writer, cfg *config.Config, checks []Check) error {
	fmt.Fprintf(w, "surfaced doctor (%s)\n\n", version)

	counts := make(map[CheckStatus]int, 3)
	for _, c := range checks {
		res := c.Fn(cfg)
		res.Name = c.Name
		counts[res.Status]++

		fmt.Fprintf(w, "  %s %-18s %s\n", statusIcon(res.Status), res.Name, res.Message)
		if res.Fix != "" && res.Status != StatusPass {
			fmt.Fprintf(w, "  %6s %-18s fix: %s\n", "", "", res.Fix)
		}
	}

	fmt.Fprintf(w, "\n%d passed, %d warnings, %d failed\n",
		counts[StatusPass], counts[StatusWarn], counts[StatusFail])
	if n := counts[StatusFail]; n > 0 {
		return fmt.Errorf("%d check(s) failed", n)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass, StatusWarn, StatusFail:
		return "[" + string(s) + "]"
	}
	return "[????]"
}

// checkConfigFile reports the load outcome captured before the checks ran.
// No file at all is a warning since the defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(*config.Config) CheckResult {
		switch _, statErr := os.Stat(cfgPath); {
		case cfgErr != nil:
			return fail("check the syntax and values in "+cfgPath, "%v", cfgErr)
		case os.IsNotExist(statErr):
			return warn("create broker.yaml or pass --config", "%s not found, using defaults", cfgPath)
		}
		return pass("loaded %s", cfgPath)
	}
}

func checkStoreDir(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	return checkWritableDir(cfg.Store.Dir)
}

// checkWritableDir creates dir when missing and proves it writable with a
// probe file that is removed again.
func checkWritableDir(dir string) CheckResult {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return fail("", "resolve %s: %v", dir, err)
	}

	info, err := os.Stat(abs)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return fail("mkdir -p "+abs, "cannot create %s: %v", abs, err)
		}
	case err != nil:
		return fail("", "stat %s: %v", abs, err)
	case !info.IsDir():
		return fail("point the setting at a directory", "%s is not a directory", abs)
	}

	probe, err := os.CreateTemp(abs, ".doctor-*")
	if err != nil {
		return fail("chmod u+w "+abs, "%s is not writable: %v", abs, err)
	}
	probe.Close()
	os.Remove(probe.Name())
	return pass("%s is writable", abs)
}

// checkRenderer looks for a local Chromium, or probes the remote DevTools
// endpoint when one is configured.
func checkRenderer(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}

	switch cfg.Renderer.Type {
	case "chromedp", "":
	case "mock":
		return warn("set renderer.type: chromedp", "mock renderer: surfaces are not displayed")
	default:
		return fail("use chromedp or mock", "unknown renderer type %q", cfg.Renderer.Type)
	}

	if cfg.Renderer.RemoteURL != "" {
		return checkDevTools(cfg.Renderer.RemoteURL)
	}
	for _, name := range chromeBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return pass("%s at %s", name, path)
		}
	}
	return fail("install chromium or set renderer.remote_url", "no Chromium-compatible browser on PATH")
}

// devToolsBase turns a DevTools websocket URL into the browser's HTTP root.
func devToolsBase(remote string) (string, error) {
	u, err := url.Parse(remote)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if i := strings.Index(u.Path, "/devtools/"); i >= 0 {
		u.Path = u.Path[:i]
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

func checkDevTools(remote string) CheckResult {
	base, err := devToolsBase(remote)
	if err != nil {
		return fail("", "invalid renderer.remote_url: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), devToolsProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/json/version", nil)
	if err != nil {
		return fail("", "invalid renderer.remote_url: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fail("start Chrome with --remote-debugging-port", "browser not reachable at %s: %v", base, err)
	}
	resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return warn("", "browser at %s answered %d", base, resp.StatusCode)
	}
	return pass("browser reachable at %s", base)
}

func checkPrefs(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	if cfg.Prefs.Backend == "" || cfg.Prefs.Backend == "none" {
		return pass("in memory only")
	}
	res := checkWritableDir(filepath.Dir(cfg.Prefs.Path))
	if res.Status == StatusPass {
		res.Message = fmt.Sprintf("%s store at %s", cfg.Prefs.Backend, cfg.Prefs.Path)
	}
	return res
}

func checkListenAddr(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return fail("stop the other listener or change server.addr", "cannot listen on %s: %v", cfg.Server.Addr, err)
	}
	ln.Close()
	return pass("%s is free", cfg.Server.Addr)
}

// checkAuth warns when the broker is reachable off-host without tokens.
func checkAuth(cfg *config.Config) CheckResult {
	if cfg == nil {
		return configNotLoaded
	}
	switch {
	case len(cfg.Server.AuthTokens) > 0:
		return pass("%d token(s) configured", len(cfg.Server.AuthTokens))
	case isLoopback(cfg.Server.Addr):
		return pass("off (loopback only)")
	}
	return warn("set server.auth_tokens or SURFACED_SERVER_AUTH_TOKEN",
		"no auth tokens while listening on %s", cfg.Server.Addr)
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
