package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"surfacebroker/internal/domain"
)

// ChromeDPConfig holds configuration for the chromedp renderer.
type ChromeDPConfig struct {
	// RemoteURL is the CDP WebSocket endpoint of an already running Chrome.
	// If empty, a local Chrome instance is launched.
	RemoteURL string
	// Headless controls whether a locally launched Chrome runs headless.
	Headless bool
	// Timeout bounds browser start-up and tab creation.
	Timeout time.Duration
	// Preamble is HTML inserted into the <head> of every surface document.
	Preamble string
	// WindowWidth and WindowHeight size locally launched windows.
	WindowWidth  int
	WindowHeight int
}

// ChromeDPRenderer opens every surface as its own browser tab.
type ChromeDPRenderer struct {
	cfg           ChromeDPConfig
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	logger        *slog.Logger

	mu   sync.Mutex
	tabs map[target.ID]*Tab
}

// NewChromeDPRenderer starts (or connects to) a browser.
func NewChromeDPRenderer(cfg ChromeDPConfig, logger *slog.Logger) (*ChromeDPRenderer, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.WindowWidth <= 0 || cfg.WindowHeight <= 0 {
		cfg.WindowWidth, cfg.WindowHeight = 1024, 768
	}

	r := &ChromeDPRenderer{
		cfg:    cfg,
		tabs:   make(map[target.ID]*Tab),
		logger: logger,
	}

	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, r.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		logger.Info("chromedp connecting to remote browser", "url", cfg.RemoteURL)
	} else {
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		)
		allocCtx, r.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		logger.Info("chromedp launching local browser", "headless", cfg.Headless)
	}

	r.browserCtx, r.browserCancel = chromedp.NewContext(allocCtx)

	// The first Run binds the browser to browserCtx; it must not be a
	// derived context with its own deadline.
	startDone := make(chan error, 1)
	go func() { startDone <- chromedp.Run(r.browserCtx) }()
	select {
	case err := <-startDone:
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-time.After(cfg.Timeout):
		r.Close()
		return nil, fmt.Errorf("start browser: timed out after %v", cfg.Timeout)
	}

	chromedp.ListenBrowser(r.browserCtx, func(ev any) {
		if e, ok := ev.(*target.EventTargetDestroyed); ok {
			r.mu.Lock()
			tab := r.tabs[e.TargetID]
			r.mu.Unlock()
			if tab != nil {
				go tab.markClosed("target destroyed")
			}
		}
	})

	logger.Info("chromedp browser started")
	return r, nil
}

func (r *ChromeDPRenderer) Name() string { return "chromedp" }

// Open creates a tab for name and loads the document built from source.
func (r *ChromeDPRenderer) Open(ctx context.Context, name, source string) (domain.Surface, error) {
	var id target.ID
	if err := chromedp.Run(r.browserCtx, chromedp.ActionFunc(func(actx context.Context) error {
		var err error
		id, err = target.CreateTarget("about:blank").Do(actx)
		return err
	})); err != nil {
		return nil, fmt.Errorf("create tab for %q: %w", name, err)
	}

	tabCtx, tabCancel := chromedp.NewContext(r.browserCtx, chromedp.WithTargetID(id))
	tab := &Tab{name: name, id: id, ctx: tabCtx, cancel: tabCancel, logger: r.logger}

	doc := BuildDocument(name, source, r.cfg.Preamble)
	load := chromedp.ActionFunc(func(actx context.Context) error {
		tree, err := page.GetFrameTree().Do(actx)
		if err != nil {
			return err
		}
		return page.SetDocumentContent(tree.Frame.ID, doc).Do(actx)
	})

	loadDone := make(chan error, 1)
	go func() { loadDone <- chromedp.Run(tabCtx, load, chromedp.WaitReady("body")) }()
	select {
	case err := <-loadDone:
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("load surface %q: %w", name, err)
		}
	case <-ctx.Done():
		tabCancel()
		return nil, ctx.Err()
	case <-time.After(r.cfg.Timeout):
		tabCancel()
		return nil, domain.NewSubSystemError("renderer", "ChromeDP.Open", domain.ErrTimeout,
			fmt.Sprintf("loading %q took longer than %s", name, r.cfg.Timeout))
	}

	tab.forget = func() {
		r.mu.Lock()
		delete(r.tabs, id)
		r.mu.Unlock()
	}
	r.mu.Lock()
	r.tabs[id] = tab
	r.mu.Unlock()

	chromedp.ListenTarget(tabCtx, func(ev any) {
		if _, ok := ev.(*inspector.EventDetached); ok {
			go tab.markClosed("inspector detached")
		}
	})
	go func() {
		<-tabCtx.Done()
		tab.markClosed("context done")
	}()

	r.logger.Debug("surface tab opened", "name", name, "target", string(id))
	return tab, nil
}

// Close shuts every tab and the browser down.
func (r *ChromeDPRenderer) Close() error {
	r.mu.Lock()
	tabs := make([]*Tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		tabs = append(tabs, t)
	}
	r.mu.Unlock()
	for _, t := range tabs {
		_ = t.Close()
	}

	if r.browserCancel != nil {
		r.browserCancel()
	}
	if r.allocCancel != nil {
		r.allocCancel()
	}
	return nil
}

// Tab is a surface backed by one browser tab.
type Tab struct {
	name   string
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	forget func()

	mu      sync.Mutex
	closed  bool
	closers []func()
}

// Evaluate runs script in the tab's page, awaiting promises.
func (t *Tab) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	if t.isClosed() {
		return nil, domain.ErrSurfaceClosed
	}

	// chromedp actions run on the tab context; the caller's deadline is
	// applied on top of it.
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var out string
	err := chromedp.Run(runCtx, chromedp.Evaluate(wrapForJSON(script), &out,
		func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
			return p.WithAwaitPromise(true)
		},
	))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if out == "undefined" {
		return nil, nil
	}
	return json.RawMessage(out), nil
}

// Focus brings the tab to the front.
func (t *Tab) Focus(ctx context.Context) error {
	if t.isClosed() {
		return domain.ErrSurfaceClosed
	}
	runCtx, cancel := context.WithCancel(t.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, page.BringToFront())
}

// Close closes the tab. It is idempotent.
func (t *Tab) Close() error {
	if t.isClosed() {
		return nil
	}
	closeCtx, cancel := context.WithTimeout(t.ctx, 2*time.Second)
	if err := chromedp.Run(closeCtx, page.Close()); err != nil {
		t.logger.Debug("page close failed, cancelling tab", "name", t.name, "error", err)
	}
	cancel()
	t.cancel()
	t.markClosed("closed")
	return nil
}

// OnClosed registers fn to run once the tab is gone.
func (t *Tab) OnClosed(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.closers = append(t.closers, fn)
	t.mu.Unlock()
}

func (t *Tab) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Tab) markClosed(reason string) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	closers := t.closers
	t.closers = nil
	t.mu.Unlock()

	t.cancel()
	if t.forget != nil {
		t.forget()
	}
	t.logger.Debug("surface tab closed", "name", t.name, "target", string(t.id), "reason", reason)
	for _, fn := range closers {
		fn()
	}
}

var (
	_ domain.SurfaceFactory = (*ChromeDPRenderer)(nil)
	_ domain.Surface        = (*Tab)(nil)
)
