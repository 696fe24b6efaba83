package main

import (
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"surfacebroker/internal/adapter/prefs"
	"surfacebroker/internal/adapter/render"
	"surfacebroker/internal/adapter/store"
	"surfacebroker/internal/adapter/tool"
	"surfacebroker/internal/domain"
	"surfacebroker/internal/infra/config"
	"surfacebroker/internal/usecase/eventbus"
	"surfacebroker/internal/usecase/surface"
)

// coreComponents holds everything below the transport.
type coreComponents struct {
	Bus         *eventbus.Bus
	Store       *store.LocalStore
	Renderer    domain.SurfaceFactory
	Bridge      *surface.Bridge
	Registry    *surface.Registry
	Prefs       domain.PreferenceStore
	SurfaceTool *tool.SurfaceTool
	Tools       *tool.Registry
	MCP         *server.MCPServer

	logger *slog.Logger
}

// Close tears the core down in reverse construction order.
func (c *coreComponents) Close() {
	if c.Registry != nil {
		c.Registry.CloseAll()
	}
	if c.Renderer != nil {
		if err := c.Renderer.Close(); err != nil {
			c.logger.Error("renderer close error", "error", err)
		}
	}
	if c.Prefs != nil {
		if err := c.Prefs.Close(); err != nil {
			c.logger.Error("prefs close error", "error", err)
		}
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
}

func initCore(cfg *config.Config, log *slog.Logger) (*coreComponents, error) {
	c := &coreComponents{logger: log}
	c.Bus = eventbus.New(log)

	st, err := openStore(cfg, log)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Store = st

	renderer, err := openRenderer(cfg.Renderer, st.Extension(), log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("renderer: %w", err)
	}
	c.Renderer = renderer

	c.Bridge = surface.NewBridge(surface.BridgeConfig{
		EvaluateTimeout: cfg.Bridge.EvaluateTimeout,
		BreakerFailures: uint32(cfg.Bridge.BreakerFailures),
		BreakerCooldown: cfg.Bridge.BreakerCooldown,
	}, log)

	c.Registry = surface.NewRegistry(st, renderer, log,
		surface.WithOpenHook(c.Bridge.Attach),
		surface.WithEventBus(c.Bus),
	)

	p, err := prefs.Open(cfg.Prefs.Backend, cfg.Prefs.Path, log)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("prefs: %w", err)
	}
	c.Prefs = p

	c.SurfaceTool = tool.NewSurfaceTool(c.Registry, c.Bridge, st, log,
		tool.WithPreferences(p),
		tool.WithEventBus(c.Bus),
	)
	c.Tools = tool.NewRegistry(log)
	if err := c.Tools.Register(c.SurfaceTool); err != nil {
		c.Close()
		return nil, fmt.Errorf("register tool: %w", err)
	}
	c.MCP = tool.NewMCPServer("surfaced", version, c.Tools)

	return c, nil
}

func openStore(cfg *config.Config, log *slog.Logger) (*store.LocalStore, error) {
	st, err := store.NewLocalStore(cfg.Store.Dir, log,
		store.WithExtension(cfg.Store.Extension),
		store.WithMaxSourceSize(cfg.Store.MaxSourceSize),
	)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	return st, nil
}

// openRenderer picks the surface implementation. The mock renderer runs
// surfaces in-process and is meant for dry runs. ext is the definition file
// extension, which selects the default preamble.
func openRenderer(cfg config.RendererConfig, ext string, log *slog.Logger) (domain.SurfaceFactory, error) {
	switch cfg.Type {
	case "mock":
		log.Warn("using mock renderer: surfaces are not displayed")
		return render.NewMockRenderer(), nil
	case "chromedp", "":
		r, err := render.NewChromeDPRenderer(render.ChromeDPConfig{
			RemoteURL:    cfg.RemoteURL,
			Headless:     cfg.Headless,
			Timeout:      cfg.OpenTimeout,
			Preamble:     render.PreambleFor(cfg.Preamble, ext),
			WindowWidth:  cfg.WindowWidth,
			WindowHeight: cfg.WindowHeight,
		}, log)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown renderer type %q", cfg.Type)
	}
}
