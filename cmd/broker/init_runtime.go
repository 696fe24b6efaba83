package main

import (
	"context"
	"log/slog"

	"surfacebroker/internal/adapter/discovery"
	"surfacebroker/internal/adapter/gateway"
	"surfacebroker/internal/infra/config"
	"surfacebroker/internal/infra/middleware"
	"surfacebroker/internal/usecase/watcher"
)

// runtimeComponents holds the long-running parts started by run.
type runtimeComponents struct {
	Gateway    *gateway.Server
	Watcher    *watcher.Watcher // nil when watching is disabled
	Discoverer discovery.Discoverer
}

func initRuntime(_ context.Context, cfg *config.Config, core *coreComponents, log *slog.Logger) (*runtimeComponents, error) {
	rt := &runtimeComponents{
		Gateway:    buildGateway(cfg, core, log),
		Discoverer: discovery.New(log),
	}

	if cfg.Watch.Enabled {
		opts := []watcher.Option{
			watcher.WithEventBus(core.Bus),
			watcher.WithDebounce(cfg.Watch.Debounce),
		}
		if cfg.Watch.LiveReload {
			opts = append(opts, watcher.WithReloader(core.SurfaceTool))
		}
		rt.Watcher = watcher.New(core.Store.Root(), core.Store.NameFromPath, log, opts...)
	}
	return rt, nil
}

func buildGateway(cfg *config.Config, core *coreComponents, log *slog.Logger) *gateway.Server {
	srv := cfg.Server
	opts := []gateway.ServerOption{
		gateway.WithMaxBody(srv.MaxBodyBytes),
		gateway.WithSynchronousInvoke(srv.SynchronousInvoke),
		gateway.WithShutdownTimeout(srv.ShutdownTimeout),
		gateway.WithVersion(version),
		gateway.WithTransportOptions(
			gateway.WithKeepalive(srv.KeepaliveInterval),
			gateway.WithSessionBuffer(srv.SessionBuffer),
			gateway.WithSingleSessionFallback(srv.SingleSessionFallback),
		),
	}
	if srv.RateLimit.Enabled {
		opts = append(opts, gateway.WithRateLimit(middleware.RateLimitConfig{
			RPS:            srv.RateLimit.RPS,
			Burst:          srv.RateLimit.Burst,
			TrustedProxies: srv.RateLimit.TrustedProxies,
		}))
	}
	if len(srv.AuthTokens) > 0 {
		opts = append(opts, gateway.WithAuthenticator(gateway.NewStaticTokenAuth(srv.AuthTokens)))
	}

	return gateway.NewServer(srv.Addr, gateway.Deps{
		Tools:    core.Tools,
		Surfaces: core.SurfaceTool,
		Store:    core.Store,
		RPC:      core.MCP,
		Prefs:    core.Prefs,
		Bus:      core.Bus,
		Logger:   log,
	}, opts...)
}
