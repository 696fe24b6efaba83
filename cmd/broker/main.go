package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"surfacebroker/internal/adapter/discovery"
	"surfacebroker/internal/infra/config"
	"surfacebroker/internal/infra/logger"
	"surfacebroker/internal/infra/tracer"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "list":
		if err := runList(); err != nil {
			fmt.Fprintf(os.Stderr, "list: %v\n", err)
			os.Exit(1)
		}
	case "discover":
		if err := runDiscover(); err != nil {
			fmt.Fprintf(os.Stderr, "discover: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'broker --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`broker - dynamic interface broker

USAGE:
    broker [COMMAND] [FLAGS]

COMMANDS:
    serve       Run the broker (default when no command is given)
    list        Print the persisted surface definitions
    discover    Find brokers advertised on the local network (mDNS builds)
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./broker.yaml)

CONFIGURATION:
    Config file: ./broker.yaml
    Environment: SURFACED_* variables override config

ENDPOINTS:
    GET  /events, /sse     Server-sent event session
    GET  /ws               WebSocket session
    POST /invoke, /messages
                           Surface invocation or MCP JSON-RPC message
    GET  /api/v1/status    Broker status
    GET  /metrics          Prometheus metrics

EXAMPLES:
    broker                                 # Run with broker.yaml
    broker --config /etc/surfaced.yaml     # Run with custom config
    broker list                            # Show stored definitions
    broker doctor                          # Check system health`)
}

// configPath returns the --config flag value, then $SURFACED_CONFIG, then
// the default file name.
func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return config.ResolvePath(os.Args[i+1])
		}
		if strings.HasPrefix(arg, "--config=") {
			return config.ResolvePath(strings.TrimPrefix(arg, "--config="))
		}
	}
	return config.ResolvePath("")
}

func run() error {
	ctx := context.Background()

	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	// 3. Tracer
	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer, tracer.WithServiceVersion(version))
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(shutdownCtx); err != nil {
			log.Error("tracer shutdown error", "error", err)
		}
	}()

	// 4. Store, renderer, surfaces, tool
	core, err := initCore(cfg, log)
	if err != nil {
		return err
	}
	defer core.Close()

	// 5. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 6. Runtime (gateway, watcher, advertiser)
	rt, err := initRuntime(ctx, cfg, core, log)
	if err != nil {
		return fmt.Errorf("runtime: %w", err)
	}

	log.Info("surfaced starting",
		"version", version,
		"addr", cfg.Server.Addr,
		"store", core.Store.Root(),
		"renderer", core.Renderer.Name(),
		"prefs", cfg.Prefs.Backend,
		"auth", len(cfg.Server.AuthTokens) > 0,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Gateway.Start(gctx)
	})
	if rt.Watcher != nil {
		g.Go(func() error {
			if err := rt.Watcher.Start(gctx); err != nil {
				return fmt.Errorf("watcher: %w", err)
			}
			<-rt.Watcher.Done()
			return nil
		})
	}
	if cfg.Discovery.Enabled {
		g.Go(func() error {
			return advertise(gctx, cfg, rt, log)
		})
	}

	err = g.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()
	if stopErr := rt.Gateway.Stop(stopCtx); stopErr != nil {
		log.Error("gateway stop error", "error", stopErr)
	}
	log.Info("surfaced stopped")
	return err
}

// advertise publishes the bound gateway port over mDNS until ctx is done.
// Advertising failures are logged; the broker keeps serving.
func advertise(ctx context.Context, cfg *config.Config, rt *runtimeComponents, log *slog.Logger) error {
	select {
	case <-rt.Gateway.Ready():
	case <-ctx.Done():
		return nil
	}
	port, err := portOf(rt.Gateway.BoundAddr())
	if err != nil {
		log.Warn("mdns advertise skipped", "error", err)
		return nil
	}
	meta := map[string]string{
		"version": version,
		"path":    "/events",
	}
	if err := rt.Discoverer.Advertise(ctx, cfg.Discovery.Instance, port, meta); err != nil {
		log.Warn("mdns advertise failed", "error", err)
	}
	return nil
}

func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}

// runList prints the persisted definitions without starting the broker.
func runList() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	st, err := openStore(cfg, logger.Discard())
	if err != nil {
		return err
	}
	defs, err := st.List(context.Background())
	if err != nil {
		return err
	}
	if len(defs) == 0 {
		fmt.Printf("no definitions in %s\n", st.Root())
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSIZE\tUPDATED")
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", d.Name, d.Size, d.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

// runDiscover scans the local network for advertised brokers.
func runDiscover() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	found, err := discovery.New(logger.Discard()).Scan(ctx)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("no brokers found")
		return nil
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTANCE\tADDRESS\tVERSION")
	for _, inst := range found {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", inst.Name, inst.Address, inst.Metadata["version"])
	}
	return tw.Flush()
}
