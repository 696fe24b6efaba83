package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"surfacebroker/internal/domain"
	"surfacebroker/internal/infra/middleware"
)

// SurfaceService is the broker functionality behind the control endpoints.
type SurfaceService interface {
	SaveDefinition(ctx context.Context, name, source string) (domain.DefinitionInfo, error)
	DeleteDefinition(ctx context.Context, name string) error
	CloseSurface(ctx context.Context, name string) (bool, error)
	LiveSurfaces() []string
}

// MessageHandler handles one JSON-RPC message and returns the response,
// or nil for notifications.
type MessageHandler interface {
	HandleMessage(ctx context.Context, message json.RawMessage) mcp.JSONRPCMessage
}

// Deps holds the collaborators of the gateway.
type Deps struct {
	Tools    domain.ToolExecutor
	Surfaces SurfaceService
	Store    domain.DefinitionStore
	RPC      MessageHandler         // can be nil (JSON-RPC bodies rejected)
	Prefs    domain.PreferenceStore // can be nil
	Bus      domain.EventBus        // can be nil
	Logger   *slog.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithAuthenticator requires a valid bearer token on every endpoint.
func WithAuthenticator(a Authenticator) ServerOption {
	return func(s *Server) { s.auth = a }
}

// WithRateLimit enables per-client rate limiting.
func WithRateLimit(cfg middleware.RateLimitConfig) ServerOption {
	return func(s *Server) { s.rateLimit = &cfg }
}

// WithMaxBody caps request bodies at n bytes.
func WithMaxBody(n int64) ServerOption {
	return func(s *Server) { s.maxBody = n }
}

// WithSynchronousInvoke returns invocation results in the HTTP response in
// addition to pushing them on the session.
func WithSynchronousInvoke(enabled bool) ServerOption {
	return func(s *Server) { s.syncInvoke = enabled }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithVersion sets the version reported by the status endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithTransportOptions configures the session transport.
func WithTransportOptions(opts ...TransportOption) ServerOption {
	return func(s *Server) { s.transportOpts = append(s.transportOpts, opts...) }
}

// Server is the HTTP front of the broker: streaming sessions, invocation
// intake and the control endpoints.
type Server struct {
	deps            Deps
	transport       *Transport
	transportOpts   []TransportOption
	auth            Authenticator
	rateLimit       *middleware.RateLimitConfig
	maxBody         int64
	syncInvoke      bool
	shutdownTimeout time.Duration
	version         string
	addr            string
	logger          *slog.Logger
	metrics         *Metrics
	startTime       time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
	ready     chan struct{}
	unsubs    []func()
	stopOnce  sync.Once
}

// NewServer creates a gateway server listening on addr. Bus events are
// forwarded to every session from construction until Stop.
func NewServer(addr string, deps Deps, opts ...ServerOption) *Server {
	s := &Server{
		deps:            deps,
		addr:            addr,
		logger:          deps.Logger,
		maxBody:         1 << 20,
		shutdownTimeout: 5 * time.Second,
		version:         "dev",
		metrics:         &Metrics{},
		startTime:       time.Now(),
		ready:           make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	topts := append([]TransportOption{WithTransportEventBus(deps.Bus)}, s.transportOpts...)
	s.transport = NewTransport(s.invoke, s.logger, topts...)

	if deps.Bus != nil {
		s.unsubs = append(s.unsubs,
			deps.Bus.SubscribeAll(s.forwardEvent),
			deps.Bus.Subscribe(domain.EventToolCallCompleted, s.metrics.observeToolCall),
		)
	}
	return s
}

// Transport returns the session transport.
func (s *Server) Transport() *Transport { return s.transport }

// Handler builds the HTTP handler. ctx bounds background work such as the
// rate limiter's cleanup.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", s.handleSSE)
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("POST /invoke", s.handleInvoke)
	mux.HandleFunc("POST /messages", s.handleInvoke)
	mux.HandleFunc("GET /definitions", s.handleListDefinitions)
	mux.HandleFunc("POST /definitions", s.handleSaveDefinition)
	mux.HandleFunc("DELETE /definitions/{name}", s.handleDeleteDefinition)
	mux.HandleFunc("GET /surfaces", s.handleListSurfaces)
	mux.HandleFunc("DELETE /surfaces/{name}", s.handleCloseSurface)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	var h http.Handler = mux
	h = middleware.MaxBody(s.maxBody)(h)
	if s.rateLimit != nil {
		h = middleware.RateLimit(ctx, *s.rateLimit, s.logger)(h)
	}
	h = requireAuth(s.auth, s.logger, h)
	return middleware.SecurityHeaders(h)
}

// Start begins accepting connections. Blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.Handler(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Ready is closed once Start has bound its listener.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// BoundAddr returns the actual address the server bound to. Only valid after Ready.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop closes every session and shuts the HTTP server down. Safe to call
// more than once.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.transport.Shutdown()

		s.mu.Lock()
		srv := s.httpSrv
		s.mu.Unlock()
		if srv == nil {
			return
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
		defer cancel()
		err = srv.Shutdown(shutdownCtx)
		s.logger.Info("gateway stopped")
	})
	return err
}

// forwardEvent pushes bus events to every session as event frames.
func (s *Server) forwardEvent(_ context.Context, ev domain.Event) {
	switch ev.Type {
	case domain.EventSessionOpened, domain.EventSessionClosed:
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.transport.Broadcast(Frame{Type: FrameTypeEvent, SessionID: ev.SessionID, Payload: payload})
}
