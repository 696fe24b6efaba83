package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"surfacebroker/internal/domain"
)

const (
	// DefaultKeepalive is the idle interval between keepalive frames.
	DefaultKeepalive = 15 * time.Second
	// DefaultSessionBuffer is the outbound frame backlog per session.
	DefaultSessionBuffer = 64

	writeTimeout = 5 * time.Second
)

// Sink is the write side of one streaming connection.
type Sink interface {
	// Start is called once with the assigned session id before any other
	// frame is written.
	Start(ctx context.Context, sessionID string) error
	Send(ctx context.Context, f Frame) error
	// Keepalive writes a frame clients must not treat as a protocol message.
	Keepalive(ctx context.Context) error
	Close() error
}

// Invoker executes one inbound control payload and returns the frame to
// push back on the session. ok is false when there is nothing to push
// (JSON-RPC notifications).
type Invoker func(ctx context.Context, payload json.RawMessage) (resp Frame, ok bool)

// Session is one open streaming connection.
type Session struct {
	id         string
	sink       Sink
	createdAt  time.Time
	lastActive atomic.Int64
	out        chan Frame
	done       chan struct{}
	closeOnce  sync.Once
}

// ID returns the server-generated session id.
func (s *Session) ID() string { return s.id }

// Done is closed once the session has been closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// LastActivity returns the time of the last successful write or dispatch.
func (s *Session) LastActivity() time.Time { return time.Unix(0, s.lastActive.Load()) }

func (s *Session) touch() { s.lastActive.Store(time.Now().UnixNano()) }

// push queues f, waiting for room unless the session closes or ctx ends.
func (s *Session) push(ctx context.Context, f Frame) error {
	select {
	case s.out <- f:
		return nil
	case <-s.done:
		return domain.NewSubSystemError("transport", "Session.push", domain.ErrSessionNotActive, s.id)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithKeepalive sets the keepalive interval.
func WithKeepalive(d time.Duration) TransportOption {
	return func(t *Transport) {
		if d > 0 {
			t.keepalive = d
		}
	}
}

// WithSessionBuffer sets the outbound backlog per session.
func WithSessionBuffer(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.buffer = n
		}
	}
}

// WithSingleSessionFallback routes frames without a session id to the only
// open session. With two or more sessions an id is always required.
func WithSingleSessionFallback(enabled bool) TransportOption {
	return func(t *Transport) { t.fallback = enabled }
}

// WithTransportEventBus publishes session.opened and session.closed events.
func WithTransportEventBus(bus domain.EventBus) TransportOption {
	return func(t *Transport) { t.bus = bus }
}

// Transport owns the session map: it assigns ids, routes control frames to
// their session, emits keepalives and cleans up on disconnect.
type Transport struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	invoke    Invoker
	keepalive time.Duration
	buffer    int
	fallback  bool
	bus       domain.EventBus
	logger    *slog.Logger

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	opened  atomic.Int64
	dropped atomic.Int64
}

// NewTransport creates a transport that runs inbound payloads through invoke.
func NewTransport(invoke Invoker, logger *slog.Logger, opts ...TransportOption) *Transport {
	now := time.Now()
	t := &Transport{
		sessions:  make(map[string]*Session),
		invoke:    invoke,
		keepalive: DefaultKeepalive,
		buffer:    DefaultSessionBuffer,
		logger:    logger,
		entropy:   ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Transport) newID() string {
	t.entropyMu.Lock()
	defer t.entropyMu.Unlock()
	now := time.Now()
	return ulid.MustNew(ulid.Timestamp(now), t.entropy).String()
}

// Open registers a session for sink, starts its keepalive ticker and write
// loop, and returns it. The sink learns its id through Start before the
// session becomes routable.
func (t *Transport) Open(ctx context.Context, sink Sink) (*Session, error) {
	s := &Session{
		id:        t.newID(),
		sink:      sink,
		createdAt: time.Now(),
		out:       make(chan Frame, t.buffer),
		done:      make(chan struct{}),
	}
	s.touch()

	startCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := sink.Start(startCtx, s.id)
	cancel()
	if err != nil {
		_ = sink.Close()
		return nil, domain.WrapOp("Transport.Open", err)
	}

	t.mu.Lock()
	t.sessions[s.id] = s
	active := len(t.sessions)
	t.mu.Unlock()
	t.opened.Add(1)

	go t.writeLoop(s)

	t.logger.Info("session opened", "session_id", s.id, "active", active)
	t.publish(domain.EventSessionOpened, s.id)
	return s, nil
}

// Close stops the session's ticker, removes it and closes its sink. It
// reports whether a session was removed; closing an unknown id is a no-op.
func (t *Transport) Close(id string) bool {
	t.mu.Lock()
	s, ok := t.sessions[id]
	if ok {
		delete(t.sessions, id)
	}
	active := len(t.sessions)
	t.mu.Unlock()
	if !ok {
		return false
	}

	s.closeOnce.Do(func() { close(s.done) })
	if err := s.sink.Close(); err != nil {
		t.logger.Debug("session sink close failed", "session_id", id, "error", err)
	}
	t.logger.Info("session closed", "session_id", id, "active", active)
	t.publish(domain.EventSessionClosed, id)
	return true
}

// Resolve returns the session frames addressed to id belong to. An empty
// id falls back to the only open session when fallback is enabled.
func (t *Transport) Resolve(id string) (*Session, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.sessions) == 0 {
		return nil, domain.NewSubSystemError("transport", "Transport.Resolve", domain.ErrTransportUnavailable, "")
	}
	if id != "" {
		s, ok := t.sessions[id]
		if !ok {
			return nil, domain.NewSubSystemError("transport", "Transport.Resolve", domain.ErrSessionNotActive, id)
		}
		return s, nil
	}
	if t.fallback && len(t.sessions) == 1 {
		for _, s := range t.sessions {
			return s, nil
		}
	}
	return nil, domain.NewSubSystemError("transport", "Transport.Resolve", domain.ErrSessionAmbiguous,
		"no session id supplied")
}

// Dispatch routes one control frame to its session, runs it and queues the
// response on that session. Transport-level failures (no sessions, unknown
// id) are returned as errors and nothing is executed.
func (t *Transport) Dispatch(ctx context.Context, id string, req Frame) (Frame, error) {
	s, err := t.Resolve(id)
	if err != nil {
		t.logger.Warn("dispatch rejected",
			"session_id", id,
			"error", err,
			"code", domain.ErrorCodeOf(err),
		)
		return Frame{}, err
	}
	s.touch()

	callCtx := domain.ContextWithSessionID(ctx, s.id)
	if req.ID != 0 {
		callCtx = domain.ContextWithRequestID(callCtx, strconv.FormatUint(req.ID, 10))
	}
	resp, ok := t.invoke(callCtx, req.Payload)
	if !ok {
		return Frame{}, nil
	}
	resp.ID = req.ID
	resp.SessionID = s.id
	if err := s.push(ctx, resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Broadcast queues f on every open session without blocking. Sessions with
// a full backlog miss the frame.
func (t *Transport) Broadcast(f Frame) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.sessions {
		select {
		case s.out <- f:
		case <-s.done:
		default:
			t.dropped.Add(1)
			t.logger.Warn("dropped frame for slow session", "session_id", s.id, "type", f.Type)
		}
	}
}

// Sessions returns the ids of open sessions in creation order.
func (t *Transport) Sessions() []string {
	t.mu.RLock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	sort.Strings(ids) // ULIDs sort by creation time
	return ids
}

// Count returns the number of open sessions.
func (t *Transport) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// OpenedTotal returns the number of sessions opened since start.
func (t *Transport) OpenedTotal() int64 { return t.opened.Load() }

// DroppedTotal returns the number of broadcast frames dropped for slow sessions.
func (t *Transport) DroppedTotal() int64 { return t.dropped.Load() }

// Shutdown closes every open session.
func (t *Transport) Shutdown() {
	for _, id := range t.Sessions() {
		t.Close(id)
	}
}

// writeLoop is the only writer of s.sink after Start. A failed write runs
// the same cleanup as an explicit Close.
func (t *Transport) writeLoop(s *Session) {
	ticker := time.NewTicker(t.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.out:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.sink.Send(ctx, f)
			cancel()
			if err != nil {
				t.logger.Warn("session write failed", "session_id", s.id, "error", err)
				t.Close(s.id)
				return
			}
			s.touch()
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.sink.Keepalive(ctx)
			cancel()
			if err != nil {
				t.logger.Warn("session keepalive failed", "session_id", s.id, "error", err)
				t.Close(s.id)
				return
			}
		}
	}
}

func (t *Transport) publish(typ domain.EventType, sessionID string) {
	if t.bus == nil {
		return
	}
	ev := domain.NewEvent(typ, nil)
	ev.SessionID = sessionID
	t.bus.Publish(context.Background(), ev)
}
