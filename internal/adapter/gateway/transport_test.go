package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"surfacebroker/internal/domain"
)

func nopLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// fakeSink records everything written to it.
type fakeSink struct {
	mu         sync.Mutex
	id         string
	frames     []Frame
	keepalives int
	closed     int
	sendErr    error
	startErr   error
}

func (s *fakeSink) Start(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
	return s.startErr
}

func (s *fakeSink) Send(_ context.Context, f Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeSink) Keepalive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *fakeSink) Frames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Frame(nil), s.frames...)
}

func (s *fakeSink) Keepalives() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

func (s *fakeSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// echoInvoker returns the payload as a result frame and counts calls.
type echoInvoker struct {
	calls   atomic.Int32
	lastSID atomic.Value
}

func (e *echoInvoker) invoke(ctx context.Context, payload json.RawMessage) (Frame, bool) {
	e.calls.Add(1)
	e.lastSID.Store(domain.SessionIDFromContext(ctx))
	return Frame{Type: FrameTypeResult, Payload: payload}, true
}

func newTestTransport(t *testing.T, opts ...TransportOption) (*Transport, *echoInvoker) {
	t.Helper()
	inv := &echoInvoker{}
	tr := NewTransport(inv.invoke, nopLogger(), opts...)
	return tr, inv
}

func openSession(t *testing.T, tr *Transport) (*Session, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	sess, err := tr.Open(context.Background(), sink)
	require.NoError(t, err)
	return sess, sink
}

func request(id uint64, body string) Frame {
	return Frame{Type: FrameTypeRequest, ID: id, Payload: json.RawMessage(body)}
}

func TestTransportOpenAssignsUniqueIDs(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t)
	defer tr.Shutdown()

	a, sinkA := openSession(t, tr)
	b, _ := openSession(t, tr)

	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 26, "ULID string length")
	assert.Equal(t, a.ID(), sinkA.id, "sink learns its id on Start")
	assert.Equal(t, 2, tr.Count())
	assert.Equal(t, []string{a.ID(), b.ID()}, tr.Sessions())
	assert.Equal(t, int64(2), tr.OpenedTotal())
}

func TestTransportOpenStartFailure(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t)

	sink := &fakeSink{startErr: errors.New("headers already written")}
	_, err := tr.Open(context.Background(), sink)
	require.Error(t, err)
	assert.Equal(t, 0, tr.Count())
	assert.Equal(t, 1, sink.Closed())
}

func TestTransportCloseIdempotent(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t)

	sess, sink := openSession(t, tr)
	assert.True(t, tr.Close(sess.ID()))
	assert.False(t, tr.Close(sess.ID()))
	assert.False(t, tr.Close("never-opened"))

	assert.Equal(t, 1, sink.Closed())
	assert.Equal(t, 0, tr.Count())
	select {
	case <-sess.Done():
	default:
		t.Fatal("session Done not closed")
	}
}

func TestTransportDispatchNoSessions(t *testing.T) {
	tr, inv := newTestTransport(t)

	_, err := tr.Dispatch(context.Background(), "", request(1, `{}`))
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, domain.CodeTransportUnavailable, domain.ErrorCodeOf(err))
	assert.Zero(t, inv.calls.Load(), "nothing executes without a session")

	_, err = tr.Dispatch(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV", request(1, `{}`))
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestTransportDispatchUnknownSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, inv := newTestTransport(t)
	defer tr.Shutdown()
	openSession(t, tr)

	_, err := tr.Dispatch(context.Background(), "stale", request(1, `{}`))
	require.ErrorIs(t, err, domain.ErrSessionNotActive)
	assert.Contains(t, err.Error(), "stale")
	assert.Zero(t, inv.calls.Load())
}

func TestTransportDispatchRoutesToOwningSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, inv := newTestTransport(t)
	defer tr.Shutdown()

	_, sinkA := openSession(t, tr)
	b, sinkB := openSession(t, tr)

	resp, err := tr.Dispatch(context.Background(), b.ID(), request(7, `{"mode":"list"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), resp.ID)
	assert.Equal(t, b.ID(), resp.SessionID)
	assert.Equal(t, b.ID(), inv.lastSID.Load(), "invocation context carries the session id")

	require.Eventually(t, func() bool { return len(sinkB.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	got := sinkB.Frames()[0]
	assert.Equal(t, FrameTypeResult, got.Type)
	assert.Equal(t, uint64(7), got.ID)
	assert.JSONEq(t, `{"mode":"list"}`, string(got.Payload))
	assert.Empty(t, sinkA.Frames())
}

func TestTransportSessionFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	t.Run("single session with fallback", func(t *testing.T) {
		tr, _ := newTestTransport(t, WithSingleSessionFallback(true))
		defer tr.Shutdown()
		sess, _ := openSession(t, tr)

		resp, err := tr.Dispatch(context.Background(), "", request(1, `{}`))
		require.NoError(t, err)
		assert.Equal(t, sess.ID(), resp.SessionID)
	})

	t.Run("two sessions require an id", func(t *testing.T) {
		tr, inv := newTestTransport(t, WithSingleSessionFallback(true))
		defer tr.Shutdown()
		openSession(t, tr)
		openSession(t, tr)

		_, err := tr.Dispatch(context.Background(), "", request(1, `{}`))
		require.ErrorIs(t, err, domain.ErrSessionAmbiguous)
		assert.Zero(t, inv.calls.Load())
	})

	t.Run("fallback disabled", func(t *testing.T) {
		tr, _ := newTestTransport(t, WithSingleSessionFallback(false))
		defer tr.Shutdown()
		openSession(t, tr)

		_, err := tr.Dispatch(context.Background(), "", request(1, `{}`))
		require.ErrorIs(t, err, domain.ErrSessionAmbiguous)
	})
}

func TestTransportNotificationPushesNothing(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr := NewTransport(func(context.Context, json.RawMessage) (Frame, bool) {
		return Frame{}, false
	}, nopLogger())
	defer tr.Shutdown()
	sess, sink := openSession(t, tr)

	resp, err := tr.Dispatch(context.Background(), sess.ID(), request(1, `{}`))
	require.NoError(t, err)
	assert.Empty(t, resp.Type)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.Frames())
}

func TestTransportKeepalive(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t, WithKeepalive(10*time.Millisecond))
	defer tr.Shutdown()

	_, sink := openSession(t, tr)
	require.Eventually(t, func() bool { return sink.Keepalives() >= 2 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.Frames(), "keepalives are not protocol frames")
}

func TestTransportKeepaliveStopsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t, WithKeepalive(5*time.Millisecond))

	sess, sink := openSession(t, tr)
	require.Eventually(t, func() bool { return sink.Keepalives() >= 1 }, time.Second, time.Millisecond)
	tr.Close(sess.ID())

	time.Sleep(10 * time.Millisecond) // let an in-flight tick drain
	n := sink.Keepalives()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, sink.Keepalives())
}

func TestTransportWriteFailureClosesSession(t *testing.T) {
	defer goleak.VerifyNone(t)
	bus := &captureBus{}
	tr, _ := newTestTransport(t, WithTransportEventBus(bus))

	sink := &fakeSink{sendErr: errors.New("broken pipe")}
	sess, err := tr.Open(context.Background(), sink)
	require.NoError(t, err)

	_, err = tr.Dispatch(context.Background(), sess.ID(), request(1, `{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return tr.Count() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sink.Closed())
	assert.Equal(t, []domain.EventType{domain.EventSessionOpened, domain.EventSessionClosed}, bus.Types())

	_, err = tr.Dispatch(context.Background(), sess.ID(), request(2, `{}`))
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
}

func TestTransportBroadcast(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t)
	defer tr.Shutdown()

	_, sinkA := openSession(t, tr)
	_, sinkB := openSession(t, tr)

	tr.Broadcast(Frame{Type: FrameTypeEvent, Payload: json.RawMessage(`{"type":"surface.opened"}`)})

	for _, sink := range []*fakeSink{sinkA, sinkB} {
		require.Eventually(t, func() bool { return len(sink.Frames()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, FrameTypeEvent, sink.Frames()[0].Type)
	}
}

func TestTransportBroadcastDropsForFullBacklog(t *testing.T) {
	defer goleak.VerifyNone(t)
	block := make(chan struct{})
	tr, _ := newTestTransport(t, WithSessionBuffer(1))
	defer tr.Shutdown()

	sink := &blockingSink{release: block}
	_, err := tr.Open(context.Background(), sink)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		tr.Broadcast(Frame{Type: FrameTypeEvent})
	}
	assert.Positive(t, tr.DroppedTotal())
	close(block)
}

func TestTransportShutdownClosesAll(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t)

	_, a := openSession(t, tr)
	_, b := openSession(t, tr)
	tr.Shutdown()

	assert.Equal(t, 0, tr.Count())
	assert.Equal(t, 1, a.Closed())
	assert.Equal(t, 1, b.Closed())
}

func TestTransportConcurrentOpenClose(t *testing.T) {
	defer goleak.VerifyNone(t)
	tr, _ := newTestTransport(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := tr.Open(context.Background(), &fakeSink{})
			if err != nil {
				return
			}
			_, _ = tr.Dispatch(context.Background(), sess.ID(), request(1, `{}`))
			tr.Close(sess.ID())
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, tr.Count())
	assert.Equal(t, int64(20), tr.OpenedTotal())
}

// blockingSink holds every Send until release is closed.
type blockingSink struct {
	fakeSink
	release chan struct{}
}

func (s *blockingSink) Send(ctx context.Context, f Frame) error {
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.fakeSink.Send(ctx, f)
}

// captureBus records published events synchronously.
type captureBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *captureBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
}

func (b *captureBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *captureBus) SubscribeAll(domain.EventHandler) func() { return func() {} }
func (b *captureBus) Close() {}

func (b *captureBus) Types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}
