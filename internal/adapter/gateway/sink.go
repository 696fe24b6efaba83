package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// SessionHeader carries the session id on responses and is accepted on requests.
const SessionHeader = "Mcp-Session-Id"

var errSinkClosed = errors.New("sink closed")

// sseSink streams frames as Server-Sent Events. Keepalives are comment
// lines, which EventSource clients ignore.
type sseSink struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	endpoint string // invocation path announced to the client

	mu     sync.Mutex
	closed chan struct{}
	once   sync.Once
}

func newSSESink(w http.ResponseWriter, flusher http.Flusher, endpoint string) *sseSink {
	return &sseSink{
		w:        w,
		flusher:  flusher,
		endpoint: endpoint,
		closed:   make(chan struct{}),
	}
}

func (s *sseSink) Start(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	h.Set(SessionHeader, sessionID)
	s.w.WriteHeader(http.StatusOK)

	endpoint := s.endpoint + "?sessionId=" + url.QueryEscape(sessionID)
	return s.write(string(FrameTypeEndpoint), endpoint)
}

func (s *sseSink) Send(_ context.Context, f Frame) error {
	data := []byte(f.Payload)
	if !f.rawPayload() {
		var err error
		if data, err = json.Marshal(f); err != nil {
			return fmt.Errorf("encode frame: %w", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(string(f.Type), string(data))
}

func (s *sseSink) Keepalive(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.closed:
		return errSinkClosed
	default:
	}
	if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Close unblocks the handler serving the stream. It waits for an in-flight
// write so nothing touches the ResponseWriter after the handler returns.
func (s *sseSink) Close() error {
	s.mu.Lock()
	s.once.Do(func() { close(s.closed) })
	s.mu.Unlock()
	return nil
}

// Done is closed when the sink has been closed by the transport.
func (s *sseSink) Done() <-chan struct{} { return s.closed }

// write must be called with s.mu held. data must not contain newlines.
func (s *sseSink) write(event, data string) error {
	select {
	case <-s.closed:
		return errSinkClosed
	default:
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// wsSink writes frames as JSON text messages. Keepalives are pings, which
// need the connection's read loop running to observe the pong.
type wsSink struct {
	conn *websocket.Conn
}

func (s *wsSink) Start(ctx context.Context, sessionID string) error {
	return wsjson.Write(ctx, s.conn, Frame{Type: FrameTypeSession, SessionID: sessionID})
}

func (s *wsSink) Send(ctx context.Context, f Frame) error {
	return wsjson.Write(ctx, s.conn, f)
}

func (s *wsSink) Keepalive(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsSink) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "session closed")
}

var (
	_ Sink = (*sseSink)(nil)
	_ Sink = (*wsSink)(nil)
)
