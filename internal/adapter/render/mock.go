package render

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"surfacebroker/internal/domain"
)

// Definition annotations understood by the mock renderer. Each takes JSON
// until the end of the line, e.g. `// @state {"value":0}`.
const (
	annotationState  = "@state "
	annotationSchema = "@schema "
)

// MockRenderer opens in-process surfaces that emulate the state entry
// points. It backs the "mock" renderer setting and tests.
type MockRenderer struct {
	mu       sync.Mutex
	live     map[string]*MockSurface
	opens    map[string]int
	delay    time.Duration
	openErr  error
	hangNext map[string]bool
}

// NewMockRenderer creates a mock renderer.
func NewMockRenderer() *MockRenderer {
	return &MockRenderer{
		live:     make(map[string]*MockSurface),
		opens:    make(map[string]int),
		hangNext: make(map[string]bool),
	}
}

func (m *MockRenderer) Name() string { return "mock" }
func (m *MockRenderer) Close() error { return nil }

// SetEvalDelay makes every evaluate on surfaces opened afterwards sleep d.
func (m *MockRenderer) SetEvalDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// FailOpens makes subsequent Open calls return err (nil restores).
func (m *MockRenderer) FailOpens(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openErr = err
}

// HangNext makes the next surface opened under name ignore every evaluate
// until it is closed.
func (m *MockRenderer) HangNext(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hangNext[name] = true
}

// Open parses annotations from source and returns a live mock surface.
func (m *MockRenderer) Open(_ context.Context, name, source string) (domain.Surface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return nil, m.openErr
	}

	state, schema, err := parseAnnotations(source)
	if err != nil {
		return nil, fmt.Errorf("mock renderer: %w", err)
	}
	s := &MockSurface{
		name:   name,
		state:  state,
		schema: schema,
		delay:  m.delay,
		done:   make(chan struct{}),
		hang:   m.hangNext[name],
	}
	delete(m.hangNext, name)
	m.live[name] = s
	m.opens[name]++
	return s, nil
}

// Surface returns the most recently opened surface for name.
func (m *MockRenderer) Surface(name string) (*MockSurface, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.live[name]
	return s, ok
}

// OpenCount returns how many surfaces were opened under name.
func (m *MockRenderer) OpenCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[name]
}

// SimulateExternalClose closes the current surface for name as if the user
// had closed its window.
func (m *MockRenderer) SimulateExternalClose(name string) bool {
	s, ok := m.Surface(name)
	if !ok {
		return false
	}
	s.closeWith()
	return true
}

func parseAnnotations(source string) (state, schema json.RawMessage, err error) {
	state = json.RawMessage(`{}`)
	sc := bufio.NewScanner(strings.NewReader(source))
	sc.Buffer(make([]byte, 0, 64*1024), len(source)+1)
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, annotationState); i >= 0 {
			raw := strings.TrimSpace(line[i+len(annotationState):])
			if !json.Valid([]byte(raw)) {
				return nil, nil, fmt.Errorf("invalid @state annotation: %s", raw)
			}
			state = json.RawMessage(raw)
		}
		if i := strings.Index(line, annotationSchema); i >= 0 {
			raw := strings.TrimSpace(line[i+len(annotationSchema):])
			if !json.Valid([]byte(raw)) {
				return nil, nil, fmt.Errorf("invalid @schema annotation: %s", raw)
			}
			schema = json.RawMessage(raw)
		}
	}
	return state, schema, sc.Err()
}

// MockSurface emulates getState, setState and describeState.
type MockSurface struct {
	name  string
	delay time.Duration
	hang  bool
	done  chan struct{}

	mu      sync.Mutex
	state   json.RawMessage
	schema  json.RawMessage
	closed  bool
	closers []func()
	evals   int
}

// Evaluate interprets script by the entry point it calls.
func (s *MockSurface) Evaluate(ctx context.Context, script string) (json.RawMessage, error) {
	if s.hang {
		<-s.done
		return nil, domain.ErrSurfaceClosed
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, domain.ErrSurfaceClosed
	}
	s.evals++

	switch {
	case strings.HasPrefix(script, domain.EntrySetState+"("):
		arg := strings.TrimSuffix(strings.TrimPrefix(script, domain.EntrySetState+"("), ")")
		if !json.Valid([]byte(arg)) {
			return nil, fmt.Errorf("SyntaxError: invalid setState argument")
		}
		s.state = append(json.RawMessage(nil), arg...)
		return nil, nil
	case strings.HasPrefix(script, domain.EntryGetState+"("):
		return append(json.RawMessage(nil), s.state...), nil
	case strings.Contains(script, domain.EntryDescribeState):
		return s.schema, nil
	default:
		return nil, fmt.Errorf("ReferenceError: unsupported script %q", script)
	}
}

// State returns the current state without going through Evaluate.
func (s *MockSurface) State() json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(json.RawMessage(nil), s.state...)
}

// Evals returns the number of evaluate calls that reached the surface.
func (s *MockSurface) Evals() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

// Closed reports whether the surface was closed.
func (s *MockSurface) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSurface) Close() error {
	s.closeWith()
	return nil
}

func (s *MockSurface) OnClosed(fn func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		fn()
		return
	}
	s.closers = append(s.closers, fn)
	s.mu.Unlock()
}

func (s *MockSurface) closeWith() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	closers := s.closers
	s.closers = nil
	close(s.done)
	s.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
}

var (
	_ domain.SurfaceFactory = (*MockRenderer)(nil)
	_ domain.Surface        = (*MockSurface)(nil)
)
