package surface

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"surfacebroker/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory DefinitionStore.
type memStore struct {
	mu    sync.Mutex
	defs  map[string]string
	saves atomic.Int32
}

func newMemStore() *memStore { return &memStore{defs: make(map[string]string)} }

func (m *memStore) Save(_ context.Context, name, source string) (domain.DefinitionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defs[name] = source
	m.saves.Add(1)
	return domain.DefinitionInfo{Name: name, Size: int64(len(source))}, nil
}

func (m *memStore) Load(_ context.Context, name string) (domain.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.defs[name]
	if !ok {
		return domain.Definition{}, domain.NewDomainError("memStore.Load", domain.ErrDefinitionNotFound, name)
	}
	return domain.Definition{Name: name, Source: src}, nil
}

func (m *memStore) Exists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.defs[name]
	return ok, nil
}

func (m *memStore) List(_ context.Context) ([]domain.DefinitionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.DefinitionInfo, 0, len(m.defs))
	for n, src := range m.defs {
		out = append(out, domain.DefinitionInfo{Name: n, Size: int64(len(src))})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.defs, name)
	return nil
}

func (m *memStore) Root() string { return "mem" }

// fakeSurface understands getState(), setState(x) and describeState.
type fakeSurface struct {
	mu       sync.Mutex
	state    json.RawMessage
	schema   json.RawMessage
	closed   bool
	closers  []func()
	hang     chan struct{} // when non-nil, Evaluate blocks on it and ignores ctx
	inFlight atomic.Int32
	overlap  atomic.Bool
	evals    atomic.Int32
}

func (f *fakeSurface) Evaluate(_ context.Context, script string) (json.RawMessage, error) {
	if f.inFlight.Add(1) > 1 {
		f.overlap.Store(true)
	}
	defer f.inFlight.Add(-1)
	f.evals.Add(1)

	if f.hang != nil {
		<-f.hang
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case script == getStateExpression:
		return f.state, nil
	case strings.HasPrefix(script, "setState(") && strings.HasSuffix(script, ")"):
		arg := strings.TrimSuffix(strings.TrimPrefix(script, "setState("), ")")
		if !json.Valid([]byte(arg)) {
			return nil, errors.New("SyntaxError")
		}
		f.state = json.RawMessage(arg)
		return nil, nil
	case script == describeStateExpression:
		return f.schema, nil
	default:
		return nil, fmt.Errorf("ReferenceError: %s", script)
	}
}

func (f *fakeSurface) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	closers := f.closers
	f.closers = nil
	f.mu.Unlock()
	for _, fn := range closers {
		fn()
	}
	return nil
}

func (f *fakeSurface) OnClosed(fn func()) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		fn()
		return
	}
	f.closers = append(f.closers, fn)
	f.mu.Unlock()
}

// fakeFactory builds fakeSurfaces whose initial state is the definition source.
type fakeFactory struct {
	mu      sync.Mutex
	opened  []*fakeSurface
	openErr error
	prepare func(*fakeSurface)
}

func (f *fakeFactory) Open(_ context.Context, _ string, source string) (domain.Surface, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	s := &fakeSurface{state: json.RawMessage(source)}
	if f.prepare != nil {
		f.prepare(s)
	}
	f.mu.Lock()
	f.opened = append(f.opened, s)
	f.mu.Unlock()
	return s, nil
}

func (f *fakeFactory) Name() string { return "fake" }
func (f *fakeFactory) Close() error { return nil }

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

func (f *fakeFactory) last() *fakeSurface {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[len(f.opened)-1]
}
