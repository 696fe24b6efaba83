package surface

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"surfacebroker/internal/domain"
)

// Handle is the registry's record of one live surface.
type Handle struct {
	name     string
	source   string
	surface  domain.Surface
	openedAt time.Time

	// sem serializes evaluate calls; it is released only when the
	// underlying evaluate returns, even if the caller gave up waiting.
	sem     chan struct{}
	breaker *gobreaker.CircuitBreaker[json.RawMessage]

	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
}

func newHandle(name, source string, s domain.Surface) *Handle {
	return &Handle{
		name:     name,
		source:   source,
		surface:  s,
		openedAt: time.Now(),
		sem:      make(chan struct{}, 1),
	}
}

// Name returns the surface name.
func (h *Handle) Name() string { return h.name }

// Source returns the definition the surface was instantiated from.
func (h *Handle) Source() string { return h.source }

// Surface returns the underlying live surface.
func (h *Handle) Surface() domain.Surface { return h.surface }

// OpenedAt returns when the surface was instantiated.
func (h *Handle) OpenedAt() time.Time { return h.openedAt }

// Closed reports whether the surface has been torn down.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// markClosed flips the closed flag and reports whether this call did it.
func (h *Handle) markClosed() bool {
	first := false
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		first = true
	})
	return first
}
