// Package surface owns the live surfaces of the broker: the name to surface
// registry and the state bridge that talks to each surface.
package surface

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"surfacebroker/internal/domain"
)

// Focuser is implemented by surfaces that can be brought to the foreground.
type Focuser interface {
	Focus(ctx context.Context) error
}

// Registry maps surface names to live surfaces. At most one live surface
// exists per name.
//
// Callers serialize work on a name with Lock; the registry's own map is safe
// for concurrent use regardless.
type Registry struct {
	mu   sync.RWMutex
	live map[string]*Handle

	locks   *NameLocker
	store   domain.DefinitionStore
	factory domain.SurfaceFactory
	bus     domain.EventBus
	logger  *slog.Logger

	onOpen func(*Handle)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithEventBus publishes surface lifecycle events on bus.
func WithEventBus(bus domain.EventBus) RegistryOption {
	return func(r *Registry) { r.bus = bus }
}

// WithOpenHook runs fn for every newly instantiated handle before it is
// published in the registry.
func WithOpenHook(fn func(*Handle)) RegistryOption {
	return func(r *Registry) { r.onOpen = fn }
}

// NewRegistry creates a registry backed by store and factory.
func NewRegistry(store domain.DefinitionStore, factory domain.SurfaceFactory, logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		live:    make(map[string]*Handle),
		locks:   NewNameLocker(),
		store:   store,
		factory: factory,
		logger:  logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lock acquires the per-name lock. Every operation that reads or mutates
// the surface for name should hold it.
func (r *Registry) Lock(ctx context.Context, name string) (func(), error) {
	return r.locks.Lock(ctx, name)
}

// Get returns the live handle for name, if any.
func (r *Registry) Get(name string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.live[name]
	return h, ok
}

// Open returns the live surface for name, focusing it when possible. With no
// live surface it instantiates one from source, persisting source first, or
// from the stored definition when source is empty.
func (r *Registry) Open(ctx context.Context, name, source string) (*Handle, error) {
	if h, ok := r.Get(name); ok {
		if f, ok := h.surface.(Focuser); ok {
			if err := f.Focus(ctx); err != nil {
				r.logger.Debug("surface focus failed", "name", name, "error", err)
			}
		}
		return h, nil
	}

	if source == "" {
		def, err := r.store.Load(ctx, name)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil, domain.NewDomainError("Registry.Open", domain.ErrSurfaceNotFound,
					fmt.Sprintf("no live surface or stored definition for %q; source is required on first creation", name))
			}
			return nil, err
		}
		return r.instantiate(ctx, name, def.Source, "resurrected")
	}

	return r.persistAndOpen(ctx, name, source, "created")
}

// Replace persists source, tears down any live surface for name and
// instantiates a fresh surface from source. A failed save leaves the live
// surface untouched. A failed instantiation restores the previous stored
// definition; the old surface stays closed.
func (r *Registry) Replace(ctx context.Context, name, source string) (*Handle, error) {
	return r.persistAndOpen(ctx, name, source, "replaced")
}

func (r *Registry) persistAndOpen(ctx context.Context, name, source, reason string) (*Handle, error) {
	prev, err := r.store.Load(ctx, name)
	existed := err == nil
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if _, err := r.store.Save(ctx, name, source); err != nil {
		return nil, err
	}
	r.Close(name)

	h, err := r.instantiate(ctx, name, source, reason)
	if err != nil {
		r.restore(context.WithoutCancel(ctx), name, prev.Source, existed)
		return nil, err
	}
	return h, nil
}

// restore puts back the definition that was stored before a failed open,
// or removes the new one when nothing was stored.
func (r *Registry) restore(ctx context.Context, name, source string, existed bool) {
	var err error
	if existed {
		_, err = r.store.Save(ctx, name, source)
	} else {
		err = r.store.Delete(ctx, name)
	}
	if err != nil {
		r.logger.Warn("definition rollback failed", "name", name, "error", err)
		return
	}
	r.logger.Debug("definition rolled back", "name", name, "restored", existed)
}

// Reopen tears down the live surface for name and instantiates it again
// from the stored definition. It is a no-op returning false when nothing is live.
func (r *Registry) Reopen(ctx context.Context, name string) (bool, error) {
	if !r.Close(name) {
		return false, nil
	}
	def, err := r.store.Load(ctx, name)
	if err != nil {
		return true, err
	}
	_, err = r.instantiate(ctx, name, def.Source, "reloaded")
	return true, err
}

// Close destroys the live surface for name and reports whether one existed.
func (r *Registry) Close(name string) bool {
	r.mu.Lock()
	h, ok := r.live[name]
	if ok {
		delete(r.live, name)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	if h.markClosed() {
		if err := h.surface.Close(); err != nil {
			r.logger.Warn("surface close failed", "name", name, "error", err)
		}
		r.publish(domain.EventSurfaceClosed, name, "requested")
	}
	return true
}

// CloseAll destroys every live surface.
func (r *Registry) CloseAll() {
	for _, name := range r.List() {
		r.Close(name)
	}
}

// List returns a sorted snapshot of live surface names.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.live))
	for name := range r.live {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of live surfaces.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) instantiate(ctx context.Context, name, source, reason string) (*Handle, error) {
	s, err := r.factory.Open(ctx, name, source)
	if err != nil {
		return nil, domain.WrapOp("Registry.Open", fmt.Errorf("instantiate surface %q: %w", name, err))
	}

	h := newHandle(name, source, s)
	if r.onOpen != nil {
		r.onOpen(h)
	}

	r.mu.Lock()
	prev := r.live[name]
	r.live[name] = h
	r.mu.Unlock()
	if prev != nil && prev.markClosed() {
		// Only reachable when a caller skipped the name lock.
		_ = prev.surface.Close()
	}

	// Registered after insertion so a surface that is already gone removes
	// itself right away.
	s.OnClosed(func() { r.detach(h) })

	r.logger.Info("surface opened", "name", name, "reason", reason, "renderer", r.factory.Name())
	r.publish(domain.EventSurfaceOpened, name, reason)
	return h, nil
}

// detach removes h after the host closed it. Stale handles are ignored.
func (r *Registry) detach(h *Handle) {
	if !h.markClosed() {
		return
	}
	r.mu.Lock()
	if cur, ok := r.live[h.name]; ok && cur == h {
		delete(r.live, h.name)
	}
	r.mu.Unlock()

	r.logger.Info("surface closed externally", "name", h.name)
	r.publish(domain.EventSurfaceClosed, h.name, "external")
}

func (r *Registry) publish(typ domain.EventType, name, reason string) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(context.Background(), domain.NewEvent(typ, domain.SurfaceEventPayload{Name: name, Reason: reason}))
}
