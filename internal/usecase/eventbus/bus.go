// Package eventbus is an in-process publish/subscribe bus for domain events.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"surfacebroker/internal/domain"
)

// DefaultQueueSize is the per-subscriber backlog before events are dropped.
const DefaultQueueSize = 64

type delivery struct {
	ctx   context.Context
	event domain.Event
}

type subscriber struct {
	id      uint64
	typ     domain.EventType // empty for all-event subscribers
	handler domain.EventHandler
	queue   chan delivery
	once    sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.queue) }) }

// Bus is an in-process, goroutine-safe event bus. Every subscriber has its
// own queue and worker, so a subscriber sees events in publish order and a
// slow subscriber never blocks Publish.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscriber
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    atomic.Bool
	dropped   atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize sets the per-subscriber backlog.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queueSize = n
		}
	}
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		subs:      make(map[uint64]*subscriber),
		queueSize: DefaultQueueSize,
		logger:    logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Publish enqueues event for every matching subscriber. Handlers run with a
// context detached from ctx's cancellation.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	d := delivery{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.typ != "" && s.typ != event.Type {
			continue
		}
		select {
		case s.queue <- d:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped, subscriber queue full",
				"event", string(event.Type),
				"subscriber", s.id,
			)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

// Dropped returns how many deliveries were discarded because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

func (b *Bus) add(typ domain.EventType, handler domain.EventHandler) func() {
	s := &subscriber{
		id:      b.nextID.Add(1),
		typ:     typ,
		handler: handler,
		queue:   make(chan delivery, b.queueSize),
	}

	b.mu.Lock()
	if b.closed.Load() {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[s.id] = s
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[s.id]; ok {
			delete(b.subs, s.id)
			s.stop()
		}
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for d := range s.queue {
		b.deliver(s, d)
	}
}

func (b *Bus) deliver(s *subscriber, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	s.handler(d.ctx, d.event)
}

// Close prevents new publishes, drains queued events and waits for every
// handler to return. Close is idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.Lock()
	for id, s := range b.subs {
		delete(b.subs, id)
		s.stop()
	}
	b.mu.Unlock()
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
