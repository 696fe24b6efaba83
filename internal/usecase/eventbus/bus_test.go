package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"surfacebroker/internal/domain"
)

func newTestBus(opts ...Option) *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSurfaceOpened, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventSurfaceOpened {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	bus.Publish(context.Background(), newEvent(domain.EventSurfaceClosed))
	bus.Close()
	assert.EqualValues(t, 1, got.Load())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	bus.Publish(context.Background(), newEvent(domain.EventSessionOpened))
	bus.Close()
	assert.EqualValues(t, 2, got.Load())
}

func TestPerSubscriberOrder(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []domain.EventType
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})

	order := []domain.EventType{
		domain.EventSurfaceOpened,
		domain.EventSurfaceStateChanged,
		domain.EventSurfaceClosed,
	}
	for _, typ := range order {
		bus.Publish(context.Background(), newEvent(typ))
	}
	bus.Close()
	assert.Equal(t, order, seen)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventSurfaceOpened, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsub() // idempotent

	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	bus.Close()
	assert.EqualValues(t, 0, got.Load())
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus(WithQueueSize(128))

	var got atomic.Int32
	bus.Subscribe(domain.EventSurfaceOpened, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
		}()
	}
	wg.Wait()
	bus.Close()
	assert.EqualValues(t, 100, got.Load())
}

func TestFullQueueDrops(t *testing.T) {
	bus := newTestBus(WithQueueSize(1))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	<-started // worker holds the first event
	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened)) // queued
	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened)) // dropped
	close(release)
	bus.Close()
	assert.EqualValues(t, 1, bus.Dropped())
}

func TestHandlerContextDetached(t *testing.T) {
	bus := newTestBus()

	errCh := make(chan error, 1)
	bus.SubscribeAll(func(ctx context.Context, _ domain.Event) { errCh <- ctx.Err() })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bus.Publish(ctx, newEvent(domain.EventSurfaceOpened))
	bus.Close()
	require.NoError(t, <-errCh)
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSurfaceOpened, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.Subscribe(domain.EventSurfaceOpened, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	bus.Close()
	assert.EqualValues(t, 2, got.Load())
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventSurfaceOpened, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	bus.Close()
	assert.EqualValues(t, 1, got.Load())

	bus.Publish(context.Background(), newEvent(domain.EventSurfaceOpened))
	unsub := bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })
	unsub()
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, got.Load())
}
