package surface

import (
	"context"
	"fmt"
	"sync"
)

// NameLocker provides mutual exclusion per surface name. Operations on
// different names proceed concurrently.
type NameLocker struct {
	mu    sync.Mutex
	locks map[string]*nameLock
}

type nameLock struct {
	sem      chan struct{}
	refCount int
}

// NewNameLocker creates an empty locker.
func NewNameLocker() *NameLocker {
	return &NameLocker{locks: make(map[string]*nameLock)}
}

// Lock blocks until the lock for name is held or ctx is done. The returned
// unlock function must be called exactly once.
func (l *NameLocker) Lock(ctx context.Context, name string) (unlock func(), err error) {
	l.mu.Lock()
	nl, ok := l.locks[name]
	if !ok {
		nl = &nameLock{sem: make(chan struct{}, 1)}
		l.locks[name] = nl
	}
	nl.refCount++
	l.mu.Unlock()

	select {
	case nl.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-nl.sem
				l.release(name, nl)
			})
		}, nil
	case <-ctx.Done():
		l.release(name, nl)
		return nil, fmt.Errorf("surface lock %q: %w", name, ctx.Err())
	}
}

func (l *NameLocker) release(name string, nl *nameLock) {
	l.mu.Lock()
	nl.refCount--
	if nl.refCount == 0 {
		delete(l.locks, name)
	}
	l.mu.Unlock()
}

// ActiveCount returns the number of names with held or pending locks.
func (l *NameLocker) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
