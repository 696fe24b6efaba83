// Package watcher reports changes to the definition directory and reloads
// live surfaces whose definition was edited on disk.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"surfacebroker/internal/domain"
)

const (
	ReasonWritten = "written"
	ReasonRemoved = "removed"
)

// Reloader re-instantiates a live surface from its stored definition.
type Reloader interface {
	Reload(ctx context.Context, name string) (bool, error)
}

// NameResolver maps a file path inside the watched directory to a surface
// name. Paths that are not definitions report false.
type NameResolver func(path string) (string, bool)

// Watcher watches one definition directory.
type Watcher struct {
	dir      string
	resolve  NameResolver
	reloader Reloader
	bus      domain.EventBus
	debounce time.Duration
	logger   *slog.Logger
	done     chan struct{}
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithReloader reloads live surfaces after their definition was written.
func WithReloader(r Reloader) Option {
	return func(w *Watcher) { w.reloader = r }
}

// WithEventBus publishes definition.changed events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(w *Watcher) { w.bus = bus }
}

// WithDebounce sets how long a burst of events for one name is coalesced.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) { w.debounce = d }
}

// New creates a watcher for dir.
func New(dir string, resolve NameResolver, logger *slog.Logger, opts ...Option) *Watcher {
	w := &Watcher{
		dir:      dir,
		resolve:  resolve,
		debounce: 200 * time.Millisecond,
		logger:   logger,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Done is closed once the watch loop has exited.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Start registers the directory watch and runs the event loop in the
// background until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	abs, err := filepath.Abs(w.dir)
	if err != nil {
		fsw.Close()
		return fmt.Errorf("resolve watch dir: %w", err)
	}
	if err := fsw.Add(abs); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", abs, err)
	}
	w.logger.Info("definition watcher started", "dir", abs, "debounce", w.debounce)

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() {
		_ = fsw.Close()
		close(w.done)
	}()

	pending := make(map[string]string)
	var timer *time.Timer
	var timerC <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name, ok := w.resolve(ev.Name)
			if !ok {
				continue
			}
			reason := ReasonWritten
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				reason = ReasonRemoved
			}
			pending[name] = reason

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			timerC = timer.C

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("definition watcher error", "error", err)

		case <-timerC:
			timerC = nil
			w.flush(ctx, pending)
			pending = make(map[string]string)
		}
	}
}

func (w *Watcher) flush(ctx context.Context, pending map[string]string) {
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		reason := pending[name]
		w.logger.Debug("definition changed", "name", name, "reason", reason)
		if w.bus != nil {
			w.bus.Publish(ctx, domain.NewEvent(domain.EventDefinitionChanged,
				domain.SurfaceEventPayload{Name: name, Reason: reason}))
		}
		if reason != ReasonWritten || w.reloader == nil {
			continue
		}
		reloaded, err := w.reloader.Reload(ctx, name)
		if err != nil {
			w.logger.Warn("surface reload failed", "name", name, "error", err, "code", domain.ErrorCodeOf(err))
			continue
		}
		if reloaded {
			w.logger.Info("surface reloaded from disk", "name", name)
		}
	}
}
