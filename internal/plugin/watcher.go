package plugin

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrWatcherClosed is returned when running a closed watcher.
var ErrWatcherClosed = errors.New("plugin: watcher closed")

// DefaultSettle is how long an archive must stay unchanged before the
// watcher installs it.
const DefaultSettle = 250 * time.Millisecond

// Watcher installs archives that appear in the plugin directory.
type Watcher struct {
	manager *Manager
	dir     string
	settle  time.Duration
	logger  *slog.Logger

	watcher *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	// installed receives each path after an install attempt; used by tests.
	installed func(path string, err error)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithSettle sets the quiet period before an archive is installed.
func WithSettle(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.settle = d
	}
}

// WithInstallHook is called after every install attempt.
func WithInstallHook(fn func(path string, err error)) WatcherOption {
	return func(w *Watcher) {
		w.installed = fn
	}
}

// NewWatcher watches dir for archives to install into m.
func NewWatcher(m *Manager, dir string, opts ...WatcherOption) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		manager: m,
		dir:     dir,
		settle:  DefaultSettle,
		logger:  m.logger.With("component", "plugin-watcher"),
		watcher: fsw,
		pending: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run processes file events until ctx ends or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrWatcherClosed
	}
	w.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if !IsArchive(ev.Name) {
		return
	}
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		closed := w.closed
		w.mu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		w.install(ctx, path)
	})
}

func (w *Watcher) install(ctx context.Context, path string) {
	if w.manager.Known(path) {
		return
	}
	h, err := w.manager.Install(ctx, path)
	if err != nil {
		w.logger.Warn("install failed", "path", path, "error", err)
	} else {
		w.logger.Info("installed plugin", "plugin", h.Name(), "path", path)
	}
	if w.installed != nil {
		w.installed(path, err)
	}
}

// Close stops watching. Pending installs are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	for path, t := range w.pending {
		t.Stop()
		delete(w.pending, path)
	}
	w.mu.Unlock()
	return w.watcher.Close()
}
