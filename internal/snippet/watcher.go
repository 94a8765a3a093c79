package snippet

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"macotron/internal/config"
	"macotron/internal/logging"
)

// Watcher watches the snippet and command directories (and the
// configuration script) and coalesces change notifications into single
// reload requests. Rapid saves inside the debounce window collapse into one
// reload; triggers arriving while a reload runs are absorbed by the
// manager.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	manager  *Manager
	paths    config.Paths
	debounce time.Duration
	lastEvent time.Time
	dirty    bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	running  bool
}

// NewWatcher creates a watcher that triggers manager.Reload.
func NewWatcher(manager *Manager, paths config.Paths, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		watcher:  fsw,
		manager:  manager,
		paths:    paths,
		debounce: debounce,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine
// until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	for _, dir := range []string{w.paths.Root, w.paths.SnippetsDir(), w.paths.CommandsDir()} {
		if err := w.watcher.Add(dir); err != nil {
			logging.Get(logging.CategorySnippets).Warn("watch failed for %s: %v", dir, err)
		}
	}
	logging.Snippets("watching %s", w.paths.Root)

	go w.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh
	_ = w.watcher.Close()
	logging.Snippets("watcher stopped")
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategorySnippets).Error("watcher error: %v", err)

		case <-ticker.C:
			w.maybeReload(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if !w.relevant(event.Name) {
		return
	}
	logging.SnippetsDebug("change: %s (%s)", event.Name, event.Op)

	w.mu.Lock()
	w.dirty = true
	w.lastEvent = time.Now()
	w.mu.Unlock()
}

// relevant filters to the files a change of which warrants a reload.
func (w *Watcher) relevant(name string) bool {
	if strings.HasSuffix(name, ".js") {
		return true
	}
	return name == w.paths.ConfigFile()
}

// maybeReload fires one reload once the change burst has settled past the
// debounce window.
func (w *Watcher) maybeReload(ctx context.Context) {
	w.mu.Lock()
	if !w.dirty || time.Since(w.lastEvent) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.dirty = false
	w.mu.Unlock()

	if err := w.manager.Reload(ctx); err != nil && err != ErrReloadInProgress {
		logging.Get(logging.CategorySnippets).Error("watch-triggered reload failed: %v", err)
	}
}
