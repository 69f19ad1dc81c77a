package config

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchCallback is called after every reload attempt triggered by a file
// change. err is nil when the new generation was published.
// The callback must not call Stop on its watcher.
type WatchCallback func(g *Gate, err error)

// Watcher reloads a Gate when its file changes.
type Watcher struct {
	gate     *Gate
	watcher  *fsnotify.Watcher
	callback WatchCallback
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	debounce time.Duration
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
}

// Watch creates a watcher for g, which must have been loaded with New.
// The returned watcher is idle until Start.
//
//	gate, _ := config.New("/etc/agentz/config.yaml")
//	w, err := config.Watch(gate, nil)
//	if err != nil {
//	    return err
//	}
//	w.Start()
//	defer w.Stop()
func Watch(g *Gate, callback WatchCallback, opts ...WatchOption) (*Watcher, error) {
	if g.path == "" {
		return nil, ErrNotFromFile
	}

	o := defaultWatchOptions()
	for _, opt := range opts {
		opt(o)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create watcher: %w", err)
	}

	// Editors often replace the file instead of writing it, so watch the directory.
	dir := filepath.Dir(g.path)
	if err := fsWatcher.Add(dir); err != nil {
		closeErr := fsWatcher.Close()
		return nil, errors.Join(
			fmt.Errorf("config: failed to watch directory %s: %w", dir, err),
			closeErr,
		)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		gate:     g,
		watcher:  fsWatcher,
		callback: callback,
		debounce: o.debounce,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start runs the watch loop in a background goroutine.
func (w *Watcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running || w.stopped {
		return
	}
	w.running = true
	w.wg.Add(1)
	go w.run()
}

// Stop ends the watch loop, waits for it and any reload in progress to
// exit and releases the file watch. A stopped watcher cannot be restarted.
// Safe to call twice.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.running = false
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.cancel()
	err := w.watcher.Close()
	w.mu.Unlock()

	w.wg.Wait()
	return err
}

func (w *Watcher) run() {
	defer w.wg.Done()
	filename := filepath.Base(w.gate.path)

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event, filename)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(fmt.Errorf("config: watch error: %w", err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event, filename string) {
	if filepath.Base(event.Name) != filename {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

// reload runs a debounced reload. It is tracked by wg so Stop waits for a
// reload already in progress and no reload starts after Stop.
func (w *Watcher) reload() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.wg.Add(1)
	w.mu.Unlock()
	defer w.wg.Done()

	w.report(w.gate.Reload())
}

func (w *Watcher) report(err error) {
	if err != nil {
		w.gate.logger().Warn().Err(err).Str("path", w.gate.path).Msg("config reload failed")
	} else {
		w.gate.logger().Debug().Str("path", w.gate.path).Str("version", w.gate.Snapshot().Version()).Msg("config reloaded")
	}
	if w.callback != nil {
		w.callback(w.gate, err)
	}
}
