package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"
)

// watchSettle is how long a file must be quiet before its reload runs.
// Editors often write a file in several steps.
const watchSettle = 200 * time.Millisecond

// Watcher reloads files when they change on disk.
type Watcher struct {
	fsw *fsnotify.Watcher

	mu       sync.Mutex
	handlers map[string]func() error
	timers   map[string]*time.Timer
}

// NewWatcher creates a watcher with no files registered.
func NewWatcher() (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		handlers: make(map[string]func() error),
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Add registers reload to run whenever path is written, created, or renamed into place.
// The parent directory is watched so atomic renames are seen.
func (w *Watcher) Add(path string, reload func() error) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	w.mu.Lock()
	w.handlers[abs] = reload
	w.mu.Unlock()
	return nil
}

// Run dispatches events until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			w.stopTimers()
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			w.schedule(filepath.Clean(ev.Name))

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			log.Warn("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	reload, ok := w.handlers[path]
	if !ok {
		return
	}
	if t, pending := w.timers[path]; pending {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(watchSettle, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		if err := reload(); err != nil {
			log.Warn("Reload failed", "path", path, "error", err)
			return
		}
		log.Info("Reloaded", "path", path)
	})
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}
