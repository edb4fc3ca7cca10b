package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a drop folder recursively and calls onSettled once the folder has been
// quiet for the settle duration.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	settle    time.Duration
	onSettled func()
	logger    *slog.Logger

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewWatcher starts watching root and everything below it.
func NewWatcher(root string, settle time.Duration, onSettled func(), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{fsWatcher: fw, settle: settle, onSettled: onSettled, logger: logger}
	if err := w.addRecursive(root); err != nil {
		fw.Close()
		return nil, err
	}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			// new directories are watched too
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addRecursive(event.Name); err != nil {
						w.logger.Warn("Failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			w.Arm()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("Watcher error", "error", err)
		}
	}
}

// Arm restarts the quiet period. NewWatcher does not arm the watcher; call Arm once to
// settle a folder that is already complete.
func (w *Watcher) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.settle, w.fire)
}

func (w *Watcher) fire() {
	w.mu.Lock()
	closed := w.closed
	w.timer = nil
	w.mu.Unlock()
	if !closed {
		w.logger.Debug("Drop folder settled")
		w.onSettled()
	}
}

func (w *Watcher) addRecursive(path string) error {
	return filepath.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			w.logger.Debug("Watching", "path", p)
			return w.fsWatcher.Add(p)
		}
		return nil
	})
}

// Close stops the watcher. A pending settle callback is dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.fsWatcher.Close()
}

// WaitSettled blocks until dir has been quiet for settle, counting from now.
func WaitSettled(ctx context.Context, dir string, settle time.Duration, logger *slog.Logger) error {
	settled := make(chan struct{}, 1)
	w, err := NewWatcher(dir, settle, func() {
		select {
		case settled <- struct{}{}:
		default:
		}
	}, logger)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer w.Close()

	w.Arm()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-settled:
		return nil
	}
}
