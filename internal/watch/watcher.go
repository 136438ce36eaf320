// Package watch triggers a callback when a source file is saved, coalescing
// bursts of writes into one notification.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ChangeCallback is called with the watched path after writes settle
type ChangeCallback func(path string)

// FileWatcher monitors a single file
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	callback ChangeCallback
	logger   *slog.Logger

	debounce time.Duration
	timer    *time.Timer
	mu       sync.Mutex
}

// NewFileWatcher watches path. The parent directory is watched so editors
// that save through rename are still seen.
func NewFileWatcher(path string, callback ChangeCallback, logger *slog.Logger) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	if logger == nil {
		logger = slog.Default()
	}
	return &FileWatcher{
		watcher:  watcher,
		path:     abs,
		callback: callback,
		logger:   logger.With("component", "watch"),
		debounce: 500 * time.Millisecond,
	}, nil
}

// Path returns the absolute path being watched
func (fw *FileWatcher) Path() string {
	return fw.path
}

// SetDebounce sets how long writes must settle before the callback fires
func (fw *FileWatcher) SetDebounce(d time.Duration) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.debounce = d
}

// Run delivers change notifications until ctx is cancelled, then releases the watcher
func (fw *FileWatcher) Run(ctx context.Context) error {
	defer fw.stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return nil
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return nil
			}
			fw.logger.Warn("watch error", "path", fw.path, "error", err)
		}
	}
}

func (fw *FileWatcher) stop() {
	fw.mu.Lock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.mu.Unlock()
	fw.watcher.Close()
}

func (fw *FileWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != fw.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()
	if fw.timer != nil {
		fw.timer.Stop()
	}
	fw.timer = time.AfterFunc(fw.debounce, fw.flush)
}

func (fw *FileWatcher) flush() {
	if fw.callback != nil {
		fw.callback(fw.path)
	}
}
