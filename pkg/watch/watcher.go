// Package watch notifies a reader when a followed file grows.
package watch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes what happened to a followed file.
type Change int

const (
	// Appended means the file grew past the last known size.
	Appended Change = iota
	// Truncated means the file shrank; readers should start over.
	Truncated
)

func (c Change) String() string {
	if c == Truncated {
		return "truncated"
	}
	return "appended"
}

// DefaultPoll is how often the file is checked when no event arrives.
// Some filesystems (network mounts, overlay) do not deliver inotify events.
const DefaultPoll = time.Second

// Watcher monitors one file for appends.
type Watcher struct {
	watcher *fsnotify.Watcher
	path    string
	size    int64
	poll    time.Duration
}

// NewWatcher starts watching path. offset is the size already consumed.
func NewWatcher(path string, offset int64) (*Watcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory containing the file (fsnotify works better this way)
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	return &Watcher{
		watcher: fsWatcher,
		path:    absPath,
		size:    offset,
		poll:    DefaultPoll,
	}, nil
}

// SetPoll changes the fallback polling interval.
func (w *Watcher) SetPoll(d time.Duration) {
	if d > 0 {
		w.poll = d
	}
}

// Wait blocks until the file has grown or been truncated, or ctx is done.
func (w *Watcher) Wait(ctx context.Context) (Change, error) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if c, ok := w.check(); ok {
			return c, nil
		}

		select {
		case <-ctx.Done():
			return Appended, ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return Appended, fmt.Errorf("watcher closed")
			}
			// Only handle write events
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if abs, err := filepath.Abs(event.Name); err != nil || abs != w.path {
				continue
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return Appended, fmt.Errorf("watcher closed")
			}
			return Appended, fmt.Errorf("watch %s: %w", w.path, err)

		case <-ticker.C:
		}
	}
}

// Consumed records that the reader has read up to offset.
func (w *Watcher) Consumed(offset int64) {
	w.size = offset
}

func (w *Watcher) check() (Change, bool) {
	stat, err := os.Stat(w.path)
	if err != nil {
		return Appended, false
	}
	switch {
	case stat.Size() > w.size:
		w.size = stat.Size()
		return Appended, true
	case stat.Size() < w.size:
		w.size = stat.Size()
		return Truncated, true
	default:
		return Appended, false
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
