// Package ingest produces change notifications for the upload engine:
// a filesystem watcher for live changes and a one-off scan at startup.
package ingest

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	// watcherDirPerm is the permission mode for the root when ensuring
	// it exists before watching.
	watcherDirPerm = fs.FileMode(0o755)

	// watcherDebounceInterval is how often pending events are checked.
	watcherDebounceInterval = 500 * time.Millisecond

	// watcherSettle is how long a path must go without new events
	// before it is handed on.
	watcherSettle = 300 * time.Millisecond
)

// Enqueuer accepts paths that may need uploading. *upload.Engine
// satisfies it.
type Enqueuer interface {
	Enqueue(path string) bool
}

// Watcher forwards create and write events under the root to an
// Enqueuer. Rapid events for one path are collapsed into a single
// notification.
type Watcher struct {
	root    string
	enq     Enqueuer
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	tick   time.Duration
	settle time.Duration
}

// NewWatcher creates a watcher for root.
func NewWatcher(root string, enq Enqueuer, logger *slog.Logger) *Watcher {
	return &Watcher{
		root:   filepath.Clean(root),
		enq:    enq,
		logger: logger,
		tick:   watcherDebounceInterval,
		settle: watcherSettle,
	}
}

// Watch blocks until ctx is cancelled. Directories are watched
// recursively, including ones created later.
func (w *Watcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	w.watcher = watcher
	defer watcher.Close()

	if err := os.MkdirAll(w.root, watcherDirPerm); err != nil {
		return fmt.Errorf("creating sync dir: %w", err)
	}

	if err := w.addRecursive(w.root, nil); err != nil {
		return fmt.Errorf("watching sync dir: %w", err)
	}

	w.logger.Info("file watcher started", slog.String("dir", w.root))

	pending := make(map[string]time.Time)

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				now := time.Now()
				pending[event.Name] = now

				// A directory moved in arrives as one Create; watch it
				// and pick up the files it already holds. Lstat keeps
				// symlinks to outside the root from being followed.
				if event.Has(fsnotify.Create) {
					info, err := os.Lstat(event.Name)
					if err == nil && info.IsDir() && info.Mode()&os.ModeSymlink == 0 {
						_ = w.addRecursive(event.Name, func(path string) { pending[path] = now })
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			w.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < w.settle {
					continue
				}

				delete(pending, path)
				w.handleWrite(path)
			}
		}
	}
}

// handleWrite forwards a settled regular file.
func (w *Watcher) handleWrite(absPath string) {
	info, err := os.Lstat(absPath)
	if err != nil || !info.Mode().IsRegular() {
		return
	}

	w.enq.Enqueue(absPath)
}

// addRecursive watches dir and every non-ignored directory below it.
// onFile, when set, is called for each regular file found.
func (w *Watcher) addRecursive(dir string, onFile func(path string)) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if w.shouldIgnore(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}

			return nil
		}

		if !d.IsDir() {
			if onFile != nil && d.Type().IsRegular() {
				onFile(path)
			}

			return nil
		}

		// WalkDir reports symlinks as non-directories, so nothing
		// outside the root is ever watched.
		return w.watcher.Add(path)
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return true
	}

	return Ignored(rel)
}
