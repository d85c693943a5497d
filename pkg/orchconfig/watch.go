package orchconfig

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a config file on change and hands the caller the
// freshly decoded Config. fsnotify on a file directly misses
// editor/atomic-write replacement (rename over the original inode), so
// the containing directory is watched instead and events are filtered
// down to the target path.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewWatcher opens an fsnotify watch on path's containing directory.
func NewWatcher(path string) (*Watcher, error) {
	dir := filepath.Dir(path)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("orchconfig: create watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("orchconfig: watch %s: %w", dir, err)
	}
	return &Watcher{path: path, watcher: w}, nil
}

// Close stops the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Watch blocks, invoking onChange with a freshly reloaded Config each
// time path is written, created, or renamed into place. It returns when
// ctx is canceled or the underlying watcher errors out.
func (w *Watcher) Watch(ctx context.Context, onChange func(*Config)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				continue
			}
			onChange(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("orchconfig: watch error: %w", err)
		}
	}
}
