package recent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes of the paths a Source reads. Directories are
// watched recursively. A file is watched through its parent directory, as
// desktop tools replace the recently used file by renaming a new one over
// it.
type Watcher struct {
	fsw      *fsnotify.Watcher
	debounce time.Duration
	// absolute paths; events outside of them are ignored
	files map[string]struct{}
	dirs  map[string]struct{}
}

func NewWatcher(paths []string, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		fsw:      fsw,
		debounce: debounce,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]struct{}),
	}

	var errs []error
	for _, p := range paths {
		if err := w.add(p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 && len(errs) == len(paths) {
		_ = fsw.Close()
		return nil, errors.Join(errs...)
	}
	for _, err := range errs {
		slog.Warn("not watching path", "error", err)
	}
	return w, nil
}

func (w *Watcher) add(p string) error {
	abs, err := filepath.Abs(p)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// the file may appear later, its directory must exist
		w.files[abs] = struct{}{}
		return w.watchDir(filepath.Dir(abs))
	case err != nil:
		return err
	case info.IsDir():
		w.dirs[abs] = struct{}{}
		return w.watchTree(abs)
	default:
		w.files[abs] = struct{}{}
		return w.watchDir(filepath.Dir(abs))
	}
}

func (w *Watcher) watchDir(dir string) error {
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	return nil
}

func (w *Watcher) watchTree(root string) error {
	if err := w.watchDir(root); err != nil {
		return err
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && path != root {
			if err := w.fsw.Add(path); err != nil {
				slog.Debug("not watching subdirectory", "path", path, "error", err)
			}
		}
		return nil
	})
}

// relevant reports whether an event on name may change the item list.
func (w *Watcher) relevant(name string) bool {
	if _, ok := w.files[name]; ok {
		return true
	}
	for dir := range w.dirs {
		if name == dir || isUnder(name, dir) {
			return true
		}
	}
	return false
}

func isUnder(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Do calls changed once the watched paths have been quiet for the debounce
// period after a change. It returns nil when ctx is cancelled.
func (w *Watcher) Do(ctx context.Context, changed func()) error {
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op == fsnotify.Chmod || !w.relevant(event.Name) {
				continue
			}
			if event.Has(fsnotify.Create) && len(w.dirs) > 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.watchTree(event.Name); err != nil {
						slog.WarnContext(ctx, "not watching new directory", "error", err)
					}
				}
			}
			slog.DebugContext(ctx, "library change", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			slog.ErrorContext(ctx, "watcher", "error", err)
		case <-timer.C:
			changed()
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
