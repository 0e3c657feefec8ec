package recent

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"

	"github.com/CZERTAINLY/Shelf/internal/document"
	"github.com/CZERTAINLY/Shelf/internal/parallel"
)

const detectWorkers = 8

// Dir lists documents stored under library directories. Every document is
// attributed to the configured application, so all of them are shown.
type Dir struct {
	roots       []string
	application string
	accept      func(mime string) bool
}

// NewDir returns a source over roots. Only files whose detected mime type
// passes accept are listed.
func NewDir(application string, accept func(mime string) bool, roots ...string) *Dir {
	return &Dir{
		roots:       roots,
		application: application,
		accept:      accept,
	}
}

func (d *Dir) Paths() []string {
	return d.roots
}

// Items walks every root. Files which can not be inspected are skipped; an
// error is returned only when a root itself can not be opened.
func (d *Dir) Items(ctx context.Context) ([]Item, error) {
	var roots []*os.Root
	var errs []error
	for _, dir := range d.roots {
		root, err := os.OpenRoot(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("opening library dir: %w", err))
			continue
		}
		defer func() {
			_ = root.Close()
		}()
		roots = append(roots, root)
	}

	var items []Item
	for item, err := range parallel.Map(ctx, detectWorkers, walkRoots(ctx, roots...), d.inspect) {
		switch {
		case errors.Is(err, errSkip):
		case err != nil:
			slog.DebugContext(ctx, "skipping library file", "error", err)
		default:
			items = append(items, item)
		}
	}
	return items, errors.Join(errs...)
}

var errSkip = errors.New("not a document")

func (d *Dir) inspect(_ context.Context, e entry) (Item, error) {
	f, err := e.root.Open(e.path)
	if err != nil {
		return Item{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	mt, err := mimetype.DetectReader(f)
	if err != nil {
		return Item{}, fmt.Errorf("detecting type of %s: %w", e.abspath, err)
	}
	if d.accept != nil && !d.accept(mt.String()) {
		return Item{}, errSkip
	}

	uri, err := document.URIFromPath(e.abspath)
	if err != nil {
		return Item{}, err
	}
	return Item{
		URI:          uri,
		DisplayName:  filepath.Base(e.abspath),
		MimeType:     mt.String(),
		Modified:     e.info.ModTime(),
		Applications: []string{d.application},
	}, nil
}

// entry is a regular file found by walkRoots.
type entry struct {
	root    *os.Root
	abspath string
	path    string
	info    fs.FileInfo
}

// walkRoots yields the regular files under roots, not following symlinks.
func walkRoots(ctx context.Context, roots ...*os.Root) iter.Seq2[entry, error] {
	return func(yield func(entry, error) bool) {
		for _, root := range roots {
			fn := func(path string, de fs.DirEntry, err error) error {
				if ctx.Err() != nil {
					return fs.SkipAll
				}
				if err != nil {
					if !yield(entry{}, err) {
						return fs.SkipAll
					}
					return nil
				}
				if de.IsDir() {
					if path != "." && de.Name()[0] == '.' {
						return fs.SkipDir
					}
					return nil
				}
				info, err := de.Info()
				if err != nil {
					if !yield(entry{}, err) {
						return fs.SkipAll
					}
					return nil
				}
				if !info.Mode().IsRegular() {
					return nil
				}
				e := entry{
					root:    root,
					abspath: filepath.Join(root.Name(), path),
					path:    path,
					info:    info,
				}
				if !yield(e, nil) {
					return fs.SkipAll
				}
				return nil
			}
			_ = fs.WalkDir(root.FS(), ".", fn)
			if ctx.Err() != nil {
				return
			}
		}
	}
}
