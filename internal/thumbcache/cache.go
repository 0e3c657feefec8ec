// Package thumbcache keeps rendered thumbnails on disk next to a metadata
// record describing them. An entry is fresh while its stamp is not older
// than the document's current modification time. Callers take the stamp
// with Stamp before they read the document, so an edit made while a
// thumbnail was rendered leaves the entry stale.
package thumbcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/CZERTAINLY/Shelf/internal/document"
	"github.com/CZERTAINLY/Shelf/internal/metadata"
)

const (
	KeyMtime         = "mtime"
	KeyAuthor        = "author"
	KeyThumbnailPath = "thumbnail-path"
	KeyFailed        = "failed"

	DefaultNegativeTTL = 10 * time.Minute

	tmpPrefix = ".tmp-"
	tmpMaxAge = time.Hour
)

type Entry struct {
	URI    string
	Image  image.Image
	Author string
	Stamp  time.Time
	Path   string
	// Failed marks a negative entry: the document could not be loaded.
	Failed bool
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithStat replaces the lookup of a document's modification time.
func WithStat(stat func(uri string) (time.Time, error)) Option {
	return func(c *Cache) {
		c.stat = stat
	}
}

func WithNegativeTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		c.negativeTTL = ttl
	}
}

type Cache struct {
	dir         string
	store       metadata.Store
	now         func() time.Time
	stat        func(uri string) (time.Time, error)
	negativeTTL time.Duration

	mx    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sync.Mutex
	refs int
}

func New(dir string, store metadata.Store, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	c := &Cache{
		dir:         dir,
		store:       store,
		now:         time.Now,
		stat:        statURI,
		negativeTTL: DefaultNegativeTTL,
		locks:       make(map[string]*keyLock),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns a fresh entry for uri. Any failure on the way is a miss.
func (c *Cache) Get(ctx context.Context, uri string) (Entry, bool) {
	mtime, err := c.stat(uri)
	if err != nil {
		slog.DebugContext(ctx, "cache miss: document not accessible", "uri", uri, "error", err)
		return Entry{}, false
	}
	v, err := c.store.Load(ctx, uri)
	if err != nil {
		if !errors.Is(err, metadata.ErrNotFound) {
			slog.WarnContext(ctx, "cache miss: loading metadata", "uri", uri, "error", err)
		}
		return Entry{}, false
	}
	stamp, ok := v.Uint64(KeyMtime)
	if !ok || time.Unix(0, int64(stamp)).Before(mtime) {
		return Entry{}, false
	}

	e := Entry{
		URI:   uri,
		Stamp: time.Unix(0, int64(stamp)),
	}
	e.Author, _ = v.String(KeyAuthor)

	if failedAt, ok := v.Uint64(KeyFailed); ok && failedAt > 0 {
		if c.now().Sub(time.Unix(0, int64(failedAt))) > c.negativeTTL {
			return Entry{}, false
		}
		e.Failed = true
		return e, true
	}

	e.Path, _ = v.String(KeyThumbnailPath)
	img, err := readPNG(e.Path)
	if err != nil {
		slog.DebugContext(ctx, "cache miss: thumbnail not readable", "uri", uri, "error", err)
		return Entry{}, false
	}
	e.Image = img
	return e, true
}

// Stamp returns the current modification time of the document at uri.
func (c *Cache) Stamp(uri string) (time.Time, error) {
	mtime, err := c.stat(uri)
	if err != nil {
		return time.Time{}, fmt.Errorf("stat %s: %w", uri, err)
	}
	return mtime, nil
}

// Put stores img as the thumbnail of uri rendered from the content modified
// at stamp. The image file is in place before the metadata record pointing
// to it is saved.
func (c *Cache) Put(ctx context.Context, uri string, stamp time.Time, img image.Image, author string) error {
	unlock := c.lock(uri)
	defer unlock()

	path := c.imagePath(uri)
	if err := c.writePNG(path, img); err != nil {
		return err
	}

	v := metadata.Values{}
	v.SetUint64(KeyMtime, uint64(stamp.UnixNano()))
	v.SetString(KeyAuthor, author)
	v.SetString(KeyThumbnailPath, path)
	if err := c.store.Save(ctx, uri, v); err != nil {
		return fmt.Errorf("saving cache entry: %w", err)
	}
	return nil
}

// PutFailed records that uri modified at stamp could not be loaded. The
// negative entry expires after the negative TTL or when the document
// changes.
func (c *Cache) PutFailed(ctx context.Context, uri string, stamp time.Time) error {
	unlock := c.lock(uri)
	defer unlock()

	v := metadata.Values{}
	v.SetUint64(KeyMtime, uint64(stamp.UnixNano()))
	v.SetUint64(KeyFailed, uint64(c.now().UnixNano()))
	if err := c.store.Save(ctx, uri, v); err != nil {
		return fmt.Errorf("saving cache entry: %w", err)
	}
	if err := os.Remove(c.imagePath(uri)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.WarnContext(ctx, "removing stale thumbnail", "uri", uri, "error", err)
	}
	return nil
}

// Prune deletes thumbnails no entry refers to and temporary files left by
// interrupted writes. It returns the number of removed files.
func (c *Cache) Prune(ctx context.Context) (int, error) {
	uris, err := c.store.URIs(ctx)
	if err != nil {
		return 0, err
	}
	live := make(map[string]struct{}, len(uris))
	for _, uri := range uris {
		v, err := c.store.Load(ctx, uri)
		if err != nil {
			continue
		}
		if p, ok := v.String(KeyThumbnailPath); ok {
			live[filepath.Clean(p)] = struct{}{}
		}
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("listing cache dir: %w", err)
	}
	var removed int
	var errs []error
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		switch {
		case strings.HasPrefix(e.Name(), tmpPrefix):
			info, err := e.Info()
			if err != nil || c.now().Sub(info.ModTime()) < tmpMaxAge {
				continue
			}
		case filepath.Ext(e.Name()) == ".png":
			if _, ok := live[path]; ok {
				continue
			}
		default:
			continue
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	slog.DebugContext(ctx, "cache pruned", "removed", removed)
	return removed, errors.Join(errs...)
}

func (c *Cache) imagePath(uri string) string {
	sum := sha256.Sum256([]byte(uri))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".png")
}

func (c *Cache) writePNG(path string, img image.Image) error {
	tmp, err := os.CreateTemp(c.dir, tmpPrefix+"*.png")
	if err != nil {
		return fmt.Errorf("creating thumbnail: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if err := png.Encode(tmp, img); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encoding thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing thumbnail: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storing thumbnail: %w", err)
	}
	return nil
}

// lock serializes writers of one key.
func (c *Cache) lock(uri string) (unlock func()) {
	c.mx.Lock()
	l, ok := c.locks[uri]
	if !ok {
		l = &keyLock{}
		c.locks[uri] = l
	}
	l.refs++
	c.mx.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		c.mx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, uri)
		}
		c.mx.Unlock()
	}
}

func readPNG(path string) (image.Image, error) {
	if path == "" {
		return nil, errors.New("no thumbnail path")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = f.Close()
	}()
	return png.Decode(f)
}

func statURI(uri string) (time.Time, error) {
	path, err := document.PathFromURI(uri)
	if err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
