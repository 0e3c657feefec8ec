package thumbcache_test

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Shelf/internal/document"
	"github.com/CZERTAINLY/Shelf/internal/metadata"
	"github.com/CZERTAINLY/Shelf/internal/thumbcache"
	"github.com/stretchr/testify/require"
)

const uri = "file:///library/report.pdf"

var t0 = time.Date(2024, 4, 5, 12, 0, 0, 0, time.UTC)

// fakeStat serves modification times set by the test.
type fakeStat struct {
	mx    sync.Mutex
	mtime time.Time
	err   error
}

func (f *fakeStat) set(mtime time.Time) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.mtime = mtime
}

func (f *fakeStat) stat(string) (time.Time, error) {
	f.mx.Lock()
	defer f.mx.Unlock()
	return f.mtime, f.err
}

func thumbnail() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	img.Set(3, 4, color.RGBA{R: 0xff, A: 0xff})
	return img
}

func newCache(t *testing.T, opts ...thumbcache.Option) (*thumbcache.Cache, *fakeStat, metadata.Store, string) {
	t.Helper()
	st := &fakeStat{mtime: t0}
	store := metadata.NewMemory()
	dir := t.TempDir()
	opts = append([]thumbcache.Option{thumbcache.WithStat(st.stat)}, opts...)
	c, err := thumbcache.New(dir, store, opts...)
	require.NoError(t, err)
	return c, st, store, dir
}

func TestFreshness(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    time.Time
		then     bool
	}{
		{"older content", t0.Add(-time.Second), true},
		{"same content", t0, true},
		{"newer content", t0.Add(time.Second), false},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			c, st, _, _ := newCache(t)
			require.NoError(t, c.Put(t.Context(), uri, t0, thumbnail(), "Jane Roe"))

			st.set(tc.given)
			e, ok := c.Get(t.Context(), uri)
			require.Equal(t, tc.then, ok)
			if !ok {
				return
			}
			require.Equal(t, uri, e.URI)
			require.Equal(t, "Jane Roe", e.Author)
			require.False(t, e.Failed)
			require.True(t, e.Stamp.Equal(t0))
			require.Equal(t, image.Rect(0, 0, 16, 9), e.Image.Bounds())
			r, _, _, _ := e.Image.At(3, 4).RGBA()
			require.Equal(t, uint32(0xffff), r)
		})
	}
}

func TestEditedWhileRendering(t *testing.T) {
	t.Parallel()
	c, st, _, _ := newCache(t)
	stamp, err := c.Stamp(uri)
	require.NoError(t, err)

	// the document changes after it was read
	st.set(t0.Add(time.Minute))
	require.NoError(t, c.Put(t.Context(), uri, stamp, thumbnail(), ""))
	_, ok := c.Get(t.Context(), uri)
	require.False(t, ok)

	stamp, err = c.Stamp(uri)
	require.NoError(t, err)
	require.NoError(t, c.Put(t.Context(), uri, stamp, thumbnail(), ""))
	e, ok := c.Get(t.Context(), uri)
	require.True(t, ok)
	require.True(t, e.Stamp.Equal(t0.Add(time.Minute)))
}

func TestRecord(t *testing.T) {
	t.Parallel()
	c, _, store, dir := newCache(t)
	require.NoError(t, c.Put(t.Context(), uri, t0, thumbnail(), "Jane Roe"))

	v, err := store.Load(t.Context(), uri)
	require.NoError(t, err)
	mtime, ok := v.Uint64(thumbcache.KeyMtime)
	require.True(t, ok)
	require.Equal(t, uint64(t0.UnixNano()), mtime)
	path, ok := v.String(thumbcache.KeyThumbnailPath)
	require.True(t, ok)
	require.Equal(t, dir, filepath.Dir(path))
	require.FileExists(t, path)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "temporary file left behind")
}

func TestMisses(t *testing.T) {
	t.Parallel()

	t.Run("no entry", func(t *testing.T) {
		c, _, _, _ := newCache(t)
		_, ok := c.Get(t.Context(), uri)
		require.False(t, ok)
	})
	t.Run("document gone", func(t *testing.T) {
		c, st, _, _ := newCache(t)
		require.NoError(t, c.Put(t.Context(), uri, t0, thumbnail(), ""))
		st.mx.Lock()
		st.err = os.ErrNotExist
		st.mx.Unlock()
		_, ok := c.Get(t.Context(), uri)
		require.False(t, ok)
		_, err := c.Stamp(uri)
		require.ErrorIs(t, err, os.ErrNotExist)
	})
	t.Run("thumbnail deleted", func(t *testing.T) {
		c, _, store, _ := newCache(t)
		require.NoError(t, c.Put(t.Context(), uri, t0, thumbnail(), ""))
		v, err := store.Load(t.Context(), uri)
		require.NoError(t, err)
		path, _ := v.String(thumbcache.KeyThumbnailPath)
		require.NoError(t, os.Remove(path))
		_, ok := c.Get(t.Context(), uri)
		require.False(t, ok)
	})
	t.Run("thumbnail corrupted", func(t *testing.T) {
		c, _, store, _ := newCache(t)
		require.NoError(t, c.Put(t.Context(), uri, t0, thumbnail(), ""))
		v, err := store.Load(t.Context(), uri)
		require.NoError(t, err)
		path, _ := v.String(thumbcache.KeyThumbnailPath)
		require.NoError(t, os.WriteFile(path, []byte("not a png"), 0o644))
		_, ok := c.Get(t.Context(), uri)
		require.False(t, ok)
	})
}

func TestNegative(t *testing.T) {
	t.Parallel()
	var mx sync.Mutex
	now := t0.Add(time.Hour)
	clock := func() time.Time {
		mx.Lock()
		defer mx.Unlock()
		return now
	}
	c, st, _, _ := newCache(t, thumbcache.WithClock(clock), thumbcache.WithNegativeTTL(5*time.Minute))

	require.NoError(t, c.Put(t.Context(), uri, t0, thumbnail(), "someone"))
	require.NoError(t, c.PutFailed(t.Context(), uri, t0))

	e, ok := c.Get(t.Context(), uri)
	require.True(t, ok)
	require.True(t, e.Failed)
	require.Nil(t, e.Image)

	mx.Lock()
	now = now.Add(6 * time.Minute)
	mx.Unlock()
	_, ok = c.Get(t.Context(), uri)
	require.False(t, ok, "negative entry must expire")

	// a modified document invalidates it as well
	mx.Lock()
	now = now.Add(-6 * time.Minute)
	mx.Unlock()
	st.set(t0.Add(time.Minute))
	_, ok = c.Get(t.Context(), uri)
	require.False(t, ok)
}

func TestConcurrentPut(t *testing.T) {
	t.Parallel()
	c, _, store, _ := newCache(t)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Go(func() {
			errs[i] = c.Put(t.Context(), uri, t0, thumbnail(), string(rune('a'+i)))
		})
	}
	wg.Wait()
	require.NoError(t, errors.Join(errs...))

	e, ok := c.Get(t.Context(), uri)
	require.True(t, ok)
	v, err := store.Load(t.Context(), uri)
	require.NoError(t, err)
	author, _ := v.String(thumbcache.KeyAuthor)
	require.Equal(t, author, e.Author)
}

func TestPrune(t *testing.T) {
	t.Parallel()
	c, _, _, dir := newCache(t, thumbcache.WithClock(func() time.Time { return time.Now().Add(2 * time.Hour) }))
	require.NoError(t, c.Put(t.Context(), uri, t0, thumbnail(), ""))

	orphan := filepath.Join(dir, "0123.png")
	stale := filepath.Join(dir, ".tmp-123.png")
	other := filepath.Join(dir, "README")
	for _, p := range []string{orphan, stale, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	n, err := c.Prune(t.Context())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoFileExists(t, orphan)
	require.NoFileExists(t, stale)
	require.FileExists(t, other)

	_, ok := c.Get(t.Context(), uri)
	require.True(t, ok)
}

func TestDefaultStat(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "doc.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4"), 0o644))
	docURI, err := document.URIFromPath(path)
	require.NoError(t, err)

	c, err := thumbcache.New(t.TempDir(), metadata.NewMemory())
	require.NoError(t, err)
	stamp, err := c.Stamp(docURI)
	require.NoError(t, err)
	require.NoError(t, c.Put(t.Context(), docURI, stamp, thumbnail(), ""))
	_, ok := c.Get(t.Context(), docURI)
	require.True(t, ok)

	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Hour), time.Now().Add(time.Hour)))
	_, ok = c.Get(t.Context(), docURI)
	require.False(t, ok)

	_, err = c.Stamp("file:///does/not/exist.pdf")
	require.True(t, errors.Is(err, os.ErrNotExist))
}
