package main

import (
	"context"
	"errors"
	"fmt"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Shelf/internal/config"
	"github.com/CZERTAINLY/Shelf/internal/convert"
	"github.com/CZERTAINLY/Shelf/internal/document"
	"github.com/CZERTAINLY/Shelf/internal/job"
	"github.com/CZERTAINLY/Shelf/internal/library"
	"github.com/CZERTAINLY/Shelf/internal/log"
	"github.com/CZERTAINLY/Shelf/internal/metadata"
	"github.com/CZERTAINLY/Shelf/internal/recent"
	"github.com/CZERTAINLY/Shelf/internal/thumbcache"
)

const defaultApplication = "shelf"

var (
	flagOutput   string
	flagPage     int
	flagRotation int
	flagSize     int
	flagPrune    bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "refresh the library once and print its rows",
	RunE:  doList,
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "keep the thumbnails of the library up to date until interrupted",
	RunE:  doWatch,
}

var convertCmd = &cobra.Command{
	Use:   "convert FILE",
	Short: "convert a PostScript file to PDF written to stdout",
	Args:  cobra.ExactArgs(1),
	RunE:  doConvert,
}

var thumbnailCmd = &cobra.Command{
	Use:   "thumbnail FILE",
	Short: "render a thumbnail of a single document as PNG",
	Args:  cobra.ExactArgs(1),
	RunE:  doThumbnail,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "remove thumbnails no cache entry refers to",
	RunE:  doPrune,
}

// shelf holds the components built from the configuration.
type shelf struct {
	store  metadata.Store
	cache  *thumbcache.Cache
	loader *document.Loader
	sched  *job.Scheduler
}

func newShelf(ctx context.Context, cfg config.Config) (*shelf, error) {
	store, err := newStore(ctx, cfg.Metadata)
	if err != nil {
		return nil, err
	}
	ttl, err := cfg.NegativeTTL()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("parsing cache.negative_ttl: %w", err)
	}
	dir, err := cacheDir(cfg.Cache.Dir, "thumbnails")
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	cache, err := thumbcache.New(dir, store, thumbcache.WithNegativeTTL(ttl))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &shelf{
		store:  store,
		cache:  cache,
		loader: document.NewLoader(converterCommand(cfg.Converter)),
		sched:  job.NewScheduler(cfg.Scheduler.Workers),
	}, nil
}

func (s *shelf) Close() error {
	return s.store.Close()
}

func newStore(ctx context.Context, cfg config.Metadata) (metadata.Store, error) {
	switch cfg.Store {
	case config.StoreRedis:
		return metadata.NewRedis(ctx, cfg.RedisURL)
	case config.StoreMemory:
		return metadata.NewMemory(), nil
	default:
		dir, err := cacheDir(cfg.Dir, "metadata")
		if err != nil {
			return nil, err
		}
		return metadata.NewFile(dir)
	}
}

// cacheDir returns dir, or a directory under the user cache dir.
func cacheDir(dir, name string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	d, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("locating cache dir: %w", err)
	}
	return filepath.Join(d, "shelf", name), nil
}

func converterCommand(cfg config.Converter) convert.Command {
	cmd := convert.Ghostscript(cfg.Path)
	if len(cfg.Args) > 0 {
		cmd.Args = cfg.Args
	}
	return cmd
}

func newSource(cfg config.Library, loader *document.Loader) (recent.Source, error) {
	if cfg.Source == config.SourceDir {
		app := cfg.Application
		if app == "" {
			app = defaultApplication
		}
		return recent.NewDir(app, loader.Supports, cfg.Paths...), nil
	}
	path := cfg.XBEL
	if path == "" {
		var err error
		path, err = recent.DefaultXBELPath()
		if err != nil {
			return nil, fmt.Errorf("locating recently used file: %w", err)
		}
	}
	return recent.NewXBEL(path), nil
}

func newCoordinator(s *shelf, src recent.Source, opts ...library.Option) *library.Coordinator {
	opts = append([]library.Option{
		library.WithMaxItems(cfg.Library.MaxItems),
		library.WithIconSize(cfg.Library.IconSize),
		library.WithApplication(cfg.Library.Application),
		library.WithFrame(cfg.Library.Frame),
	}, opts...)
	return library.New(src, s.sched, s.cache, s.loader, opts...)
}

func doList(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("shelf",
		slog.String("cmd", "list"),
		slog.Int("pid", os.Getpid()),
	))
	s, err := newShelf(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	src, err := newSource(cfg.Library, s.loader)
	if err != nil {
		return err
	}
	c := newCoordinator(s, src)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sched.Do(gctx) })
	g.Go(func() error { return c.Do(gctx) })

	c.Refresh()
	select {
	case <-c.Settled():
	case <-gctx.Done():
	}
	cancel()
	if err := g.Wait(); err != nil {
		return err
	}
	if err := cmd.Context().Err(); err != nil {
		return err
	}
	return printRows(cmd.OutOrStdout(), c.Rows())
}

func printRows(out io.Writer, rows []library.Row) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STATE\tMODIFIED\tAUTHOR\tNAME\tURI")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			r.State,
			r.Item.Modified.Local().Format("2006-01-02 15:04"),
			r.Author,
			r.Item.DisplayName,
			r.Item.URI,
		)
	}
	return w.Flush()
}

func doWatch(cmd *cobra.Command, _ []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("shelf",
		slog.String("cmd", "watch"),
		slog.Int("pid", os.Getpid()),
	))
	s, err := newShelf(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	if flagPrune {
		n, err := s.cache.Prune(ctx)
		if err != nil {
			slog.WarnContext(ctx, "pruning thumbnails", "error", err)
		} else {
			slog.InfoContext(ctx, "pruned thumbnails", "removed", n)
		}
	}

	src, err := newSource(cfg.Library, s.loader)
	if err != nil {
		return err
	}

	var c *library.Coordinator
	refresh := func() { c.Refresh() }
	var opts []library.Option
	if cfg.Refresh != nil {
		timer, err := library.NewTimer(ctx, *cfg.Refresh, refresh)
		if err != nil {
			return err
		}
		opts = append(opts, library.WithTimer(timer))
	}
	c = newCoordinator(s, src, append(opts, library.WithRowFunc(func(r library.Row) {
		slog.DebugContext(ctx, "row", "row", int(r.ID), "uri", r.Item.URI, "state", r.State.String())
	}))...)

	watcher, err := recent.NewWatcher(src.Paths(), recent.DefaultDebounce)
	if err != nil {
		slog.WarnContext(ctx, "library changes are not watched", "error", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.sched.Do(gctx) })
	g.Go(func() error { return c.Do(gctx) })
	if watcher != nil {
		defer func() {
			_ = watcher.Close()
		}()
		g.Go(func() error { return watcher.Do(gctx, refresh) })
	}

	c.Refresh()
	slog.InfoContext(ctx, "watching library", "paths", src.Paths())
	return g.Wait()
}

func doConvert(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("shelf",
		slog.String("cmd", "convert"),
		slog.Int("pid", os.Getpid()),
	))
	c := convert.NewConverter(args[0], converterCommand(cfg.Converter),
		convert.WithStderrFunc(func(ctx context.Context, line string) {
			slog.InfoContext(ctx, "converter", "stderr", line)
		}),
	)
	defer c.Close()
	if err := c.StartSync(ctx); err != nil {
		return err
	}
	_, err := cmd.OutOrStdout().Write(c.Data())
	return err
}

func doThumbnail(cmd *cobra.Command, args []string) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("shelf",
		slog.String("cmd", "thumbnail"),
		slog.Int("pid", os.Getpid()),
	))
	uri, err := document.URIFromPath(args[0])
	if err != nil {
		return err
	}
	size := flagSize
	if size <= 0 {
		size = cfg.Library.IconSize
	}

	sched := job.NewScheduler(1)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g errgroup.Group
	g.Go(func() error { return sched.Do(ctx) })
	defer func() {
		cancel()
		_ = g.Wait()
	}()

	outcome, err := runJob(ctx, sched, job.NewLoad(uri, document.NewLoader(converterCommand(cfg.Converter))))
	if err != nil {
		return err
	}
	loaded := outcome.(job.Loaded)
	defer func() {
		_ = loaded.Document.Close()
	}()

	w, h, err := loaded.Document.PageSize(flagPage)
	if err != nil {
		return err
	}
	scale := min(float64(size)/h, float64(size)/w)
	outcome, err = runJob(ctx, sched, job.NewThumbnail(loaded.Document, flagPage, flagRotation, scale, cfg.Library.Frame))
	if err != nil {
		return err
	}
	img := outcome.(job.Rendered).Image

	out := cmd.OutOrStdout()
	if flagOutput != "" {
		f, err := os.Create(flagOutput)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		out = f
	}
	return png.Encode(out, img)
}

// runJob submits j and waits for it. A Failed outcome is returned as an
// error.
func runJob(ctx context.Context, sched *job.Scheduler, j *job.Job) (job.Outcome, error) {
	if err := sched.Submit(j, job.PriorityUrgent); err != nil {
		return nil, err
	}
	select {
	case <-j.Done():
	case <-ctx.Done():
		j.Cancel()
		<-j.Done()
		return nil, ctx.Err()
	}
	switch o := j.Outcome().(type) {
	case nil:
		return nil, errors.New("job cancelled")
	case job.Failed:
		return nil, o.Err
	default:
		return o, nil
	}
}

func doPrune(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	s, err := newShelf(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()
	n, err := s.cache.Prune(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d files\n", n)
	return nil
}
