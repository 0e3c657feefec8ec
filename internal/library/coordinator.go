package library

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"slices"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/CZERTAINLY/Shelf/internal/document"
	"github.com/CZERTAINLY/Shelf/internal/job"
	"github.com/CZERTAINLY/Shelf/internal/log"
	"github.com/CZERTAINLY/Shelf/internal/recent"
	"github.com/CZERTAINLY/Shelf/internal/thumbcache"
)

const (
	DefaultMaxItems = 20
	DefaultIconSize = 128
)

type Option func(*Coordinator)

func WithMaxItems(n int) Option {
	return func(c *Coordinator) {
		c.maxItems = n
	}
}

func WithIconSize(size int) Option {
	return func(c *Coordinator) {
		c.iconSize = size
	}
}

// WithApplication shows only items registered by the named application.
func WithApplication(name string) Option {
	return func(c *Coordinator) {
		c.application = name
	}
}

func WithFallbackIcon(fn func(recent.Item) image.Image) Option {
	return func(c *Coordinator) {
		c.fallback = fn
	}
}

// WithFrame decorates rendered thumbnails with a frame.
func WithFrame(frame bool) Option {
	return func(c *Coordinator) {
		c.frame = frame
	}
}

// WithRowFunc sets a function called on the loop goroutine after every
// change of a row.
func WithRowFunc(fn func(Row)) Option {
	return func(c *Coordinator) {
		c.rowFunc = fn
	}
}

// WithTimer sets a scheduler driving periodic refreshes, see NewTimer. It is
// started and shut down by Do.
func WithTimer(s gocron.Scheduler) Option {
	return func(c *Coordinator) {
		c.timer = s
	}
}

// binding ties a row to the job currently working for it.
type binding struct {
	job        *job.Job
	disconnect func()
	// doc is owned by a thumbnail binding and closed once its job is done
	doc document.Document
}

type Coordinator struct {
	src    recent.Source
	sched  *job.Scheduler
	cache  *thumbcache.Cache
	loader job.Loader

	maxItems    int
	iconSize    int
	application string
	fallback    func(recent.Item) image.Image
	frame       bool
	rowFunc     func(Row)
	timer       gocron.Scheduler

	refresh    chan struct{}
	deliveries chan func()
	stopped    chan struct{}

	mx         sync.Mutex
	rows       []Row
	settled    chan struct{}
	isSettled  bool
	refreshing bool
	// cache writes in flight
	writes int
	// changed on the loop only
	bindings map[RowID]*binding

	// cache writes and document cleanups
	wg sync.WaitGroup
}

func New(src recent.Source, sched *job.Scheduler, cache *thumbcache.Cache, loader job.Loader, opts ...Option) *Coordinator {
	c := &Coordinator{
		src:        src,
		sched:      sched,
		cache:      cache,
		loader:     loader,
		maxItems:   DefaultMaxItems,
		iconSize:   DefaultIconSize,
		refresh:    make(chan struct{}, 1),
		deliveries: make(chan func()),
		stopped:    make(chan struct{}),
		settled:    make(chan struct{}),
		bindings:   make(map[RowID]*binding),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.fallback == nil {
		icon := FallbackIcon(c.iconSize)
		c.fallback = func(recent.Item) image.Image { return icon }
	}
	return c
}

// Refresh asks the loop to rebuild all rows. Requests made before the loop
// picked up the previous one are coalesced.
func (c *Coordinator) Refresh() {
	c.mx.Lock()
	c.refreshing = true
	if c.isSettled {
		c.settled = make(chan struct{})
		c.isSettled = false
	}
	c.mx.Unlock()

	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// Settled returns a channel closed once no refresh is pending, no row is
// bound to a job and every cache write has completed.
func (c *Coordinator) Settled() <-chan struct{} {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.settled
}

// Rows returns a copy of the current rows.
func (c *Coordinator) Rows() []Row {
	c.mx.Lock()
	defer c.mx.Unlock()
	return slices.Clone(c.rows)
}

// Deliver runs fn on the loop goroutine. Once Do has returned, fn is
// dropped.
func (c *Coordinator) Deliver(fn func()) {
	select {
	case c.deliveries <- fn:
	case <-c.stopped:
	}
}

// Do runs the coordinator event loop until ctx is cancelled. On return all
// bound jobs are cancelled and every document the coordinator owned is
// closed. Do returns nil on graceful cancellation.
func (c *Coordinator) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a library coordinator")

	if c.timer != nil {
		c.timer.Start()
		defer func() {
			if err := c.timer.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}
	defer c.wg.Wait()
	defer close(c.stopped)
	defer c.unbindAll(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.refresh:
			c.rebuild(ctx)
		case fn := <-c.deliveries:
			fn()
		}
		c.checkSettled()
	}
}

func (c *Coordinator) checkSettled() {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.isSettled || c.refreshing || c.writes > 0 || len(c.bindings) > 0 {
		return
	}
	c.isSettled = true
	close(c.settled)
}

func (c *Coordinator) rebuild(ctx context.Context) {
	c.mx.Lock()
	c.refreshing = false
	c.mx.Unlock()

	c.unbindAll(ctx)

	items, err := c.src.Items(ctx)
	if err != nil {
		// a partial list is still worth showing
		slog.WarnContext(ctx, "listing library items", "error", err)
	}
	items = c.pick(items)

	rows := make([]Row, len(items))
	for i, item := range items {
		row := Row{
			ID:    RowID(i),
			Item:  item,
			State: StateUnloaded,
			Icon:  c.fallback(item),
		}
		if e, ok := c.cache.Get(ctx, item.URI); ok {
			row.Author = e.Author
			if e.Failed {
				row.State = StateFailed
			} else {
				row.State = StateThumbnailed
				row.Icon = e.Image
			}
		}
		rows[i] = row
	}

	c.mx.Lock()
	c.rows = rows
	c.mx.Unlock()
	slog.DebugContext(ctx, "library refreshed", "items", len(rows))

	for _, row := range rows {
		c.notifyRow(row)
		if row.State == StateUnloaded {
			c.load(ctx, row.ID, row.Item.URI)
		}
	}
}

// pick orders items, the application's own first and then the most recent
// first, and keeps at most maxItems of them.
func (c *Coordinator) pick(items []recent.Item) []recent.Item {
	if c.application != "" {
		items = slices.DeleteFunc(items, func(i recent.Item) bool {
			return !i.HasApplication(c.application)
		})
	}
	slices.SortStableFunc(items, func(a, b recent.Item) int {
		if c.application != "" {
			if r := cmp.Compare(boolRank(b.HasApplication(c.application)), boolRank(a.HasApplication(c.application))); r != 0 {
				return r
			}
		}
		return b.Modified.Compare(a.Modified)
	})
	if c.maxItems > 0 && len(items) > c.maxItems {
		items = items[:c.maxItems]
	}
	return items
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (c *Coordinator) rowContext(ctx context.Context, id RowID, uri string) context.Context {
	return log.ContextAttrs(ctx, slog.Int("row", int(id)), slog.String("uri", uri))
}

func (c *Coordinator) load(ctx context.Context, id RowID, uri string) {
	ctx = c.rowContext(ctx, id, uri)
	// taken before the document is read, an edit during the load keeps the
	// cache entry stale
	stamp, err := c.cache.Stamp(uri)
	if err != nil {
		slog.DebugContext(ctx, "no modification time", "error", err)
	}
	c.updateRow(id, func(r *Row) {
		r.State = StateLoading
		r.stamp = stamp
	})
	j := job.NewLoad(uri, c.loader)
	if err := c.submit(ctx, id, j, nil); err != nil {
		c.fail(ctx, id, err)
	}
}

// submit binds j to the row and queues it. The row takes over doc.
func (c *Coordinator) submit(ctx context.Context, id RowID, j *job.Job, doc document.Document) error {
	c.unbind(ctx, id)

	b := &binding{job: j, doc: doc}
	b.disconnect = j.OnFinished(func(j *job.Job, outcome job.Outcome) {
		c.Deliver(func() {
			c.finished(ctx, id, j, outcome)
		})
	})
	c.mx.Lock()
	c.bindings[id] = b
	c.mx.Unlock()

	if err := c.sched.Submit(j, job.PriorityHigh); err != nil {
		c.unbind(ctx, id)
		return fmt.Errorf("submitting %s: %w", j, err)
	}
	return nil
}

func (c *Coordinator) finished(ctx context.Context, id RowID, j *job.Job, outcome job.Outcome) {
	c.mx.Lock()
	b := c.bindings[id]
	c.mx.Unlock()
	if b == nil || b.job != j {
		slog.DebugContext(ctx, "dropping completion of a superseded job", "job", j.String())
		return
	}

	switch o := outcome.(type) {
	case job.Loaded:
		// the row owns the document from now on
		c.detach(id)
		c.loaded(ctx, id, o)
	case job.Rendered:
		c.unbind(ctx, id)
		c.rendered(ctx, id, o)
	case job.Failed:
		c.unbind(ctx, id)
		c.fail(ctx, id, o.Err)
	}
}

func (c *Coordinator) loaded(ctx context.Context, id RowID, o job.Loaded) {
	c.updateRow(id, func(r *Row) {
		r.State = StateLoaded
		r.Author = o.Info.Author
	})

	w, h, err := o.Document.PageSize(0)
	if err != nil {
		c.closeDocument(ctx, o.Document)
		c.fail(ctx, id, err)
		return
	}
	if w <= 0 || h <= 0 {
		c.closeDocument(ctx, o.Document)
		c.fail(ctx, id, fmt.Errorf("%w: page size %gx%g", document.ErrInvalidDocument, w, h))
		return
	}
	size := float64(c.iconSize)
	scale := min(size/h, size/w)

	c.updateRow(id, func(r *Row) {
		r.State = StateThumbnailing
	})
	j := job.NewThumbnail(o.Document, 0, 0, scale, c.frame)
	if err := c.submit(ctx, id, j, o.Document); err != nil {
		// the binding closed the document on unbind
		c.fail(ctx, id, err)
	}
}

func (c *Coordinator) rendered(ctx context.Context, id RowID, o job.Rendered) {
	var uri, author string
	var stamp time.Time
	c.updateRow(id, func(r *Row) {
		r.State = StateThumbnailed
		r.Icon = o.Image
		r.Err = nil
		uri, author, stamp = r.Item.URI, r.Author, r.stamp
	})
	c.store(ctx, stamp, "caching thumbnail", func(ctx context.Context) error {
		return c.cache.Put(ctx, uri, stamp, o.Image, author)
	})
}

func (c *Coordinator) fail(ctx context.Context, id RowID, err error) {
	slog.InfoContext(ctx, "no thumbnail", "error", err)
	var uri string
	var stamp time.Time
	c.updateRow(id, func(r *Row) {
		r.State = StateFailed
		r.Icon = c.fallback(r.Item)
		r.Author = ""
		r.Err = err
		uri, stamp = r.Item.URI, r.stamp
	})
	if errors.Is(err, job.ErrSchedulerClosed) {
		return
	}
	c.store(ctx, stamp, "caching failure", func(ctx context.Context) error {
		return c.cache.PutFailed(ctx, uri, stamp)
	})
}

// store runs a cache write in the background. The write outlives the
// cancellation of ctx and holds off Settled until it is done. Without a
// stamp there is nothing a later Get could compare, so nothing is written.
func (c *Coordinator) store(ctx context.Context, stamp time.Time, msg string, write func(context.Context) error) {
	if stamp.IsZero() {
		return
	}
	c.mx.Lock()
	c.writes++
	c.mx.Unlock()

	ctx = context.WithoutCancel(ctx)
	c.wg.Go(func() {
		if err := write(ctx); err != nil {
			slog.WarnContext(ctx, msg, "error", err)
		}
		c.mx.Lock()
		c.writes--
		c.mx.Unlock()
		c.checkSettled()
	})
}

// detach forgets the binding of a finished job without releasing anything
// it owns.
func (c *Coordinator) detach(id RowID) {
	c.mx.Lock()
	b := c.bindings[id]
	delete(c.bindings, id)
	c.mx.Unlock()
	if b != nil {
		b.disconnect()
	}
}

// unbind disconnects and cancels the job bound to the row. Documents owned
// by the binding or left in a load job's outcome are closed once the job is
// done.
func (c *Coordinator) unbind(ctx context.Context, id RowID) {
	c.mx.Lock()
	b := c.bindings[id]
	delete(c.bindings, id)
	c.mx.Unlock()
	if b == nil {
		return
	}
	b.disconnect()
	b.job.Cancel()

	c.wg.Go(func() {
		<-b.job.Done()
		if b.doc != nil {
			c.closeDocument(ctx, b.doc)
		}
		// a load which finished before it was cancelled
		if l, ok := b.job.Outcome().(job.Loaded); ok {
			c.closeDocument(ctx, l.Document)
		}
	})
}

func (c *Coordinator) unbindAll(ctx context.Context) {
	c.mx.Lock()
	ids := make([]RowID, 0, len(c.bindings))
	for id := range c.bindings {
		ids = append(ids, id)
	}
	c.mx.Unlock()
	for _, id := range ids {
		c.unbind(ctx, id)
	}
}

func (c *Coordinator) closeDocument(ctx context.Context, doc document.Document) {
	if err := doc.Close(); err != nil {
		slog.WarnContext(ctx, "closing document", "error", err)
	}
}

func (c *Coordinator) updateRow(id RowID, fn func(*Row)) {
	c.mx.Lock()
	if int(id) >= len(c.rows) {
		c.mx.Unlock()
		return
	}
	fn(&c.rows[id])
	row := c.rows[id]
	c.mx.Unlock()
	c.notifyRow(row)
}

func (c *Coordinator) notifyRow(row Row) {
	if c.rowFunc != nil {
		c.rowFunc(row)
	}
}
