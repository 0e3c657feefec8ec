package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/CZERTAINLY/Shelf/internal/log"
)

var (
	ErrAlreadySubmitted = errors.New("job already submitted")
	ErrJobDone          = errors.New("job already finished or cancelled")
	ErrSchedulerClosed  = errors.New("scheduler closed")
	ErrPanic            = errors.New("job panicked")
)

type SchedulerOption func(*Scheduler)

// WithDeliver sets the function used to hand completion notifications over
// to the context which owns the jobs. By default handlers run on the worker
// goroutine.
func WithDeliver(deliver func(func())) SchedulerOption {
	return func(s *Scheduler) {
		s.deliver = deliver
	}
}

type Stats struct {
	Queued  [numPriorities]int
	Running int
}

// Scheduler runs submitted jobs on a bounded number of workers, strictly
// highest priority first and FIFO within a priority.
type Scheduler struct {
	workers int
	sem     *semaphore.Weighted
	deliver func(func())

	mx      sync.Mutex
	queues  [numPriorities][]*Job
	running map[*Job]struct{}
	closed  bool
	wake    chan struct{}

	wg sync.WaitGroup
}

func NewScheduler(workers int, opts ...SchedulerOption) *Scheduler {
	workers = max(1, workers)
	s := &Scheduler{
		workers: workers,
		sem:     semaphore.NewWeighted(int64(workers)),
		deliver: func(fn func()) { fn() },
		running: make(map[*Job]struct{}),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit queues j with priority p. A job can be submitted once.
func (s *Scheduler) Submit(j *Job, p Priority) error {
	if !p.valid() {
		return fmt.Errorf("invalid priority %d", p)
	}
	s.mx.Lock()
	if s.closed {
		s.mx.Unlock()
		return ErrSchedulerClosed
	}
	if err := j.enqueue(s); err != nil {
		s.mx.Unlock()
		return err
	}
	s.queues[p] = append(s.queues[p], j)
	s.mx.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel is a shorthand for j.Cancel.
func (s *Scheduler) Cancel(j *Job) {
	j.Cancel()
}

func (s *Scheduler) Stats() Stats {
	s.mx.Lock()
	defer s.mx.Unlock()
	var st Stats
	for p, q := range s.queues {
		st.Queued[p] = len(q)
	}
	st.Running = len(s.running)
	return st
}

// Do runs the dispatch loop until ctx is cancelled. On return every queued
// and running job is cancelled and all workers have exited. Jobs submitted
// afterwards are rejected with ErrSchedulerClosed.
func (s *Scheduler) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a job scheduler", "workers", s.workers)
	defer s.shutdown(ctx)

	for {
		// a free worker first, so the pop below sees the best job available
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		// jobs end through Cancel only, shutdown marks them first
		j, jctx := s.pop(context.WithoutCancel(ctx))
		if j == nil {
			s.sem.Release(1)
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}
		s.wg.Go(func() {
			defer s.sem.Release(1)
			s.execute(jctx, j)
		})
	}
}

func (s *Scheduler) pop(ctx context.Context) (*Job, context.Context) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for p := range s.queues {
		for len(s.queues[p]) > 0 {
			j := s.queues[p][0]
			s.queues[p][0] = nil
			s.queues[p] = s.queues[p][1:]
			jctx, ok := j.start(ctx)
			if !ok {
				continue
			}
			s.running[j] = struct{}{}
			return j, jctx
		}
	}
	return nil, nil
}

func (s *Scheduler) execute(ctx context.Context, j *Job) {
	ctx = log.ContextAttrs(ctx,
		slog.String("job_id", j.id.String()),
		slog.String("job_kind", j.kind),
	)
	slog.DebugContext(ctx, "job started")

	outcome := s.run(ctx, j)

	s.mx.Lock()
	delete(s.running, j)
	s.mx.Unlock()

	if !j.finish(outcome) {
		slog.DebugContext(ctx, "job cancelled")
		discard(ctx, outcome)
		return
	}
	if f, ok := outcome.(Failed); ok {
		slog.DebugContext(ctx, "job failed", "error", f.Err)
	} else {
		slog.DebugContext(ctx, "job finished")
	}
	s.deliver(j.notify)
}

func (s *Scheduler) run(ctx context.Context, j *Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "job panicked", "panic", r, "stack", string(debug.Stack()))
			outcome = Failed{Err: fmt.Errorf("%w: %v", ErrPanic, r)}
		}
	}()
	outcome = j.work.Run(ctx)
	if outcome == nil {
		outcome = Failed{Err: errors.New("job returned no outcome")}
	}
	return outcome
}

// discard releases what an unwanted outcome owns.
func discard(ctx context.Context, outcome Outcome) {
	if l, ok := outcome.(Loaded); ok && l.Document != nil {
		if err := l.Document.Close(); err != nil {
			slog.WarnContext(ctx, "closing discarded document", "error", err)
		}
	}
}

// remove drops a cancelled job from its queue.
func (s *Scheduler) remove(j *Job) {
	s.mx.Lock()
	defer s.mx.Unlock()
	for p, q := range s.queues {
		if i := slices.Index(q, j); i >= 0 {
			s.queues[p] = slices.Delete(q, i, i+1)
			return
		}
	}
}

func (s *Scheduler) shutdown(ctx context.Context) {
	s.mx.Lock()
	s.closed = true
	var jobs []*Job
	for _, q := range s.queues {
		jobs = append(jobs, q...)
	}
	for j := range s.running {
		jobs = append(jobs, j)
	}
	s.mx.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}
	s.wg.Wait()
	slog.DebugContext(ctx, "job scheduler stopped", "cancelled", len(jobs))
}
