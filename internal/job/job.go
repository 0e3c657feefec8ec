package job

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

type State int

const (
	StateCreated State = iota
	StateQueued
	StateRunning
	StateFinished
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Work is the unit executed by a Job. Run must return soon after ctx is
// cancelled.
type Work interface {
	Run(ctx context.Context) Outcome
}

type WorkFunc func(ctx context.Context) Outcome

func (f WorkFunc) Run(ctx context.Context) Outcome {
	return f(ctx)
}

type handler struct {
	id uint64
	fn func(*Job, Outcome)
}

// Job is a cancellable unit of work executed at most once by a Scheduler.
type Job struct {
	id   uuid.UUID
	kind string
	work Work

	mx       sync.Mutex
	state    State
	outcome  Outcome
	handlers []handler
	nextID   uint64
	sched    *Scheduler
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(kind string, w Work) *Job {
	return &Job{
		id:   uuid.New(),
		kind: kind,
		work: w,
		done: make(chan struct{}),
	}
}

func (j *Job) ID() uuid.UUID { return j.id }

func (j *Job) Kind() string { return j.kind }

func (j *Job) State() State {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.state
}

// Outcome returns the result of a Finished job, nil otherwise.
func (j *Job) Outcome() Outcome {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.outcome
}

// Done is closed once the work has returned, or when the job was cancelled
// before it started.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// OnFinished registers fn to be called once the job finished. Cancelled jobs
// never call it. The returned function disconnects fn; a disconnected
// handler is not called even if the completion is already on its way.
func (j *Job) OnFinished(fn func(*Job, Outcome)) (disconnect func()) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.nextID++
	id := j.nextID
	j.handlers = append(j.handlers, handler{id: id, fn: fn})
	return func() {
		j.mx.Lock()
		defer j.mx.Unlock()
		for i, h := range j.handlers {
			if h.id == id {
				j.handlers = append(j.handlers[:i:i], j.handlers[i+1:]...)
				return
			}
		}
	}
}

// Cancel cancels the job in any state. A running job's context is cancelled
// and its outcome discarded. Cancelling a finished job does nothing.
func (j *Job) Cancel() {
	j.mx.Lock()
	switch j.state {
	case StateCreated:
		j.state = StateCancelled
		close(j.done)
		j.mx.Unlock()
	case StateQueued:
		j.state = StateCancelled
		sched := j.sched
		close(j.done)
		j.mx.Unlock()
		sched.remove(j)
	case StateRunning:
		j.state = StateCancelled
		cancel := j.cancel
		j.mx.Unlock()
		cancel()
	default:
		j.mx.Unlock()
	}
}

func (j *Job) String() string {
	return j.kind + "/" + j.id.String()
}

// enqueue is called with the scheduler lock held.
func (j *Job) enqueue(s *Scheduler) error {
	j.mx.Lock()
	defer j.mx.Unlock()
	switch j.state {
	case StateCreated:
		j.state = StateQueued
		j.sched = s
		return nil
	case StateQueued, StateRunning:
		return ErrAlreadySubmitted
	default:
		return ErrJobDone
	}
}

// start moves a queued job to Running. It reports false for a job which was
// cancelled after it was popped.
func (j *Job) start(ctx context.Context) (context.Context, bool) {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.state != StateQueued {
		return nil, false
	}
	ctx, cancel := context.WithCancel(ctx)
	j.state = StateRunning
	j.cancel = cancel
	return ctx, true
}

// finish records the outcome. It reports false if the job was cancelled
// while running, in which case nobody is notified.
func (j *Job) finish(outcome Outcome) bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.cancel()
	defer close(j.done)
	if j.state == StateCancelled {
		return false
	}
	j.state = StateFinished
	j.outcome = outcome
	return true
}

// notify calls the handlers still connected at this moment.
func (j *Job) notify() {
	j.mx.Lock()
	handlers := append([]handler(nil), j.handlers...)
	outcome := j.outcome
	j.mx.Unlock()
	for _, h := range handlers {
		if !j.connected(h.id) {
			continue
		}
		h.fn(j, outcome)
	}
}

func (j *Job) connected(id uint64) bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	for _, h := range j.handlers {
		if h.id == id {
			return true
		}
	}
	return false
}
