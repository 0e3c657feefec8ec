// Package convert drives an external program which transforms one input file
// into a byte stream written to its standard output, typically gs turning
// PostScript into PDF.
//
// A Converter owns at most one running process. Each run has three pipes:
// stdin (kept open and unused), stdout (accumulated into an in-memory
// buffer) and stderr (forwarded line by line). The pipe read ends are
// non-blocking descriptors parked in the runtime netpoller, so waiting
// readers do not occupy OS threads.
//
// A run finishes when the process has exited AND stdout reached EOF, in
// whichever order those happen. Success is reported to OnFinished handlers
// exactly once, after the last chunk was observed. Failures (stream read
// errors, no output, non-zero exit) and Stop never call the handlers; the
// reason is available through Err once Done is closed.
//
//	Start ----> spawn --+--> stdout reader --(chunks)--> buffer --EOF--+
//	                    +--> stderr reader --(lines)---> stderr func   +--> terminal
//	                    +--> exit waiter ---(cmd.Wait)-----------------+
//
// Stop kills a running process with SIGTERM and waits for the exit waiter to
// reap it, so Stop may block until the process is gone.
package convert

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Shelf/internal/log"
)

const (
	chunkSize   = 4096
	killGrace   = 2 * time.Second
	stderrGrace = 500 * time.Millisecond
)

type State int

const (
	StateIdle State = iota
	StateRunning
	StateFinished
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type StderrFunc func(ctx context.Context, line string)

type Option func(*Converter)

// WithChunkFunc registers a function called with every chunk read from
// stdout, in order, before the run can finish.
func WithChunkFunc(fn func(chunk []byte)) Option {
	return func(c *Converter) {
		c.chunkFunc = fn
	}
}

// WithStderrFunc registers a function receiving stderr lines. Without it the
// lines are logged at debug level.
func WithStderrFunc(fn StderrFunc) Option {
	return func(c *Converter) {
		c.stderrFunc = fn
	}
}

type handler struct {
	id uint64
	fn func(data []byte)
}

type Converter struct {
	filename   string
	proto      Command
	chunkFunc  func([]byte)
	stderrFunc StderrFunc

	mx       sync.Mutex
	state    State
	err      error
	data     bytes.Buffer
	run      *run // active run
	last     *run // most recent run, kept for handle accounting
	done     chan struct{}
	handlers []handler
	nextID   uint64

	wg sync.WaitGroup
}

type run struct {
	ctx       context.Context
	cmd       *exec.Cmd
	stdin     *os.File
	stdout    *os.File
	stderr    *os.File
	openFiles int
	reaped    bool
	procState *os.ProcessState
	exited    chan struct{} // closed by the exit waiter after cmd.Wait
	errDone   chan struct{} // closed by the stderr reader
	exitErr   error
	hasExited bool
	drained   bool
	stopWatch func() bool
}

// NewConverter returns an idle converter for filename.
func NewConverter(filename string, cmd Command, opts ...Option) *Converter {
	done := make(chan struct{})
	close(done)
	c := &Converter{
		filename: filename,
		proto:    cmd,
		done:     done,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start spawns the converter and returns immediately. It returns
// ErrConversionInProgress if a run is active, or the spawn error, in which
// case the converter is Failed and no handler is called. Cancelling ctx
// stops the run.
func (c *Converter) Start(ctx context.Context) error {
	r, err := c.spawn(ctx)
	if err != nil {
		return err
	}
	c.wg.Go(func() {
		c.readStdout(r)
	})
	return nil
}

// StartSync spawns the converter, drains stdout on the calling goroutine and
// returns once the run reached a terminal state. The result is the same as
// Err. It blocks, so it must not be called from an interactive context.
func (c *Converter) StartSync(ctx context.Context) error {
	r, err := c.spawn(ctx)
	if err != nil {
		return err
	}
	c.readStdout(r)
	<-c.Done()
	return c.Err()
}

// Stop terminates a running process, reaps it and releases every stream.
// It is idempotent and safe to call when nothing runs. A Failed converter
// becomes Idle.
func (c *Converter) Stop() {
	c.mx.Lock()
	r := c.run
	if r == nil {
		if c.state == StateFailed {
			c.state = StateIdle
		}
		c.mx.Unlock()
		return
	}
	c.mx.Unlock()
	c.terminate(r, StateIdle, ErrStopped)
}

// Close stops the converter and waits for all of its goroutines. It must
// not be called from an OnFinished handler or a chunk function.
func (c *Converter) Close() {
	c.Stop()
	<-c.Done()
	c.wg.Wait()
}

// OnFinished registers fn to be called with the converted data when a run
// finishes successfully. The returned function disconnects fn.
func (c *Converter) OnFinished(fn func(data []byte)) (disconnect func()) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers = append(c.handlers, handler{id: id, fn: fn})
	return func() {
		c.mx.Lock()
		defer c.mx.Unlock()
		for i, h := range c.handlers {
			if h.id == id {
				c.handlers = append(c.handlers[:i:i], c.handlers[i+1:]...)
				return
			}
		}
	}
}

// Data returns a copy of the output captured so far.
func (c *Converter) Data() []byte {
	c.mx.Lock()
	defer c.mx.Unlock()
	return bytes.Clone(c.data.Bytes())
}

func (c *Converter) State() State {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.state
}

// Err returns the reason of the last terminal transition: nil after a
// successful run, ErrStopped, a spawn error, *StreamError, *ExitError or
// ErrNoOutput.
func (c *Converter) Err() error {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.err
}

// Done returns a channel closed when the current run reached a terminal
// state. OnFinished handlers have returned by then.
func (c *Converter) Done() <-chan struct{} {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.done
}

// OpenHandles returns the number of stream handles still open plus one if
// the last process has not been reaped yet.
func (c *Converter) OpenHandles() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.last == nil {
		return 0
	}
	n := c.last.openFiles
	if !c.last.reaped {
		n++
	}
	return n
}

// ProcessState returns the exit state of the last reaped process, nil if
// there is none.
func (c *Converter) ProcessState() *os.ProcessState {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.last == nil {
		return nil
	}
	return c.last.procState
}

// Pid returns the process id of the last spawned process, -1 if none.
func (c *Converter) Pid() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.last == nil || c.last.cmd.Process == nil {
		return -1
	}
	return c.last.cmd.Process.Pid
}

func (c *Converter) spawn(ctx context.Context) (*run, error) {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.run != nil {
		return nil, ErrConversionInProgress
	}

	c.data.Reset()
	c.err = nil
	c.done = make(chan struct{})

	ctx = log.ContextAttrs(ctx, slog.String("converter_input", c.filename))
	r, err := c.newRun(ctx)
	if err != nil {
		slog.WarnContext(ctx, "spawning converter failed", "path", c.proto.Path, "error", err)
		c.state = StateFailed
		c.err = err
		close(c.done)
		return nil, err
	}
	slog.DebugContext(ctx, "converter started", "path", c.proto.Path, "pid", r.cmd.Process.Pid)

	c.run = r
	c.last = r
	c.state = StateRunning
	r.stopWatch = context.AfterFunc(ctx, func() {
		c.terminate(r, StateIdle, fmt.Errorf("%w: %w", ErrStopped, context.Cause(ctx)))
	})

	c.wg.Go(func() {
		c.readStderr(r)
	})
	c.wg.Go(func() {
		c.waitExit(r)
	})
	return r, nil
}

func (c *Converter) newRun(ctx context.Context) (*run, error) {
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW)
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		closeFiles(inR, inW, outR, outW)
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	cmd := exec.Command(c.proto.Path, c.proto.argv(c.filename)...)
	cmd.Dir = filepath.Dir(c.filename)
	cmd.Env = c.proto.Env
	cmd.Stdin = inR
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	// the child owns its copies now
	closeFiles(inR, outW, errW)
	if err != nil {
		closeFiles(inW, outR, errR)
		return nil, err
	}

	return &run{
		ctx:       ctx,
		cmd:       cmd,
		stdin:     inW,
		stdout:    outR,
		stderr:    errR,
		openFiles: 3,
		exited:    make(chan struct{}),
		errDone:   make(chan struct{}),
	}, nil
}

func (c *Converter) readStdout(r *run) {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.stdout.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			if !c.appendChunk(r, chunk) {
				return
			}
			if c.chunkFunc != nil {
				c.chunkFunc(chunk)
			}
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, io.EOF):
			c.stdoutDrained(r)
		default:
			c.streamFailed(r, "stdout", err)
		}
		return
	}
}

func (c *Converter) appendChunk(r *run, chunk []byte) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	if c.run != r {
		return false
	}
	c.data.Write(chunk)
	return true
}

func (c *Converter) stdoutDrained(r *run) {
	c.mx.Lock()
	if c.run != r {
		c.mx.Unlock()
		return
	}
	r.drained = true
	complete := r.hasExited
	c.mx.Unlock()
	if complete {
		c.complete(r)
	}
}

func (c *Converter) readStderr(r *run) {
	scanner := bufio.NewScanner(r.stderr)
	scanner.Buffer(make([]byte, 0, chunkSize), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if c.stderrFunc != nil {
			c.stderrFunc(r.ctx, line)
		} else {
			slog.DebugContext(r.ctx, "converter stderr", "line", line)
		}
	}
	err := scanner.Err()
	close(r.errDone)
	if err != nil {
		c.streamFailed(r, "stderr", err)
	}
}

func (c *Converter) waitExit(r *run) {
	err := r.cmd.Wait()

	c.mx.Lock()
	r.exitErr = err
	r.reaped = true
	r.procState = r.cmd.ProcessState
	close(r.exited)
	if c.run != r {
		c.mx.Unlock()
		return
	}
	r.hasExited = true
	complete := r.drained
	c.mx.Unlock()

	slog.DebugContext(r.ctx, "converter exited", "state", r.cmd.ProcessState.String())
	if complete {
		c.complete(r)
	}
}

func (c *Converter) streamFailed(r *run, stream string, err error) {
	if !c.current(r) {
		return
	}
	slog.WarnContext(r.ctx, "converter stream failed", "stream", stream, "error", err)
	c.terminate(r, StateFailed, &StreamError{Stream: stream, Err: err})
}

// complete runs once both exit and stdout EOF were observed.
func (c *Converter) complete(r *run) {
	c.mx.Lock()
	empty := c.data.Len() == 0
	exitErr := r.exitErr
	c.mx.Unlock()

	var exitError *exec.ExitError
	switch {
	case errors.As(exitErr, &exitError):
		c.terminate(r, StateFailed, &ExitError{Code: exitError.ExitCode(), Err: exitErr})
	case exitErr != nil:
		c.terminate(r, StateFailed, fmt.Errorf("waiting for converter: %w", exitErr))
	case empty:
		c.terminate(r, StateFailed, ErrNoOutput)
	default:
		c.terminate(r, StateFinished, nil)
	}
}

// terminate performs the single terminal transition of r. Later calls for
// the same run are no-ops.
func (c *Converter) terminate(r *run, state State, err error) {
	c.mx.Lock()
	if c.run != r {
		c.mx.Unlock()
		return
	}
	c.run = nil
	c.state = state
	c.err = err
	done := c.done
	var handlers []handler
	var data []byte
	if state == StateFinished {
		handlers = append(handlers, c.handlers...)
		data = bytes.Clone(c.data.Bytes())
	}
	c.mx.Unlock()

	r.stopWatch()
	c.reap(r)
	c.drainStderr(r)
	c.release(r)

	switch state {
	case StateFinished:
		slog.DebugContext(r.ctx, "conversion finished", "bytes", len(data))
	case StateFailed:
		slog.WarnContext(r.ctx, "conversion failed", "error", err)
	default:
		slog.DebugContext(r.ctx, "conversion stopped", "reason", err)
	}

	for _, h := range handlers {
		h.fn(data)
	}
	close(done)
}

// reap makes sure the process is gone. The exit waiter is the only caller
// of cmd.Wait, reap only signals and waits for it.
func (c *Converter) reap(r *run) {
	select {
	case <-r.exited:
		return
	default:
	}

	if err := r.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.DebugContext(r.ctx, "sending SIGTERM failed, killing", "error", err)
		_ = r.cmd.Process.Kill()
	}

	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	select {
	case <-r.exited:
	case <-timer.C:
		slog.WarnContext(r.ctx, "converter ignored SIGTERM, killing", "pid", r.cmd.Process.Pid)
		_ = r.cmd.Process.Kill()
		<-r.exited
	}
}

// drainStderr lets the stderr reader forward what the dead process wrote.
// A descendant may still hold the pipe, so the wait is bounded.
func (c *Converter) drainStderr(r *run) {
	timer := time.NewTimer(stderrGrace)
	defer timer.Stop()
	select {
	case <-r.errDone:
	case <-timer.C:
		slog.DebugContext(r.ctx, "stderr still open after exit")
	}
}

func (c *Converter) release(r *run) {
	for _, f := range []*os.File{r.stdin, r.stdout, r.stderr} {
		_ = f.Close()
		c.mx.Lock()
		r.openFiles--
		c.mx.Unlock()
	}
}

func (c *Converter) current(r *run) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.run == r
}

func closeFiles(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
