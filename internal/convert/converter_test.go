package convert_test

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Shelf/internal/convert"
	"github.com/stretchr/testify/require"
)

func input(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "doc.ps")
	require.NoError(t, os.WriteFile(path, []byte("%!PS\nshowpage\n"), 0o644))
	return path
}

func wait(t *testing.T, c *convert.Converter) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("converter did not finish")
	}
}

func TestConverter(t *testing.T) {
	t.Parallel()

	var mx sync.Mutex
	var chunks [][]byte
	c := convert.NewConverter(input(t), helperCommand("chunks"),
		convert.WithChunkFunc(func(chunk []byte) {
			mx.Lock()
			chunks = append(chunks, chunk)
			mx.Unlock()
		}),
	)
	t.Cleanup(c.Close)
	require.Equal(t, convert.StateIdle, c.State())

	var calls int
	var got []byte
	c.OnFinished(func(data []byte) {
		calls++
		got = data
	})

	require.NoError(t, c.Start(t.Context()))
	require.ErrorIs(t, c.Start(t.Context()), convert.ErrConversionInProgress)
	wait(t, c)

	require.Equal(t, convert.StateFinished, c.State())
	require.NoError(t, c.Err())
	require.Equal(t, 1, calls)
	require.Equal(t, "PDFDATA", string(got))
	require.Equal(t, "PDFDATA", string(c.Data()))

	mx.Lock()
	defer mx.Unlock()
	var joined []byte
	for _, ch := range chunks {
		joined = append(joined, ch...)
	}
	require.Equal(t, "PDFDATA", string(joined))
	require.Equal(t, "PDF", string(chunks[0][:3]))
}

func TestConverterRestart(t *testing.T) {
	t.Parallel()
	c := convert.NewConverter(input(t), helperCommand("chunks"))
	t.Cleanup(c.Close)

	var calls int
	c.OnFinished(func([]byte) { calls++ })
	for range 2 {
		require.NoError(t, c.StartSync(t.Context()))
		require.Equal(t, "PDFDATA", string(c.Data()))
	}
	require.Equal(t, 2, calls)
}

func TestConverterDisconnect(t *testing.T) {
	t.Parallel()
	c := convert.NewConverter(input(t), helperCommand("chunks"))
	t.Cleanup(c.Close)

	var kept, dropped int
	c.OnFinished(func([]byte) { kept++ })
	disconnect := c.OnFinished(func([]byte) { dropped++ })
	disconnect()
	disconnect()

	require.NoError(t, c.StartSync(t.Context()))
	require.Equal(t, 1, kept)
	require.Zero(t, dropped)
}

// the process exits while the consumer still holds the first chunk, no data
// may be lost
func TestConverterExitBeforeDrain(t *testing.T) {
	t.Parallel()
	const size = 32000

	gate := make(chan struct{})
	var once sync.Once
	c := convert.NewConverter(input(t), helperCommand("large", "32000"),
		convert.WithChunkFunc(func([]byte) {
			once.Do(func() { <-gate })
		}),
	)
	t.Cleanup(c.Close)

	require.NoError(t, c.Start(t.Context()))
	require.Eventually(t, func() bool {
		return c.ProcessState() != nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, convert.StateRunning, c.State())
	close(gate)

	wait(t, c)
	require.Equal(t, convert.StateFinished, c.State())
	require.Len(t, c.Data(), size)
}

func TestConverterStderr(t *testing.T) {
	t.Parallel()

	var mx sync.Mutex
	var lines []string
	c := convert.NewConverter(input(t), helperCommand("stderr"),
		convert.WithStderrFunc(func(_ context.Context, line string) {
			mx.Lock()
			lines = append(lines, line)
			mx.Unlock()
		}),
	)
	t.Cleanup(c.Close)

	require.NoError(t, c.StartSync(t.Context()))
	// stderr is independent of completion, the reader sees EOF shortly after
	c.Close()
	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, []string{"warning one", "warning two"}, lines)
}

func TestConverterFailures(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    convert.Command
		then     func(t *testing.T, err error)
	}{
		{
			scenario: "non zero exit",
			given:    helperCommand("fail"),
			then: func(t *testing.T, err error) {
				var exitErr *convert.ExitError
				require.ErrorAs(t, err, &exitErr)
				require.Equal(t, 3, exitErr.Code)
				var execErr *exec.ExitError
				require.ErrorAs(t, err, &execErr)
			},
		},
		{
			scenario: "stderr line too long",
			given:    helperCommand("longline"),
			then: func(t *testing.T, err error) {
				var streamErr *convert.StreamError
				require.ErrorAs(t, err, &streamErr)
				require.Equal(t, "stderr", streamErr.Stream)
				require.ErrorIs(t, err, bufio.ErrTooLong)
			},
		},
		{
			scenario: "no output",
			given:    helperCommand("empty"),
			then: func(t *testing.T, err error) {
				require.ErrorIs(t, err, convert.ErrNoOutput)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			c := convert.NewConverter(input(t), tc.given)
			t.Cleanup(c.Close)
			var calls int
			c.OnFinished(func([]byte) { calls++ })

			err := c.StartSync(t.Context())
			require.Error(t, err)
			tc.then(t, err)
			require.Equal(t, err, c.Err())
			require.Equal(t, convert.StateFailed, c.State())
			require.Zero(t, calls)
			require.Zero(t, c.OpenHandles())

			c.Stop()
			require.Equal(t, convert.StateIdle, c.State())
		})
	}
}

func TestConverterSpawnError(t *testing.T) {
	t.Parallel()
	c := convert.NewConverter(input(t), convert.Command{Path: "does not exist"})
	t.Cleanup(c.Close)

	var calls int
	c.OnFinished(func([]byte) { calls++ })
	err := c.Start(t.Context())
	require.Error(t, err)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "does not exist", execErr.Name)

	require.Equal(t, convert.StateFailed, c.State())
	require.ErrorIs(t, c.Err(), execErr)
	require.Zero(t, calls)
	require.Zero(t, c.OpenHandles())
	require.Equal(t, -1, c.Pid())
	<-c.Done()
}

func TestConverterStop(t *testing.T) {
	t.Parallel()
	c := convert.NewConverter(input(t), helperCommand("hang"))
	t.Cleanup(c.Close)

	var calls int
	c.OnFinished(func([]byte) { calls++ })
	require.NoError(t, c.Start(t.Context()))
	require.Eventually(t, func() bool {
		return len(c.Data()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	c.Stop()
	require.Equal(t, convert.StateIdle, c.State())
	require.ErrorIs(t, c.Err(), convert.ErrStopped)
	require.NotNil(t, c.ProcessState())
	require.Zero(t, c.OpenHandles())
	requireReaped(t, c.Pid())
	wait(t, c)
	require.Zero(t, calls)

	// idempotent
	c.Stop()
	require.Equal(t, convert.StateIdle, c.State())
}

func TestConverterContextCancel(t *testing.T) {
	t.Parallel()
	c := convert.NewConverter(input(t), helperCommand("hang"))
	t.Cleanup(c.Close)

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, c.Start(ctx))
	cancel()
	wait(t, c)

	require.Equal(t, convert.StateIdle, c.State())
	require.ErrorIs(t, c.Err(), convert.ErrStopped)
	require.ErrorIs(t, c.Err(), context.Canceled)
	require.Zero(t, c.OpenHandles())
}

func TestConverterInvocation(t *testing.T) {
	t.Parallel()
	path := input(t)
	c := convert.NewConverter(path, helperCommand("echo"))
	t.Cleanup(c.Close)

	require.NoError(t, c.StartSync(t.Context()))
	wd, err := filepath.EvalSymlinks(filepath.Dir(path))
	require.NoError(t, err)
	require.Equal(t, wd+"\n"+path, string(c.Data()))
}

func TestGhostscript(t *testing.T) {
	t.Parallel()
	cmd := convert.Ghostscript("")
	require.Equal(t, "gs", cmd.Path)
	require.Contains(t, cmd.Args, "-sDEVICE=pdfwrite")
	require.Contains(t, cmd.Args, "-sOutputFile=-")

	gs, err := exec.LookPath("gs")
	if err != nil {
		t.Skipf("skipped, binary gs not available: %v", err)
	}
	c := convert.NewConverter(input(t), convert.Ghostscript(gs))
	t.Cleanup(c.Close)
	require.NoError(t, c.StartSync(t.Context()))
	require.Equal(t, "%PDF", string(c.Data()[:4]))
}
