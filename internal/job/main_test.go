package job_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/CZERTAINLY/Shelf/internal/convert"
	"github.com/CZERTAINLY/Shelf/internal/job"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const helperEnv = "SHELF_JOB_CONVERTER_HELPER"

func TestMain(m *testing.M) {
	if os.Getenv(helperEnv) != "" {
		// fake converter printing a PDF in two chunks
		_, _ = os.Stdout.Write([]byte("PDF"))
		time.Sleep(20 * time.Millisecond)
		_, _ = os.Stdout.Write([]byte("DATA"))
		fmt.Fprintln(os.Stderr, "done")
		os.Exit(0)
	}
	goleak.VerifyTestMain(m)
}

func helperCommand() convert.Command {
	return convert.Command{
		Path: os.Args[0],
		Env:  append(os.Environ(), helperEnv+"=1"),
	}
}

// start runs the scheduler loop and returns a function stopping it.
func start(t *testing.T, s *job.Scheduler) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(t.Context())
	errs := make(chan error, 1)
	go func() {
		errs <- s.Do(ctx)
	}()
	return func() {
		cancel()
		require.NoError(t, <-errs)
	}
}
