package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map applies mapFunc to the elements of seq on at most limit goroutines
// and yields the results in completion order. Errors carried by seq are
// passed through without calling mapFunc. Breaking out of the loop cancels
// the context given to mapFunc; Map returns only after every goroutine it
// started has exited.
//
//	for d, err := range parallel.Map(ctx, 4, input, fn) {}
func Map[E, D any](ctx context.Context, limit int, seq iter.Seq2[E, error], mapFunc func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, gctx := errgroup.WithContext(ctx)
		// one slot is taken by the feeder
		g.SetLimit(max(1, limit) + 1)
		mapped := make(chan result[D], max(1, limit))

		send := func(r result[D]) {
			select {
			case mapped <- r:
			case <-gctx.Done():
			}
		}

		g.Go(func() error {
			for e, err := range seq {
				if gctx.Err() != nil {
					return nil
				}
				if err != nil {
					var zero D
					send(result[D]{d: zero, e: err})
					continue
				}
				g.Go(func() error {
					d, err := mapFunc(gctx, e)
					send(result[D]{d: d, e: err})
					return nil
				})
			}
			return nil
		})

		go func() {
			_ = g.Wait()
			close(mapped)
		}()

		for r := range mapped {
			if ctx.Err() != nil || !yield(r.d, r.e) {
				cancel()
				break
			}
		}
		for range mapped {
			// drain until the workers are gone
		}
	}
}
