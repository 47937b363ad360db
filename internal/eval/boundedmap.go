package eval

import (
	"context"
	"iter"
	"math"

	"golang.org/x/sync/errgroup"
)

const (
	// Sequential runs one task at a time in input order. Any limit <= 0
	// behaves the same.
	Sequential = 0
	// Unbounded starts a task for every input immediately.
	Unbounded = math.MaxInt
)

type outcome[Out any] struct {
	out Out
	err error
}

// BoundedMap applies fn to every element of src with at most limit calls in
// flight and yields results as tasks complete. A completed task immediately
// frees its slot for the next input, so a slow task never holds back faster
// ones behind it. With limit <= 0 tasks run one at a time and results keep
// input order.
//
// The first error, from src or from a task, cancels the remaining tasks and
// is yielded once; iteration then stops. BoundedMap returns only after every
// task it started has returned, so fn should honor ctx.
func BoundedMap[In, Out any](ctx context.Context, src iter.Seq2[In, error], limit int, fn func(context.Context, In) (Out, error)) iter.Seq2[Out, error] {
	if limit <= 0 {
		return sequential(ctx, src, fn)
	}
	return func(yield func(Out, error) bool) {
		var zero Out

		ctx, cancel := context.WithCancel(ctx)
		g, gctx := errgroup.WithContext(ctx)
		defer func() {
			cancel()
			_ = g.Wait()
		}()

		// the source is pulled on its own goroutine so a slow producer never
		// delays yielding results that are already done
		inputs := make(chan outcome[In])
		g.Go(func() error {
			defer close(inputs)
			for in, err := range src {
				select {
				case inputs <- outcome[In]{out: in, err: err}:
				case <-gctx.Done():
					return nil
				}
				if err != nil {
					return nil
				}
			}
			return nil
		})

		results := make(chan outcome[Out])
		inFlight := 0
		exhausted := false

		for {
			var feed <-chan outcome[In]
			if !exhausted && inFlight < limit {
				feed = inputs
			}
			if feed == nil && inFlight == 0 {
				return
			}

			select {
			case in, ok := <-feed:
				if !ok {
					exhausted = true
					continue
				}
				if in.err != nil {
					yield(zero, in.err)
					return
				}
				inFlight++
				g.Go(func() error {
					out, err := fn(gctx, in.out)
					if err != nil {
						return err
					}
					select {
					case results <- outcome[Out]{out: out}:
					case <-gctx.Done():
					}
					return nil
				})
			case r := <-results:
				inFlight--
				if !yield(r.out, nil) {
					return
				}
			case <-gctx.Done():
				err := g.Wait()
				if err == nil {
					err = ctx.Err()
				}
				yield(zero, err)
				return
			}
		}
	}
}

func sequential[In, Out any](ctx context.Context, src iter.Seq2[In, error], fn func(context.Context, In) (Out, error)) iter.Seq2[Out, error] {
	return func(yield func(Out, error) bool) {
		var zero Out
		for in, err := range src {
			if err == nil {
				err = ctx.Err()
			}
			if err != nil {
				yield(zero, err)
				return
			}
			out, err := fn(ctx, in)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(out, nil) {
				return
			}
		}
	}
}
