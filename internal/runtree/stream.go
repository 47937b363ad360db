package runtree

import (
	"iter"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
)

// Stream event names.
const (
	EventFirstToken = "new_token"
	EventStreamEnd  = "stream_end"
)

// Reducer folds the chunks of a finished stream into run outputs.
type Reducer[C any] func(chunks []C) map[string]any

// Accumulator collects stream chunks for a run and writes the aggregate to
// the run's outputs only when the stream closes.
type Accumulator[C any] struct {
	run    *Run
	reduce Reducer[C]

	mu     sync.Mutex
	chunks []C
	closed bool
}

// NewAccumulator creates an accumulator for run. A nil reduce stores the
// chunks under "output".
func NewAccumulator[C any](run *Run, reduce Reducer[C]) *Accumulator[C] {
	if reduce == nil {
		reduce = func(chunks []C) map[string]any {
			return map[string]any{"output": chunks}
		}
	}
	return &Accumulator[C]{run: run, reduce: reduce}
}

// Add records one chunk. The first chunk adds a first-token event.
func (a *Accumulator[C]) Add(c C) {
	a.mu.Lock()
	first := len(a.chunks) == 0 && !a.closed
	if !a.closed {
		a.chunks = append(a.chunks, c)
	}
	a.mu.Unlock()

	if first {
		a.run.AddEvent(Event{Name: EventFirstToken})
	}
}

// Chunks returns a copy of the chunks seen so far.
func (a *Accumulator[C]) Chunks() []C {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.chunks)
}

// Close reduces the chunks into outputs and ends the run with streamErr.
// Closing twice is a ProtocolError.
func (a *Accumulator[C]) Close(streamErr error) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return errs.Protocolf("stream", a.run.ID().String(), "accumulator already closed")
	}
	a.closed = true
	chunks := slices.Clone(a.chunks)
	a.mu.Unlock()

	a.run.AddEvent(Event{Name: EventStreamEnd, Kwargs: map[string]any{"chunks": len(chunks)}})
	return a.run.End(a.reduce(chunks), streamErr)
}

// TraceStream wraps src so run records it. The result is a lazy, finite,
// non-restartable sequence: chunks are pulled from src only as the consumer
// asks, the run ends when src is exhausted, fails, or the consumer stops
// early, and a second iteration yields a single ProtocolError.
//
// Errors from ending the run are reported through onClose when non-nil.
func TraceStream[C any](run *Run, src iter.Seq2[C, error], reduce Reducer[C], onClose func(error)) iter.Seq2[C, error] {
	var used atomic.Bool
	return func(yield func(C, error) bool) {
		if !used.CompareAndSwap(false, true) {
			var zero C
			yield(zero, errs.Protocolf("stream", run.ID().String(), "stream already consumed"))
			return
		}

		acc := NewAccumulator(run, reduce)
		var streamErr error
		defer func() {
			err := acc.Close(streamErr)
			if onClose != nil {
				onClose(err)
			}
		}()

		for c, err := range src {
			if err != nil {
				streamErr = err
				yield(c, err)
				return
			}
			acc.Add(c)
			if !yield(c, nil) {
				return
			}
		}
	}
}
