package eval

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func source[T any](items ...T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, it := range items {
			if !yield(it, nil) {
				return
			}
		}
	}
}

// tracker records how many tasks run at once and each task's window.
type tracker struct {
	active  atomic.Int32
	peak    atomic.Int32
	mu      sync.Mutex
	windows map[int][2]time.Time
}

func newTracker() *tracker {
	return &tracker{windows: make(map[int][2]time.Time)}
}

func (tr *tracker) enter() {
	n := tr.active.Add(1)
	for {
		p := tr.peak.Load()
		if n <= p || tr.peak.CompareAndSwap(p, n) {
			return
		}
	}
}

func (tr *tracker) leave() { tr.active.Add(-1) }

func (tr *tracker) record(key int, start, end time.Time) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.windows[key] = [2]time.Time{start, end}
}

func collect[T any](t *testing.T, seq iter.Seq2[T, error]) []T {
	t.Helper()
	var out []T
	for v, err := range seq {
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestBoundedMapCompletionOrder(t *testing.T) {
	durations := map[int]time.Duration{1: 30 * time.Millisecond, 2: 5 * time.Millisecond, 3: 10 * time.Millisecond}
	tr := newTracker()

	got := collect(t, BoundedMap(context.Background(), source(1, 2, 3), 2, func(ctx context.Context, n int) (int, error) {
		tr.enter()
		defer tr.leave()
		time.Sleep(durations[n])
		return n, nil
	}))

	assert.Equal(t, []int{2, 3, 1}, got)
	assert.LessOrEqual(t, tr.peak.Load(), int32(2))
}

func TestBoundedMapSequential(t *testing.T) {
	for _, limit := range []int{Sequential, -1} {
		tr := newTracker()
		got := collect(t, BoundedMap(context.Background(), source(1, 2, 3), limit, func(ctx context.Context, n int) (int, error) {
			start := time.Now()
			time.Sleep(time.Duration(4-n) * 5 * time.Millisecond)
			tr.record(n, start, time.Now())
			return n, nil
		}))

		assert.Equal(t, []int{1, 2, 3}, got)
		for i := 1; i < 3; i++ {
			prev, next := tr.windows[i], tr.windows[i+1]
			assert.False(t, next[0].Before(prev[1]), "task %d started before task %d ended", i+1, i)
		}
	}
}

func TestBoundedMapUnbounded(t *testing.T) {
	const n = 20
	var started atomic.Int32
	release := make(chan struct{})

	items := make([]int, n)
	for i := range items {
		items[i] = i
	}

	done := make(chan []int)
	go func() {
		var out []int
		for v, err := range BoundedMap(context.Background(), source(items...), Unbounded, func(ctx context.Context, i int) (int, error) {
			started.Add(1)
			<-release
			return i, nil
		}) {
			if err != nil {
				break
			}
			out = append(out, v)
		}
		done <- out
	}()

	assert.Eventually(t, func() bool { return started.Load() == n }, time.Second, time.Millisecond)
	close(release)
	out := <-done
	slices.Sort(out)
	assert.Equal(t, items, out)
}

func TestBoundedMapTaskErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	var cancelled atomic.Bool

	var results []int
	var gotErr error
	for v, err := range BoundedMap(context.Background(), source(1, 2, 3, 4), 2, func(ctx context.Context, n int) (int, error) {
		if n == 2 {
			return 0, boom
		}
		select {
		case <-ctx.Done():
			cancelled.Store(true)
			return 0, ctx.Err()
		case <-time.After(time.Second):
			return n, nil
		}
	}) {
		if err != nil {
			gotErr = err
			continue
		}
		results = append(results, v)
	}

	assert.ErrorIs(t, gotErr, boom)
	assert.Empty(t, results)
	assert.True(t, cancelled.Load(), "sibling task should see cancellation")
}

func TestBoundedMapSourceErrorPropagates(t *testing.T) {
	bad := errors.New("bad source")
	src := func(yield func(int, error) bool) {
		if !yield(1, nil) {
			return
		}
		yield(0, bad)
	}

	for _, limit := range []int{Sequential, 2} {
		var errsSeen []error
		var values []int
		for v, err := range BoundedMap(context.Background(), src, limit, func(ctx context.Context, n int) (int, error) {
			return n * 10, nil
		}) {
			if err != nil {
				errsSeen = append(errsSeen, err)
				continue
			}
			values = append(values, v)
		}
		require.Len(t, errsSeen, 1, "limit %d", limit)
		assert.ErrorIs(t, errsSeen[0], bad)
		assert.LessOrEqual(t, len(values), 1)
	}
}

func TestBoundedMapEarlyBreakStopsAdmission(t *testing.T) {
	var calls atomic.Int32
	for v, err := range BoundedMap(context.Background(), source(1, 2, 3, 4, 5, 6), 2, func(ctx context.Context, n int) (int, error) {
		calls.Add(1)
		return n, nil
	}) {
		require.NoError(t, err)
		_ = v
		break
	}
	assert.LessOrEqual(t, calls.Load(), int32(3))
}

func TestBoundedMapCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, limit := range []int{Sequential, 3} {
		var gotErr error
		for _, err := range BoundedMap(ctx, source(1, 2, 3), limit, func(ctx context.Context, n int) (int, error) {
			return n, ctx.Err()
		}) {
			if err != nil {
				gotErr = err
			}
		}
		assert.ErrorIs(t, gotErr, context.Canceled, "limit %d", limit)
	}
}
