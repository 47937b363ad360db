package caller

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted serves the given statuses in order, then 200 forever.
type scripted struct {
	mu         sync.Mutex
	statuses   []int
	retryAfter string
	times      []time.Time
}

func (s *scripted) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.times = append(s.times, time.Now())
	status := http.StatusOK
	if len(s.times) <= len(s.statuses) {
		status = s.statuses[len(s.times)-1]
	}
	s.mu.Unlock()

	if status != http.StatusOK && s.retryAfter != "" {
		w.Header().Set("Retry-After", s.retryAfter)
	}
	w.WriteHeader(status)
	_, _ = w.Write([]byte(strconv.Itoa(status)))
}

func (s *scripted) requests() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

func get(url string) Operation {
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return &errs.TransportError{Op: "get", Err: err}
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		if resp.StatusCode >= 400 {
			return errs.NewResponseError("get", resp.StatusCode, resp.Header, body)
		}
		return nil
	}
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.MinBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	return opts
}

func newCaller(t *testing.T, opts Options) *Caller {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestNonRetryableStatusFailsOnce(t *testing.T) {
	srv := &scripted{statuses: []int{408}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := newCaller(t, fastOptions())
	err := c.Call(context.Background(), get(ts.URL))

	require.Error(t, err)
	status, ok := errs.StatusCode(err)
	assert.True(t, ok)
	assert.Equal(t, 408, status)
	assert.Len(t, srv.requests(), 1)
}

func TestOptInStatusIsRetried(t *testing.T) {
	srv := &scripted{statuses: []int{408}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	opts := fastOptions()
	opts.Policy = DefaultPolicy().With(408)
	c := newCaller(t, opts)

	require.NoError(t, c.Call(context.Background(), get(ts.URL)))
	assert.Len(t, srv.requests(), 2)
}

func TestRetriesUntilSuccess(t *testing.T) {
	srv := &scripted{statuses: []int{429, 429}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	opts := fastOptions()
	opts.MaxRetries = 3
	c := newCaller(t, opts)

	require.NoError(t, c.Call(context.Background(), get(ts.URL)))
	assert.Len(t, srv.requests(), 3)
}

func TestRetryAfterIsHonored(t *testing.T) {
	srv := &scripted{statuses: []int{429}, retryAfter: "1"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := newCaller(t, fastOptions())
	require.NoError(t, c.Call(context.Background(), get(ts.URL)))

	times := srv.requests()
	require.Len(t, times, 2)
	assert.GreaterOrEqual(t, times[1].Sub(times[0]), time.Second)
}

func TestRetryAfterIsCapped(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetryAfter = 10 * time.Millisecond
	c := newCaller(t, opts)

	for _, v := range []string{"3600", "99999999999999999999"} {
		h := http.Header{}
		h.Set("Retry-After", v)
		d := c.delay(0, errs.NewResponseError("x", 429, h, nil))
		assert.Equal(t, 10*time.Millisecond, d, v)
	}
}

func TestExhaustedRetriesReturnLastError(t *testing.T) {
	srv := &scripted{statuses: []int{503, 503, 503, 503}, retryAfter: "0"}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	opts := fastOptions()
	opts.MaxRetries = 2
	c := newCaller(t, opts)

	err := c.Call(context.Background(), get(ts.URL))
	var re *errs.ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, 503, re.StatusCode)
	assert.Len(t, srv.requests(), 3)
}

func TestTransportErrorsAreRetried(t *testing.T) {
	c := newCaller(t, fastOptions())

	var calls atomic.Int32
	err := c.Call(context.Background(), func(ctx context.Context) error {
		if calls.Add(1) < 3 {
			return &errs.TransportError{Op: "dial", Err: errors.New("connection reset")}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNeverRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"validation", errs.Validationf("name", "empty")},
		{"protocol", errs.Protocolf("end", "r1", "already ended")},
		{"canceled", context.Canceled},
		{"deadline", &errs.TransportError{Op: "post", Err: context.DeadlineExceeded}},
		{"client error", errs.NewResponseError("post", 400, nil, nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCaller(t, fastOptions())
			var calls atomic.Int32
			err := c.Call(context.Background(), func(ctx context.Context) error {
				calls.Add(1)
				return tt.err
			})
			assert.Error(t, err)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestConcurrencyGate(t *testing.T) {
	opts := fastOptions()
	opts.MaxConcurrency = 2
	c := newCaller(t, opts)

	var inFlight, peak atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Call(context.Background(), func(ctx context.Context) error {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(0), inFlight.Load())
}

func TestCancelledContextAborts(t *testing.T) {
	c := newCaller(t, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	err := c.Call(ctx, func(ctx context.Context) error {
		calls.Add(1)
		return ctx.Err()
	})

	var ae *errs.AbortError
	require.ErrorAs(t, err, &ae)
	assert.LessOrEqual(t, calls.Load(), int32(1))
}

func TestCancelDuringBackoffAborts(t *testing.T) {
	opts := fastOptions()
	opts.MinBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	c := newCaller(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Call(ctx, func(ctx context.Context) error {
		return errs.NewResponseError("post", 503, nil, nil)
	})
	assert.True(t, errs.IsAbort(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestSignalAbortsPromptly(t *testing.T) {
	c := newCaller(t, fastOptions())
	signal := make(chan struct{})
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)

	go func() {
		<-started
		close(signal)
	}()

	begin := time.Now()
	err := c.CallWithOptions(context.Background(), CallOptions{Signal: signal}, func(ctx context.Context) error {
		close(started)
		// ignores ctx on purpose
		<-release
		return nil
	})

	var ae *errs.AbortError
	require.ErrorAs(t, err, &ae)
	assert.ErrorIs(t, err, ErrSignaled)
	assert.Less(t, time.Since(begin), time.Second)
}

func TestSignalAlreadyFired(t *testing.T) {
	c := newCaller(t, fastOptions())
	signal := make(chan struct{})
	close(signal)

	called := false
	err := c.CallWithOptions(context.Background(), CallOptions{Signal: signal}, func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.True(t, errs.IsAbort(err))
	assert.False(t, called)
}

func TestFailedResponseHook(t *testing.T) {
	srv := &scripted{statuses: []int{409, 409}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	opts := fastOptions()
	opts.MinBackoff = time.Hour
	opts.MaxBackoff = time.Hour
	var seen atomic.Int32
	opts.OnFailedResponse = func(ctx context.Context, err error) bool {
		seen.Add(1)
		status, _ := errs.StatusCode(err)
		return status == http.StatusConflict
	}
	c := newCaller(t, opts)

	start := time.Now()
	require.NoError(t, c.Call(context.Background(), get(ts.URL)))
	assert.Len(t, srv.requests(), 3)
	assert.Equal(t, int32(2), seen.Load())
	// handled failures skip backoff
	assert.Less(t, time.Since(start), time.Second)
}

func TestHookStillBoundedByMaxRetries(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetries = 2
	opts.OnFailedResponse = func(context.Context, error) bool { return true }
	c := newCaller(t, opts)

	var calls atomic.Int32
	err := c.Call(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return errs.NewResponseError("post", 400, nil, nil)
	})
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBreakerRejectionsAreNotRetried(t *testing.T) {
	opts := fastOptions()
	opts.MaxRetries = 5
	opts.Breaker = NewBreaker("test", 2, time.Hour, nil)
	c := newCaller(t, opts)

	var calls atomic.Int32
	err := c.Call(context.Background(), func(ctx context.Context) error {
		calls.Add(1)
		return errs.NewResponseError("post", 500, nil, nil)
	})
	require.Error(t, err)
	// two real attempts trip the breaker; the third is rejected without a call
	assert.Equal(t, int32(2), calls.Load())

	var rej *resilience.RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, resilience.StateOpen, rej.State)
	assert.ErrorIs(t, err, resilience.ErrOpen)
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	b := NewBreaker("test", 1, time.Hour, nil)
	for range 5 {
		_ = b.Execute(func() error { return errs.NewResponseError("post", 429, nil, nil) })
	}
	assert.Equal(t, "closed", b.State().String())
	assert.Equal(t, uint32(5), b.Counts().Successes)
}

func TestDo(t *testing.T) {
	c := newCaller(t, fastOptions())
	var calls atomic.Int32
	v, err := Do(context.Background(), c, func(ctx context.Context) (string, error) {
		if calls.Add(1) == 1 {
			return "", errs.NewResponseError("get", 502, nil, nil)
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestRateLimit(t *testing.T) {
	opts := fastOptions()
	opts.RequestsPerSecond = 20
	c := newCaller(t, opts)

	start := time.Now()
	for range 22 {
		require.NoError(t, c.Call(context.Background(), func(context.Context) error { return nil }))
	}
	// burst of 20, then two more at 50ms spacing
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestMetricsRecorded(t *testing.T) {
	opts := fastOptions()
	opts.Metrics = monitoring.NewMetrics(prometheus.NewRegistry())
	c := newCaller(t, opts)

	var calls atomic.Int32
	_ = c.Call(context.Background(), func(context.Context) error {
		if calls.Add(1) < 3 {
			return errs.NewResponseError("post", 503, nil, nil)
		}
		return nil
	})
	assert.Equal(t, int64(2), opts.Metrics.Snapshot().Retries)
}

func TestNewValidates(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
		field  string
	}{
		{"negative concurrency", func(o *Options) { o.MaxConcurrency = -1 }, "max_concurrency"},
		{"negative retries", func(o *Options) { o.MaxRetries = -1 }, "max_retries"},
		{"inverted backoff", func(o *Options) { o.MinBackoff = time.Minute; o.MaxBackoff = time.Second }, "backoff"},
		{"negative rate", func(o *Options) { o.RequestsPerSecond = -1 }, "requests_per_second"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := New(opts)
			var ve *errs.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, []int{429, 500, 502, 503, 504}, p.Statuses())
	assert.Equal(t, []int{408, 425, 429, 500, 502, 503, 504}, p.With(408, 425).Statuses())
	assert.Equal(t, []int{500, 502, 503, 504}, p.Without(429).Statuses())
	// copies do not alias
	assert.Equal(t, []int{429, 500, 502, 503, 504}, p.Statuses())

	assert.True(t, p.Retryable(errors.New("unknown")))
	assert.False(t, p.Retryable(nil))
}
