package caller

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrSignaled is wrapped by the AbortError returned when a call's signal fires.
var ErrSignaled = errors.New("call signal fired")

// Operation is one unit of retryable work. It should honor ctx.
type Operation func(ctx context.Context) error

// FailedResponseHook sees every failed attempt. Returning true marks the
// failure handled: the status check and backoff are skipped and the next
// attempt starts at once, still within MaxRetries.
type FailedResponseHook func(ctx context.Context, err error) bool

// Options configures a Caller.
type Options struct {
	// MaxConcurrency bounds attempts in flight; 0 means unbounded.
	MaxConcurrency int
	// MaxRetries bounds retries; total attempts are at most MaxRetries+1.
	MaxRetries int
	Policy     Policy
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// MaxRetryAfter caps server-requested delays.
	MaxRetryAfter time.Duration
	// AttemptTimeout bounds each attempt; 0 disables it.
	AttemptTimeout time.Duration
	// RequestsPerSecond throttles attempts; 0 disables throttling.
	RequestsPerSecond float64
	OnFailedResponse  FailedResponseHook
	Breaker           *resilience.Breaker
	Logger            *zap.Logger
	Metrics           *monitoring.Metrics
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxRetries:     6,
		Policy:         DefaultPolicy(),
		MinBackoff:     500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		MaxRetryAfter:  5 * time.Minute,
		AttemptTimeout: 30 * time.Second,
	}
}

// Caller runs operations behind a concurrency gate and retries failures with
// jittered exponential backoff.
type Caller struct {
	opts    Options
	gate    *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger
	now     func() time.Time
}

// New validates opts and builds a Caller.
func New(opts Options) (*Caller, error) {
	switch {
	case opts.MaxConcurrency < 0:
		return nil, errs.Validationf("max_concurrency", "must be >= 0, got %d", opts.MaxConcurrency)
	case opts.MaxRetries < 0:
		return nil, errs.Validationf("max_retries", "must be >= 0, got %d", opts.MaxRetries)
	case opts.MinBackoff < 0 || opts.MaxBackoff < 0:
		return nil, errs.Validationf("backoff", "must be >= 0")
	case opts.MaxBackoff > 0 && opts.MinBackoff > opts.MaxBackoff:
		return nil, errs.Validationf("backoff", "min %s exceeds max %s", opts.MinBackoff, opts.MaxBackoff)
	case opts.RequestsPerSecond < 0:
		return nil, errs.Validationf("requests_per_second", "must be >= 0")
	case opts.AttemptTimeout < 0:
		return nil, errs.Validationf("attempt_timeout", "must be >= 0")
	}
	if opts.Policy.statuses == nil {
		opts.Policy = DefaultPolicy()
	}
	if opts.MaxBackoff == 0 {
		opts.MaxBackoff = opts.MinBackoff
	}

	c := &Caller{
		opts:   opts,
		logger: logging.OrNop(opts.Logger).Named("caller"),
		now:    time.Now,
	}
	if opts.MaxConcurrency > 0 {
		c.gate = semaphore.NewWeighted(int64(opts.MaxConcurrency))
	}
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}
	return c, nil
}

// Options returns the effective options.
func (c *Caller) Options() Options { return c.opts }

// Call runs op, retrying per the policy. Exhausted retries return the last
// error; a non-retryable failure returns after one attempt; cancellation of
// ctx returns an AbortError without further attempts.
func (c *Caller) Call(ctx context.Context, op Operation) error {
	for attempt := 0; ; attempt++ {
		err := c.attempt(ctx, op)
		if err == nil {
			c.opts.Metrics.RecordAttempt("success")
			return nil
		}
		if ctx.Err() != nil || errs.IsAbort(err) {
			c.opts.Metrics.RecordAttempt("abort")
			return asAbort(ctx, err)
		}

		handled := c.opts.OnFailedResponse != nil && c.opts.OnFailedResponse(ctx, err)
		if attempt >= c.opts.MaxRetries || (!handled && !c.opts.Policy.Retryable(err)) {
			c.opts.Metrics.RecordAttempt("failure")
			return err
		}
		c.opts.Metrics.RecordAttempt("retry")

		var delay time.Duration
		if !handled {
			delay = c.delay(attempt, err)
		}
		c.logger.Debug("retrying after failed attempt",
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Bool("handled", handled),
			zap.Error(err))

		if err := sleep(ctx, delay); err != nil {
			return asAbort(ctx, err)
		}
	}
}

// CallOptions adds a cancellation signal to a call.
type CallOptions struct {
	// Signal aborts the wait for the call when closed.
	Signal <-chan struct{}
}

// CallWithOptions is Call plus a signal. When the signal fires the waiting
// caller gets an AbortError at once and no further attempts start. The
// attempt in flight is only cancelled through its context; an operation that
// ignores ctx keeps running in the background.
func (c *Caller) CallWithOptions(ctx context.Context, opts CallOptions, op Operation) error {
	if opts.Signal == nil {
		return c.Call(ctx, op)
	}
	select {
	case <-opts.Signal:
		return &errs.AbortError{Err: ErrSignaled}
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Call(ctx, op) }()

	select {
	case err := <-done:
		cancel()
		return err
	case <-opts.Signal:
		cancel()
		return &errs.AbortError{Err: ErrSignaled}
	}
}

// Do is Call for operations that produce a value.
func Do[T any](ctx context.Context, c *Caller, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Call(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Caller) attempt(ctx context.Context, op Operation) error {
	if c.gate != nil {
		if err := c.gate.Acquire(ctx, 1); err != nil {
			return &errs.AbortError{Err: err}
		}
		defer c.gate.Release(1)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &errs.AbortError{Err: err}
		}
	}

	actx := ctx
	if c.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, c.opts.AttemptTimeout)
		defer cancel()
	}

	if c.opts.Breaker == nil {
		return op(actx)
	}
	done, err := c.opts.Breaker.Allow()
	if err != nil {
		return err
	}
	err = op(actx)
	done(err)
	return err
}

// delay computes the wait before the next attempt: exponential backoff with
// jitter, raised to any Retry-After the server sent.
func (c *Caller) delay(attempt int, err error) time.Duration {
	d := retryablehttp.DefaultBackoff(c.opts.MinBackoff, c.opts.MaxBackoff, attempt, nil)
	if d > 0 {
		// equal jitter: half fixed, half random
		half := d / 2
		d = half + rand.N(half+1)
	}
	if ra, ok := errs.RetryAfter(err, c.now()); ok {
		if c.opts.MaxRetryAfter > 0 && ra > c.opts.MaxRetryAfter {
			ra = c.opts.MaxRetryAfter
		}
		if ra > d {
			d = ra
		}
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func asAbort(ctx context.Context, err error) error {
	var ae *errs.AbortError
	if errors.As(err, &ae) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &errs.AbortError{Err: ctxErr}
	}
	return &errs.AbortError{Err: err}
}
