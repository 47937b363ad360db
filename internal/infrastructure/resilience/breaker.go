package resilience

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrOpen matches rejections by an open breaker.
	ErrOpen = errors.New("circuit open")
	// ErrProbeLimit matches rejections by a half-open breaker whose probes
	// are all in flight.
	ErrProbeLimit = errors.New("half-open probe limit reached")
)

// State represents the circuit breaker state
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Settings configures a Breaker. Zero values select the defaults noted.
type Settings struct {
	// Probes is how many calls a half-open breaker admits; that many
	// consecutive successes close it again. Default 1.
	Probes uint32
	// Window clears the closed-state counts periodically. Zero keeps them
	// until the next state change.
	Window time.Duration
	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration
	// Trip is consulted after each failure while closed. Default: five
	// consecutive failures.
	Trip func(Counts) bool
	// IsFailure decides whether a call's error counts against the breaker.
	// Default: any non-nil error.
	IsFailure func(err error) bool
	// OnStateChange is called with the breaker's lock held; it must not
	// call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// Counts are the statistics of the current generation. A generation ends on
// every state change and every Window reset.
type Counts struct {
	Requests             uint32
	Successes            uint32
	Failures             uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
	Rejected             uint32
}

// RejectedError reports a call the breaker refused without running it.
type RejectedError struct {
	Name  string
	State State
	// RetryIn is the time left until an open breaker admits a probe. It is
	// zero for half-open rejections.
	RetryIn time.Duration
}

func (e *RejectedError) Error() string {
	if e.State == StateOpen {
		return fmt.Sprintf("breaker %s: %v, retry in %s", e.Name, ErrOpen, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("breaker %s: %v", e.Name, ErrProbeLimit)
}

func (e *RejectedError) Unwrap() error {
	if e.State == StateOpen {
		return ErrOpen
	}
	return ErrProbeLimit
}

// IsRejection reports whether err came from a breaker rather than from the
// protected call.
func IsRejection(err error) bool {
	var rej *RejectedError
	return errors.As(err, &rej)
}

// Breaker is a three-state circuit breaker. It is safe for concurrent use.
type Breaker struct {
	name     string
	settings Settings
	now      func() time.Time

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	// deadline ends the open state, or the closed-state window.
	deadline time.Time
}

// New creates a closed breaker.
func New(name string, settings Settings) *Breaker {
	if settings.Probes == 0 {
		settings.Probes = 1
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = 30 * time.Second
	}
	if settings.Trip == nil {
		settings.Trip = func(c Counts) bool { return c.ConsecutiveFailures >= 5 }
	}
	if settings.IsFailure == nil {
		settings.IsFailure = func(err error) bool { return err != nil }
	}
	b := &Breaker{name: name, settings: settings, now: time.Now}
	b.resetWindow(b.now())
	return b
}

func (b *Breaker) Name() string { return b.name }

// State returns the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.counts
}

// Allow admits one call or returns a *RejectedError. An admitted caller must
// report the call's outcome through done exactly once; later calls to done
// are ignored. Outcomes reported after a state change do not count.
func (b *Breaker) Allow() (done func(err error), err error) {
	generation, err := b.admit()
	if err != nil {
		return nil, err
	}
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(generation, b.settings.IsFailure(err)) })
	}, nil
}

// Execute runs fn if the breaker admits it and returns fn's error unchanged.
// A panic in fn counts as a failure and is re-raised.
func (b *Breaker) Execute(fn func() error) error {
	generation, err := b.admit()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			b.record(generation, true)
			panic(p)
		}
	}()
	err = fn()
	b.record(generation, b.settings.IsFailure(err))
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	switch {
	case b.state == StateOpen:
		b.counts.Rejected++
		return 0, &RejectedError{Name: b.name, State: StateOpen, RetryIn: b.deadline.Sub(now)}
	case b.state == StateHalfOpen && b.counts.Requests >= b.settings.Probes:
		b.counts.Rejected++
		return 0, &RejectedError{Name: b.name, State: StateHalfOpen}
	}
	b.counts.Requests++
	return b.generation, nil
}

func (b *Breaker) record(generation uint64, failed bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.advance(now)
	if generation != b.generation {
		return
	}

	if !failed {
		b.counts.Successes++
		b.counts.ConsecutiveSuccesses++
		b.counts.ConsecutiveFailures = 0
		if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.Probes {
			b.transition(StateClosed, now)
		}
		return
	}

	b.counts.Failures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case StateClosed:
		if b.settings.Trip(b.counts) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.transition(StateOpen, now)
	}
}

// advance applies time-based transitions: an expired cooldown half-opens
// the breaker and an expired window starts a new closed generation.
func (b *Breaker) advance(now time.Time) {
	if b.deadline.IsZero() || now.Before(b.deadline) {
		return
	}
	switch b.state {
	case StateOpen:
		b.transition(StateHalfOpen, now)
	case StateClosed:
		b.generation++
		b.counts = Counts{}
		b.resetWindow(now)
	}
}

func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.counts = Counts{}

	switch to {
	case StateOpen:
		b.deadline = now.Add(b.settings.Cooldown)
	case StateHalfOpen:
		b.deadline = time.Time{}
	case StateClosed:
		b.resetWindow(now)
	}

	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, from, to)
	}
}

func (b *Breaker) resetWindow(now time.Time) {
	if b.settings.Window > 0 {
		b.deadline = now.Add(b.settings.Window)
	} else {
		b.deadline = time.Time{}
	}
}
