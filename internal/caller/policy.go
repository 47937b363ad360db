package caller

import (
	"context"
	"errors"
	"maps"
	"slices"

	"github.com/GriffinCanCode/runtrace/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
)

// DefaultRetryableStatuses are retried unless a policy says otherwise. 408 and
// 425 are left out; add them with Policy.With.
var DefaultRetryableStatuses = []int{429, 500, 502, 503, 504}

// Policy decides whether a failed attempt may be retried.
type Policy struct {
	statuses map[int]struct{}
}

// NewPolicy returns a policy retrying exactly the given statuses.
func NewPolicy(statuses ...int) Policy {
	p := Policy{statuses: make(map[int]struct{}, len(statuses))}
	for _, s := range statuses {
		p.statuses[s] = struct{}{}
	}
	return p
}

// DefaultPolicy retries DefaultRetryableStatuses.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultRetryableStatuses...)
}

// With returns a copy of p that also retries statuses.
func (p Policy) With(statuses ...int) Policy {
	out := Policy{statuses: maps.Clone(p.statuses)}
	if out.statuses == nil {
		out.statuses = make(map[int]struct{}, len(statuses))
	}
	for _, s := range statuses {
		out.statuses[s] = struct{}{}
	}
	return out
}

// Without returns a copy of p that no longer retries statuses.
func (p Policy) Without(statuses ...int) Policy {
	out := Policy{statuses: maps.Clone(p.statuses)}
	for _, s := range statuses {
		delete(out.statuses, s)
	}
	return out
}

// Statuses returns the retryable statuses in ascending order.
func (p Policy) Statuses() []int {
	return slices.Sorted(maps.Keys(p.statuses))
}

// Retryable reports whether err may be retried. Cancellation, timeouts,
// breaker rejections and validation or protocol errors never are. A failure
// without an HTTP status is retried; one with a status only when the status
// is in the set.
func (p Policy) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if resilience.IsRejection(err) {
		return false
	}
	switch errs.KindOf(err) {
	case errs.KindAbort, errs.KindValidation, errs.KindProtocol:
		return false
	}
	status, ok := errs.StatusCode(err)
	if !ok {
		return true
	}
	_, retry := p.statuses[status]
	return retry
}
