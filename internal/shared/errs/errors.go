// Package errs defines the error taxonomy shared by every runtrace component.
//
// Five kinds exist:
//   - TransportError: the request never produced a response (network, timeout)
//   - ResponseError: the backend answered with a 4xx/5xx status
//   - AbortError: the caller cancelled or its signal fired
//   - ValidationError: bad configuration or arguments, raised synchronously
//   - ProtocolError: data inconsistent with local invariants
//
// Transport and response failures are retried by the caller; the others never are.
package errs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an error for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransport
	KindResponse
	KindAbort
	KindValidation
	KindProtocol
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindResponse:
		return "response"
	case KindAbort:
		return "abort"
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// maxBodyExcerpt bounds how much of a response body is kept on a ResponseError.
const maxBodyExcerpt = 512

// ============================================================================
// Error Types
// ============================================================================

// TransportError reports a request that failed before a response arrived.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResponseError reports a non-success HTTP status.
type ResponseError struct {
	Op         string
	StatusCode int
	Header     http.Header
	Body       string
}

// NewResponseError builds a ResponseError keeping at most a short body excerpt.
func NewResponseError(op string, status int, header http.Header, body []byte) *ResponseError {
	excerpt := string(body)
	if len(excerpt) > maxBodyExcerpt {
		excerpt = excerpt[:maxBodyExcerpt] + "..."
	}
	return &ResponseError{Op: op, StatusCode: status, Header: header, Body: excerpt}
}

func (e *ResponseError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Op, e.StatusCode, strings.TrimSpace(e.Body))
}

// AbortError reports cancellation of the waiting caller.
type AbortError struct {
	Err error
}

func (e *AbortError) Error() string {
	if e.Err == nil {
		return "aborted"
	}
	return fmt.Sprintf("aborted: %v", e.Err)
}

func (e *AbortError) Unwrap() error { return e.Err }

// ValidationError reports malformed configuration or arguments.
type ValidationError struct {
	Field string
	Msg   string
}

// Validationf builds a ValidationError for field.
func Validationf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid: " + e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ProtocolError reports data that contradicts a local invariant, such as a
// second end on a run or feedback for an unknown run id.
type ProtocolError struct {
	Op    string
	RunID string
	Msg   string
}

// Protocolf builds a ProtocolError.
func Protocolf(op, runID, format string, args ...any) *ProtocolError {
	return &ProtocolError{Op: op, RunID: runID, Msg: fmt.Sprintf(format, args...)}
}

func (e *ProtocolError) Error() string {
	if e.RunID == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s: run %s: %s", e.Op, e.RunID, e.Msg)
}

// ============================================================================
// Classification
// ============================================================================

// KindOf returns the taxonomy kind of err, looking through wrapping.
func KindOf(err error) Kind {
	var (
		te *TransportError
		re *ResponseError
		ae *AbortError
		ve *ValidationError
		pe *ProtocolError
	)
	switch {
	case err == nil:
		return KindUnknown
	case errors.As(err, &ae), errors.Is(err, context.Canceled):
		return KindAbort
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &pe):
		return KindProtocol
	case errors.As(err, &re):
		return KindResponse
	case errors.As(err, &te):
		return KindTransport
	default:
		return KindUnknown
	}
}

// IsAbort reports whether err represents cancellation.
func IsAbort(err error) bool {
	return KindOf(err) == KindAbort
}

// StatusCode extracts the HTTP status from err, if any.
func StatusCode(err error) (int, bool) {
	var re *ResponseError
	if errors.As(err, &re) {
		return re.StatusCode, true
	}
	return 0, false
}

// RetryAfter parses the Retry-After header carried by err. Both delta-seconds
// and HTTP-date forms are accepted; now is used to resolve dates.
func RetryAfter(err error, now time.Time) (time.Duration, bool) {
	var re *ResponseError
	if !errors.As(err, &re) || re.Header == nil {
		return 0, false
	}
	return ParseRetryAfter(re.Header.Get("Retry-After"), now)
}

// maxRetryAfterSeconds is the longest delay a time.Duration can hold.
const maxRetryAfterSeconds = int64(math.MaxInt64 / time.Second)

// ParseRetryAfter parses a Retry-After header value: non-negative integer
// delta-seconds or an HTTP date. Delays too large for a time.Duration are
// clamped rather than rejected.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if strings.Trim(value, "0123456789") == "" {
		secs, err := strconv.ParseInt(value, 10, 64)
		// an all-digit value only fails by overflowing int64
		if err != nil || secs > maxRetryAfterSeconds {
			secs = maxRetryAfterSeconds
		}
		return time.Duration(secs) * time.Second, true
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	d := when.Sub(now)
	if d < 0 {
		d = 0
	}
	return d, true
}
