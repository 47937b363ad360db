// Package id mints the identifiers runtrace puts on the wire.
//
// Runs, traces, feedback and projects are keyed by UUIDv7, whose high bits
// hold the creation time. Request and batch ids are ULIDs behind a short
// kind prefix (req_01J..., batch_01J...) so they read well in logs.
package id

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Kind is the prefix of a ULID-based id.
type Kind string

const (
	// Request ids travel as X-Request-ID.
	Request Kind = "req"
	// Batch ids correlate the log lines of one flush.
	Batch Kind = "batch"
)

// monotonic entropy keeps ids minted in the same millisecond ordered.
var source = struct {
	sync.Mutex
	entropy *ulid.MonotonicEntropy
}{entropy: ulid.Monotonic(rand.Reader, 0)}

// mint reads the clock under the lock so ids come out in mint order.
func mint() ulid.ULID {
	source.Lock()
	defer source.Unlock()
	u, err := ulid.New(ulid.Timestamp(time.Now()), source.entropy)
	if err != nil {
		// the monotonic counter overflowed within this millisecond
		return ulid.Make()
	}
	return u
}

// New returns a fresh id of kind k.
func (k Kind) New() string {
	return string(k) + "_" + mint().String()
}

// Parse returns the ULID inside s, or false when s is not an id of kind k.
func (k Kind) Parse(s string) (ulid.ULID, bool) {
	rest, ok := strings.CutPrefix(s, string(k)+"_")
	if !ok {
		return ulid.ULID{}, false
	}
	u, err := ulid.ParseStrict(rest)
	return u, err == nil
}

func NewRequestID() string { return Request.New() }

func NewBatchID() string { return Batch.New() }

// IsValidPrefixed reports whether s is an id of the given prefix.
func IsValidPrefixed(s, prefix string) bool {
	_, ok := Kind(prefix).Parse(s)
	return ok
}

// NewRunID returns a UUIDv7, or a random v4 when the v7 generator fails.
func NewRunID() uuid.UUID {
	if u, err := uuid.NewV7(); err == nil {
		return u
	}
	return uuid.New()
}

// RunIDTime returns the creation time held by a v7 id.
func RunIDTime(u uuid.UUID) (time.Time, bool) {
	if u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
