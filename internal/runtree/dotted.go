package runtree

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/google/uuid"
)

const (
	segmentTimeLayout = "20060102T150405"
	runIDLen          = 36
	maxTieBreak       = 999
	// segment = time (15) + millis (3) + tie-break (3) + "Z" + id (36)
	segmentLen = len(segmentTimeLayout) + 3 + 3 + 1 + runIDLen
	// sequencers forget milliseconds older than this once they grow large
	sequencerHorizon = time.Second
	sequencerMaxKeys = 256
)

// Segment is one decoded component of a dotted order.
type Segment struct {
	Time time.Time
	ID   uuid.UUID
}

// EncodeSegment renders one dotted-order segment. block is the tie-break
// digit block and must be in [0, 999].
func EncodeSegment(t time.Time, block int, runID uuid.UUID) string {
	t = t.UTC()
	millis := t.Nanosecond() / int(time.Millisecond)
	return fmt.Sprintf("%s%03d%03dZ%s", t.Format(segmentTimeLayout), millis, block, runID)
}

// rootBlock derives the tie-break block of a root run from the
// sub-millisecond part of its start time.
func rootBlock(t time.Time) int {
	return (t.Nanosecond() / int(time.Microsecond)) % 1000
}

// ParseDottedOrder splits a dotted order into its segments, root first.
// The six fractional digits are read as microseconds, which also accepts
// orders produced by SDKs that encode a plain microsecond timestamp.
func ParseDottedOrder(s string) ([]Segment, error) {
	if s == "" {
		return nil, errs.Validationf("dotted_order", "empty")
	}
	parts := strings.Split(s, ".")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		seg, err := parseSegment(part)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

func parseSegment(part string) (Segment, error) {
	if len(part) <= runIDLen+len(segmentTimeLayout)+1 {
		return Segment{}, errs.Validationf("dotted_order", "segment %q too short", part)
	}
	stamp, rawID := part[:len(part)-runIDLen], part[len(part)-runIDLen:]

	runID, err := uuid.Parse(rawID)
	if err != nil {
		return Segment{}, errs.Validationf("dotted_order", "segment %q: bad run id: %v", part, err)
	}
	if !strings.HasSuffix(stamp, "Z") {
		return Segment{}, errs.Validationf("dotted_order", "segment %q: timestamp must end in Z", part)
	}
	stamp = strings.TrimSuffix(stamp, "Z")

	base, err := time.ParseInLocation(segmentTimeLayout, stamp[:len(segmentTimeLayout)], time.UTC)
	if err != nil {
		return Segment{}, errs.Validationf("dotted_order", "segment %q: %v", part, err)
	}
	frac := stamp[len(segmentTimeLayout):]
	if frac != "" {
		n, err := strconv.Atoi(frac)
		if err != nil || n < 0 {
			return Segment{}, errs.Validationf("dotted_order", "segment %q: bad fraction %q", part, frac)
		}
		// scale to nanoseconds whatever the digit count
		for i := len(frac); i < 9; i++ {
			n *= 10
		}
		base = base.Add(time.Duration(n))
	}
	return Segment{Time: base, ID: runID}, nil
}

// sequencer assigns tie-break blocks to the children of one parent. Children
// starting in the same millisecond get 0, 1, 2, ... in creation order.
type sequencer struct {
	mu      sync.Mutex
	next    map[int64]int
	newest  int64
	counter int
}

// assign returns the tie-break block for a child starting at t and the
// child's execution order (1-based) under this parent.
func (s *sequencer) assign(t time.Time) (block, order int) {
	ms := t.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.next == nil {
		s.next = make(map[int64]int)
	}
	block = s.next[ms]
	// saturates: past 1000 siblings in one millisecond the run id breaks ties
	if block < maxTieBreak {
		s.next[ms] = block + 1
	}
	if ms > s.newest {
		s.newest = ms
	}
	if len(s.next) > sequencerMaxKeys {
		cutoff := s.newest - sequencerHorizon.Milliseconds()
		for k := range s.next {
			if k < cutoff {
				delete(s.next, k)
			}
		}
	}

	s.counter++
	return block, s.counter
}
