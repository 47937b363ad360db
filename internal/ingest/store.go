package ingest

import (
	"sync"

	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/google/uuid"
)

type runState struct {
	parentID uuid.UUID
	// createEmitted is set once a create for the run has been handed to
	// delivery. Children's creates are held back until then.
	createEmitted bool
	ended         bool
}

// traceStore maps trace id to the runs this client tracks. It lives and dies
// with the Client, so independent clients never share state.
type traceStore struct {
	mu     sync.Mutex
	traces map[uuid.UUID]map[uuid.UUID]*runState
}

func newTraceStore() *traceStore {
	return &traceStore{traces: make(map[uuid.UUID]map[uuid.UUID]*runState)}
}

func (s *traceStore) track(traceID, runID, parentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.traces[traceID]
	if runs == nil {
		runs = make(map[uuid.UUID]*runState)
		s.traces[traceID] = runs
	}
	if _, dup := runs[runID]; dup {
		return errs.Validationf("id", "run %s already tracked in trace %s", runID, traceID)
	}
	runs[runID] = &runState{parentID: parentID}
	return nil
}

// holdBack reports whether a create for runID must wait for its parent's
// create. Untracked parents, such as remote ones, never hold a child back.
func (s *traceStore) holdBack(traceID, runID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.traces[traceID]
	st := runs[runID]
	if st == nil || st.parentID == uuid.Nil {
		return false
	}
	parent := runs[st.parentID]
	return parent != nil && !parent.createEmitted
}

// emitted records that ops for runID were handed to delivery. Runs whose
// final state has gone out are forgotten.
func (s *traceStore) emitted(traceID, runID uuid.UUID, create, final bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.traces[traceID]
	st := runs[runID]
	if st == nil {
		return
	}
	if create {
		st.createEmitted = true
	}
	if final {
		st.ended = true
	}
	if st.ended && st.createEmitted && !s.hasChildLocked(runs, runID) {
		s.forgetLocked(traceID, runID)
	}
}

// untrack drops a run that never had a create emitted.
func (s *traceStore) untrack(traceID, runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	runs := s.traces[traceID]
	if st := runs[runID]; st == nil || st.createEmitted {
		return
	}
	s.forgetLocked(traceID, runID)
}

func (s *traceStore) hasChildLocked(runs map[uuid.UUID]*runState, runID uuid.UUID) bool {
	for _, st := range runs {
		if st.parentID == runID && !st.createEmitted {
			return true
		}
	}
	return false
}

func (s *traceStore) forgetLocked(traceID, runID uuid.UUID) {
	runs := s.traces[traceID]
	delete(runs, runID)
	// parents kept only for pending children may now go too
	for id, st := range runs {
		if st.ended && st.createEmitted && !s.hasChildLocked(runs, id) {
			delete(runs, id)
		}
	}
	if len(runs) == 0 {
		delete(s.traces, traceID)
	}
}

// counts returns the number of traces and runs tracked.
func (s *traceStore) counts() (traces, runs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.traces {
		runs += len(r)
	}
	return len(s.traces), runs
}

func (s *traceStore) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.traces)
}
