package fakeapi

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/backend"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/google/uuid"
)

type storedAttachment struct {
	mimeType string
	data     []byte
}

// store is the in-memory state behind the fake API.
type store struct {
	mu          sync.RWMutex
	runs        map[uuid.UUID]*runtree.Payload
	attachments map[uuid.UUID]map[string]storedAttachment
	orphans     []uuid.UUID
	datasets    map[uuid.UUID]*backend.Dataset
	examples    map[uuid.UUID][]backend.Example
	projects    map[uuid.UUID]*backend.Project
	feedback    []backend.Feedback
}

func newStore() *store {
	return &store{
		runs:        make(map[uuid.UUID]*runtree.Payload),
		attachments: make(map[uuid.UUID]map[string]storedAttachment),
		datasets:    make(map[uuid.UUID]*backend.Dataset),
		examples:    make(map[uuid.UUID][]backend.Example),
		projects:    make(map[uuid.UUID]*backend.Project),
	}
}

// unknownPatches returns the ids of patches that target neither a stored run
// nor a create in the same request.
func (s *store) unknownPatches(posts, patches []*runtree.Payload) []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	incoming := make(map[uuid.UUID]bool, len(posts))
	for _, p := range posts {
		incoming[p.ID] = true
	}
	var missing []uuid.UUID
	for _, p := range patches {
		if _, ok := s.runs[p.ID]; !ok && !incoming[p.ID] {
			missing = append(missing, p.ID)
		}
	}
	return missing
}

// apply stores creates in request order, then merges patches. A create whose
// parent has not arrived yet is recorded as an orphan.
func (s *store) apply(posts, patches []*runtree.Payload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range posts {
		if p.ParentRunID != nil {
			if _, ok := s.runs[*p.ParentRunID]; !ok {
				s.orphans = append(s.orphans, p.ID)
			}
		}
		if existing, ok := s.runs[p.ID]; ok {
			existing.Merge(p)
			continue
		}
		s.runs[p.ID] = p.Clone()
	}
	for _, p := range patches {
		if existing, ok := s.runs[p.ID]; ok {
			existing.Merge(p)
		}
	}
}

func (s *store) attach(runID uuid.UUID, name, mimeType string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attachments[runID] == nil {
		s.attachments[runID] = make(map[string]storedAttachment)
	}
	s.attachments[runID][name] = storedAttachment{mimeType: mimeType, data: slices.Clone(data)}
}

func (s *store) attachment(runID uuid.UUID, name string) (storedAttachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.attachments[runID][name]
	return a, ok
}

// run converts a stored payload to the read model. baseURL prefixes
// attachment download links.
func (s *store) run(id uuid.UUID, baseURL string) (backend.Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.runs[id]
	if !ok {
		return backend.Run{}, false
	}
	return s.toRunLocked(p, baseURL), true
}

func (s *store) allRuns() []backend.Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backend.Run, 0, len(s.runs))
	for _, p := range s.runs {
		out = append(out, s.toRunLocked(p, ""))
	}
	slices.SortFunc(out, func(a, b backend.Run) int {
		return strings.Compare(a.DottedOrder, b.DottedOrder)
	})
	return out
}

func (s *store) toRunLocked(p *runtree.Payload, baseURL string) backend.Run {
	r := backend.Run{
		ID:                 p.ID,
		TraceID:            p.TraceID,
		ParentRunID:        p.ParentRunID,
		DottedOrder:        p.DottedOrder,
		Name:               p.Name,
		RunType:            p.RunType,
		EndTime:            p.EndTime,
		Inputs:             maps.Clone(p.Inputs),
		Outputs:            maps.Clone(p.Outputs),
		Error:              p.Error,
		Tags:               slices.Clone(p.Tags),
		Extra:              maps.Clone(p.Extra),
		SessionName:        p.SessionName,
		ReferenceExampleID: p.ReferenceExampleID,
	}
	if p.StartTime != nil {
		r.StartTime = *p.StartTime
	}
	if atts := s.attachments[p.ID]; len(atts) > 0 {
		r.Attachments = make(map[string]backend.AttachmentInfo, len(atts))
		for name, a := range atts {
			r.Attachments[name] = backend.AttachmentInfo{
				PresignedURL: baseURL + "/attachments/" + p.ID.String() + "/" + name,
				MimeType:     a.mimeType,
				Size:         len(a.data),
			}
		}
	}
	return r
}

func (s *store) orphanIDs() []uuid.UUID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.orphans)
}

func (s *store) hasRun(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.runs[id]
	return ok
}

func (s *store) seedDataset(name string, inputs []map[string]any, outputs []map[string]any) *backend.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	ds := &backend.Dataset{ID: uuid.New(), Name: name, ExampleCount: len(inputs), CreatedAt: now}
	s.datasets[ds.ID] = ds

	examples := make([]backend.Example, len(inputs))
	for i, in := range inputs {
		examples[i] = backend.Example{
			ID:        uuid.New(),
			DatasetID: ds.ID,
			Inputs:    maps.Clone(in),
			CreatedAt: now,
		}
		if i < len(outputs) {
			examples[i].Outputs = maps.Clone(outputs[i])
		}
	}
	s.examples[ds.ID] = examples
	out := *ds
	return &out
}

func (s *store) datasetsNamed(name string) []backend.Dataset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []backend.Dataset{}
	for _, ds := range s.datasets {
		if name == "" || ds.Name == name {
			out = append(out, *ds)
		}
	}
	return out
}

func (s *store) examplePage(datasetID uuid.UUID, offset, limit int) []backend.Example {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.examples[datasetID]
	if offset >= len(all) {
		return []backend.Example{}
	}
	end := min(offset+limit, len(all))
	return slices.Clone(all[offset:end])
}

func (s *store) createProject(p backend.Project) backend.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Now().UTC()
	}
	s.projects[p.ID] = &p
	return p
}

func (s *store) updateProject(id uuid.UUID, u backend.ProjectUpdate) (backend.Project, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return backend.Project{}, false
	}
	if u.Description != nil {
		p.Description = *u.Description
	}
	if u.Metadata != nil {
		if p.Metadata == nil {
			p.Metadata = make(map[string]any, len(u.Metadata))
		}
		maps.Copy(p.Metadata, u.Metadata)
	}
	if u.EndTime != nil {
		end := *u.EndTime
		p.EndTime = &end
	}
	return *p, true
}

func (s *store) allProjects() []backend.Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]backend.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b backend.Project) int { return a.StartTime.Compare(b.StartTime) })
	return out
}

func (s *store) addFeedback(fb backend.Feedback) backend.Feedback {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	fb.CreatedAt = time.Now().UTC()
	s.feedback = append(s.feedback, fb)
	return fb
}

func (s *store) allFeedback() []backend.Feedback {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.feedback)
}
