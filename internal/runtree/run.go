package runtree

import (
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/GriffinCanCode/runtrace/internal/shared/id"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

// Run types accepted by the backend.
const (
	RunTypeChain     = "chain"
	RunTypeLLM       = "llm"
	RunTypeTool      = "tool"
	RunTypeRetriever = "retriever"
	RunTypeEmbedding = "embedding"
	RunTypePrompt    = "prompt"
	RunTypeParser    = "parser"
)

var runTypes = map[string]bool{
	RunTypeChain: true, RunTypeLLM: true, RunTypeTool: true, RunTypeRetriever: true,
	RunTypeEmbedding: true, RunTypePrompt: true, RunTypeParser: true,
}

// Config describes a run to begin.
type Config struct {
	// ID is allocated (UUIDv7) when zero.
	ID        uuid.UUID
	Name      string
	RunType   string // defaults to chain
	StartTime time.Time
	Inputs    map[string]any
	Tags      []string
	Metadata  map[string]any
	// Project is the backend project (session) name; children inherit it.
	Project            string
	ReferenceExampleID uuid.UUID
	// Parent makes the run a child. Begin with a parent is CreateChild.
	Parent *Run
	// Sink receives the run's operations; children inherit it.
	Sink Sink
	// DeferCreate sends a single create when the run ends instead of a
	// create at begin plus an update at end.
	DeferCreate bool
}

// Attachment is binary data uploaded beside a run.
type Attachment struct {
	MimeType string
	Data     []byte
}

// Partial holds the fields Patch merges into a run. Nil fields are left alone.
type Partial struct {
	Name     *string
	Inputs   map[string]any
	Outputs  map[string]any
	Error    *string
	Tags     []string
	Metadata map[string]any
}

// PatchOptions tunes the update Patch submits.
type PatchOptions struct {
	// ExcludeInputs leaves inputs out of the update even if they changed.
	ExcludeInputs bool
}

// traceState is shared by every run of one locally built trace.
type traceState struct {
	mu  sync.Mutex
	ids map[uuid.UUID]struct{}
}

func newTraceState() *traceState {
	return &traceState{ids: make(map[uuid.UUID]struct{})}
}

func (t *traceState) register(runID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.ids[runID]; ok {
		return false
	}
	t.ids[runID] = struct{}{}
	return true
}

func (t *traceState) release(runID uuid.UUID) {
	t.mu.Lock()
	delete(t.ids, runID)
	t.mu.Unlock()
}

// Run is one traced unit of work. Identity fields are fixed at Begin; the
// rest is guarded by the run's mutex, so a Run may be patched and ended from
// any goroutine.
type Run struct {
	id          uuid.UUID
	traceID     uuid.UUID
	parentID    *uuid.UUID
	dottedOrder string
	runType     string
	startTime   time.Time
	project     string
	refExample  *uuid.UUID
	order       int
	sink        Sink
	deferCreate bool
	// remote marks a placeholder for a parent living in another process
	remote bool

	trace    *traceState
	children sequencer

	mu          sync.Mutex
	name        string
	endTime     *time.Time
	inputs      map[string]any
	outputs     map[string]any
	errMsg      *string
	tags        []string
	metadata    map[string]any
	events      []Event
	attachments map[string]Attachment
	pending     map[string]Attachment
	inputsDirty bool
	posted      bool
}

// Begin starts a run. Without a parent it is the root of a new trace whose
// trace id equals the run id.
func Begin(cfg Config) (*Run, error) {
	if cfg.Parent != nil {
		return cfg.Parent.CreateChild(cfg)
	}
	return begin(cfg, nil)
}

// CreateChild starts a child run that inherits trace id, sink and project.
func (r *Run) CreateChild(cfg Config) (*Run, error) {
	cfg.Parent = nil
	if cfg.Sink == nil {
		cfg.Sink = r.sink
	}
	if cfg.Project == "" {
		cfg.Project = r.project
	}
	if r.remote {
		// baggage received from the remote parent flows to its local children
		r.mu.Lock()
		cfg.Tags = mergeTags(r.tags, cfg.Tags)
		cfg.Metadata = mergeMetadata(r.metadata, cfg.Metadata)
		r.mu.Unlock()
	}
	return begin(cfg, r)
}

func begin(cfg Config, parent *Run) (*Run, error) {
	if strings.TrimSpace(cfg.Name) == "" {
		return nil, errs.Validationf("name", "run name is required")
	}
	if cfg.RunType == "" {
		cfg.RunType = RunTypeChain
	}
	if !runTypes[cfg.RunType] {
		return nil, errs.Validationf("run_type", "unknown run type %q", cfg.RunType)
	}

	runID := cfg.ID
	if runID == uuid.Nil {
		runID = id.NewRunID()
	}
	start := cfg.StartTime
	if start.IsZero() {
		start = time.Now()
	}
	start = start.UTC()

	r := &Run{
		id:          runID,
		runType:     cfg.RunType,
		startTime:   start,
		project:     cfg.Project,
		sink:        cfg.Sink,
		deferCreate: cfg.DeferCreate,
		name:        cfg.Name,
		inputs:      maps.Clone(cfg.Inputs),
		tags:        slices.Clone(cfg.Tags),
		metadata:    maps.Clone(cfg.Metadata),
	}
	if cfg.ReferenceExampleID != uuid.Nil {
		ref := cfg.ReferenceExampleID
		r.refExample = &ref
	}

	if parent == nil {
		r.traceID = runID
		r.trace = newTraceState()
		r.dottedOrder = EncodeSegment(start, rootBlock(start), runID)
	} else {
		pid := parent.id
		r.parentID = &pid
		r.traceID = parent.traceID
		r.trace = parent.trace
		block, order := parent.children.assign(start)
		r.order = order
		r.dottedOrder = parent.dottedOrder + "." + EncodeSegment(start, block, runID)
	}

	if !r.trace.register(runID) {
		return nil, errs.Validationf("id", "run id %s already used in trace %s", runID, r.traceID)
	}
	if r.sink != nil {
		if err := r.sink.Track(r); err != nil {
			r.trace.release(runID)
			return nil, err
		}
		if !r.deferCreate {
			if err := r.Post(); err != nil {
				r.sink.Untrack(r)
				r.trace.release(runID)
				return nil, err
			}
		}
	}
	return r, nil
}

// ============================================================================
// Accessors
// ============================================================================

// ID returns the run id.
func (r *Run) ID() uuid.UUID { return r.id }

// TraceID returns the id of the trace's root run.
func (r *Run) TraceID() uuid.UUID { return r.traceID }

// ParentID returns the parent run id, or uuid.Nil for a root.
func (r *Run) ParentID() uuid.UUID {
	if r.parentID == nil {
		return uuid.Nil
	}
	return *r.parentID
}

// DottedOrder returns the run's causal position string.
func (r *Run) DottedOrder() string { return r.dottedOrder }

// StartTime returns the run's start time.
func (r *Run) StartTime() time.Time { return r.startTime }

// ExecutionOrder is the 1-based creation position among the parent's children.
func (r *Run) ExecutionOrder() int { return r.order }

// Project returns the backend project the run is recorded in.
func (r *Run) Project() string { return r.project }

// IsRemote reports whether r is a placeholder for a parent in another process.
func (r *Run) IsRemote() bool { return r.remote }

// Name returns the current run name.
func (r *Run) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Ended reports whether End has been called.
func (r *Run) Ended() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.endTime != nil
}

// Outputs returns a copy of the current outputs.
func (r *Run) Outputs() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.outputs)
}

// Events returns a copy of the event log.
func (r *Run) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// ============================================================================
// Mutations
// ============================================================================

// End stamps the end time, merges outputs into any patched outputs and
// records the run error. A second call returns a ProtocolError and changes
// nothing.
func (r *Run) End(outputs map[string]any, runErr error) error {
	return r.EndAt(time.Now(), outputs, runErr)
}

// EndAt is End with an explicit end time. Times before the start are
// clamped to the start.
func (r *Run) EndAt(t time.Time, outputs map[string]any, runErr error) error {
	if r.remote {
		return errs.Protocolf("end", r.id.String(), "remote parent cannot be ended locally")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.endTime != nil {
		return errs.Protocolf("end", r.id.String(), "run already ended at %s", r.endTime.Format(time.RFC3339Nano))
	}
	t = t.UTC()
	if t.Before(r.startTime) {
		t = r.startTime
	}
	r.endTime = &t
	if outputs != nil {
		if r.outputs == nil {
			r.outputs = make(map[string]any, len(outputs))
		}
		maps.Copy(r.outputs, outputs)
	}
	if runErr != nil {
		msg := runErr.Error()
		r.errMsg = &msg
	}

	if r.sink == nil {
		return nil
	}
	if !r.posted {
		return r.postLocked(true)
	}
	return r.submitUpdateLocked(false, true)
}

// Patch merges p into the run and submits an update. Tags are appended
// without duplicates and metadata keys are merged.
func (r *Run) Patch(p Partial, opts PatchOptions) error {
	if r.remote {
		return errs.Protocolf("patch", r.id.String(), "remote parent cannot be patched locally")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return errs.Validationf("name", "run name is required")
		}
		r.name = *p.Name
	}
	if p.Inputs != nil {
		if r.inputs == nil {
			r.inputs = make(map[string]any, len(p.Inputs))
		}
		maps.Copy(r.inputs, p.Inputs)
		r.inputsDirty = true
	}
	if p.Outputs != nil {
		if r.outputs == nil {
			r.outputs = make(map[string]any, len(p.Outputs))
		}
		maps.Copy(r.outputs, p.Outputs)
	}
	if p.Error != nil {
		msg := *p.Error
		r.errMsg = &msg
	}
	if p.Tags != nil {
		r.tags = mergeTags(r.tags, p.Tags)
	}
	if p.Metadata != nil {
		r.metadata = mergeMetadata(r.metadata, p.Metadata)
	}

	if r.sink == nil || !r.posted {
		return nil
	}
	return r.submitUpdateLocked(opts.ExcludeInputs, false)
}

// AddEvent appends e to the event log. Events travel with the next update.
func (r *Run) AddEvent(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	e.Time = e.Time.UTC()
	e.Kwargs = maps.Clone(e.Kwargs)

	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Attach stores binary data to upload with the run's next operation. The
// mime type is sniffed when empty. Names may not contain '.'.
func (r *Run) Attach(name string, a Attachment) error {
	if name == "" || strings.Contains(name, ".") {
		return errs.Validationf("attachment", "invalid attachment name %q", name)
	}
	if a.MimeType == "" {
		a.MimeType = mimetype.Detect(a.Data).String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachments == nil {
		r.attachments = make(map[string]Attachment)
		r.pending = make(map[string]Attachment)
	}
	r.attachments[name] = a
	r.pending[name] = a
	return nil
}

// Post submits the full create record. Begin calls it unless DeferCreate is
// set. Calling it again re-submits the current state, which is how a run is
// re-flushed after a failed delivery.
func (r *Run) Post() error {
	if r.remote {
		return errs.Protocolf("post", r.id.String(), "remote parent is owned by another process")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sink == nil {
		return nil
	}
	return r.postLocked(r.endTime != nil)
}

// Snapshot returns the run's current state as a full create record.
func (r *Run) Snapshot() *Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(true)
}

func (r *Run) postLocked(final bool) error {
	// re-posts carry every attachment, not only those not yet sent
	atts := maps.Clone(r.attachments)
	op := Operation{
		Kind:        OpCreate,
		Payload:     r.snapshotLocked(true),
		Attachments: atts,
		Final:       final,
	}
	if err := r.sink.Submit(op); err != nil {
		return err
	}
	r.posted = true
	r.inputsDirty = false
	clear(r.pending)
	return nil
}

func (r *Run) submitUpdateLocked(excludeInputs, final bool) error {
	p := r.snapshotLocked(r.inputsDirty && !excludeInputs)
	// identity-only fields are already known to the backend from the create
	p.StartTime = nil
	p.RunType = ""
	p.SessionName = ""
	p.ReferenceExampleID = nil

	op := Operation{
		Kind:        OpUpdate,
		Payload:     p,
		Attachments: maps.Clone(r.pending),
		Final:       final,
	}
	if err := r.sink.Submit(op); err != nil {
		return err
	}
	if p.Inputs != nil {
		r.inputsDirty = false
	}
	clear(r.pending)
	return nil
}

func (r *Run) snapshotLocked(withInputs bool) *Payload {
	start := r.startTime
	p := &Payload{
		ID:                 r.id,
		TraceID:            r.traceID,
		ParentRunID:        r.parentID,
		DottedOrder:        r.dottedOrder,
		Name:               r.name,
		RunType:            r.runType,
		StartTime:          &start,
		Outputs:            maps.Clone(r.outputs),
		Tags:               slices.Clone(r.tags),
		Events:             slices.Clone(r.events),
		SessionName:        r.project,
		ReferenceExampleID: r.refExample,
	}
	if withInputs {
		p.Inputs = maps.Clone(r.inputs)
		if p.Inputs == nil {
			p.Inputs = map[string]any{}
		}
	}
	if r.endTime != nil {
		end := *r.endTime
		p.EndTime = &end
	}
	if r.errMsg != nil {
		msg := *r.errMsg
		p.Error = &msg
	}
	if len(r.metadata) > 0 {
		p.Extra = map[string]any{"metadata": maps.Clone(r.metadata)}
	}
	if len(r.attachments) > 0 {
		p.Attachments = make(map[string]AttachmentRef, len(r.attachments))
		for name, a := range r.attachments {
			p.Attachments[name] = AttachmentRef{MimeType: a.MimeType, Size: len(a.Data)}
		}
	}
	return p
}

func mergeTags(base, extra []string) []string {
	if len(extra) == 0 {
		return slices.Clone(base)
	}
	out := slices.Clone(base)
	for _, t := range extra {
		if !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]any, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
