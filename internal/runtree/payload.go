package runtree

import (
	"maps"
	"slices"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// json matches encoding/json output (sorted keys, HTML escaping) so payload
// bytes are stable across runs.
var json = sonic.ConfigStd

// OpKind distinguishes the two verbs against the runs resource.
type OpKind int

const (
	// OpCreate carries a full run record.
	OpCreate OpKind = iota
	// OpUpdate carries a partial record keyed by run id.
	OpUpdate
)

// String returns the wire name of the kind
func (k OpKind) String() string {
	if k == OpCreate {
		return "post"
	}
	return "patch"
}

// Event is one entry of a run's append-only event log.
type Event struct {
	Name   string         `json:"name"`
	Time   time.Time      `json:"time"`
	Kwargs map[string]any `json:"kwargs,omitempty"`
}

// AttachmentRef describes attachment bytes carried outside the run record.
type AttachmentRef struct {
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
}

// Payload is the wire record for a run. Creates fill every known field;
// updates leave untouched fields zero so they are omitted.
type Payload struct {
	ID                 uuid.UUID                `json:"id"`
	TraceID            uuid.UUID                `json:"trace_id"`
	ParentRunID        *uuid.UUID               `json:"parent_run_id,omitempty"`
	DottedOrder        string                   `json:"dotted_order"`
	Name               string                   `json:"name,omitempty"`
	RunType            string                   `json:"run_type,omitempty"`
	StartTime          *time.Time               `json:"start_time,omitempty"`
	EndTime            *time.Time               `json:"end_time,omitempty"`
	Inputs             map[string]any           `json:"inputs,omitempty"`
	Outputs            map[string]any           `json:"outputs,omitempty"`
	Error              *string                  `json:"error,omitempty"`
	Tags               []string                 `json:"tags,omitempty"`
	Extra              map[string]any           `json:"extra,omitempty"`
	Events             []Event                  `json:"events,omitempty"`
	SessionName        string                   `json:"session_name,omitempty"`
	ReferenceExampleID *uuid.UUID               `json:"reference_example_id,omitempty"`
	Attachments        map[string]AttachmentRef `json:"attachments,omitempty"`
}

// Metadata returns extra.metadata, or nil.
func (p *Payload) Metadata() map[string]any {
	md, _ := p.Extra["metadata"].(map[string]any)
	return md
}

// Merge overlays the fields set in u onto p. It is how a pending create and
// later updates for the same run collapse into one record.
func (p *Payload) Merge(u *Payload) {
	if u.ParentRunID != nil {
		p.ParentRunID = u.ParentRunID
	}
	if u.DottedOrder != "" {
		p.DottedOrder = u.DottedOrder
	}
	if u.Name != "" {
		p.Name = u.Name
	}
	if u.RunType != "" {
		p.RunType = u.RunType
	}
	if u.StartTime != nil {
		p.StartTime = u.StartTime
	}
	if u.EndTime != nil {
		p.EndTime = u.EndTime
	}
	if u.Inputs != nil {
		p.Inputs = u.Inputs
	}
	if u.Outputs != nil {
		p.Outputs = u.Outputs
	}
	if u.Error != nil {
		p.Error = u.Error
	}
	if u.Tags != nil {
		p.Tags = u.Tags
	}
	if u.Extra != nil {
		p.Extra = u.Extra
	}
	if u.Events != nil {
		p.Events = u.Events
	}
	if u.SessionName != "" {
		p.SessionName = u.SessionName
	}
	if u.ReferenceExampleID != nil {
		p.ReferenceExampleID = u.ReferenceExampleID
	}
	if len(u.Attachments) > 0 {
		if p.Attachments == nil {
			p.Attachments = make(map[string]AttachmentRef, len(u.Attachments))
		}
		maps.Copy(p.Attachments, u.Attachments)
	}
}

// Clone returns a copy that shares no maps or slices with p at the top level.
func (p *Payload) Clone() *Payload {
	c := *p
	c.Inputs = maps.Clone(p.Inputs)
	c.Outputs = maps.Clone(p.Outputs)
	c.Tags = slices.Clone(p.Tags)
	c.Extra = maps.Clone(p.Extra)
	c.Events = slices.Clone(p.Events)
	c.Attachments = maps.Clone(p.Attachments)
	return &c
}

// Marshal encodes the payload.
func (p *Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// Operation is one pending create or update handed to a Sink.
type Operation struct {
	Kind    OpKind
	Payload *Payload
	// Attachments holds the bytes referenced by Payload.Attachments.
	Attachments map[string]Attachment
	// Final marks the operation that ended the run.
	Final bool
}

// RunID returns the id of the run the operation targets.
func (o Operation) RunID() uuid.UUID { return o.Payload.ID }

// Sink receives run lifecycle operations. The ingest client implements it.
type Sink interface {
	// Track registers a run before its first operation. It fails with a
	// validation error when the id is already tracked in the same trace.
	Track(r *Run) error
	// Submit enqueues an operation. It may fail with backpressure.
	Submit(op Operation) error
	// Untrack drops a tracked run whose create was never accepted.
	Untrack(r *Run)
}
