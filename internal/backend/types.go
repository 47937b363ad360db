package backend

import (
	"time"

	"github.com/google/uuid"
)

// Dataset is a named set of examples.
type Dataset struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	ExampleCount int       `json:"example_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// Example is one record of a dataset.
type Example struct {
	ID        uuid.UUID      `json:"id"`
	DatasetID uuid.UUID      `json:"dataset_id"`
	Inputs    map[string]any `json:"inputs"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Project groups traces; experiments are projects that reference a dataset.
type Project struct {
	ID                 uuid.UUID      `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	ReferenceDatasetID *uuid.UUID     `json:"reference_dataset_id,omitempty"`
	Metadata           map[string]any `json:"extra,omitempty"`
	StartTime          time.Time      `json:"start_time"`
	EndTime            *time.Time     `json:"end_time,omitempty"`
}

// ProjectUpdate carries the fields UpdateProject may change.
type ProjectUpdate struct {
	Description *string        `json:"description,omitempty"`
	Metadata    map[string]any `json:"extra,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
}

// Feedback attaches an evaluation result to a run.
type Feedback struct {
	ID          uuid.UUID  `json:"id"`
	RunID       uuid.UUID  `json:"run_id"`
	Key         string     `json:"key"`
	Score       *float64   `json:"score,omitempty"`
	Value       any        `json:"value,omitempty"`
	Comment     string     `json:"comment,omitempty"`
	SourceRunID *uuid.UUID `json:"source_run_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AttachmentInfo locates stored attachment bytes.
type AttachmentInfo struct {
	PresignedURL string `json:"presigned_url"`
	MimeType     string `json:"mime_type"`
	Size         int    `json:"size"`
}

// Run is a run as stored by the backend.
type Run struct {
	ID                 uuid.UUID                 `json:"id"`
	TraceID            uuid.UUID                 `json:"trace_id"`
	ParentRunID        *uuid.UUID                `json:"parent_run_id,omitempty"`
	DottedOrder        string                    `json:"dotted_order"`
	Name               string                    `json:"name"`
	RunType            string                    `json:"run_type"`
	StartTime          time.Time                 `json:"start_time"`
	EndTime            *time.Time                `json:"end_time,omitempty"`
	Inputs             map[string]any            `json:"inputs,omitempty"`
	Outputs            map[string]any            `json:"outputs,omitempty"`
	Error              *string                   `json:"error,omitempty"`
	Tags               []string                  `json:"tags,omitempty"`
	Extra              map[string]any            `json:"extra,omitempty"`
	SessionName        string                    `json:"session_name,omitempty"`
	ReferenceExampleID *uuid.UUID                `json:"reference_example_id,omitempty"`
	Attachments        map[string]AttachmentInfo `json:"attachments,omitempty"`
}
