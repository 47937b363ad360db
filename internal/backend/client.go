package backend

import (
	"context"
	"iter"
	"net/http"
	"strconv"
	"strings"

	"github.com/GriffinCanCode/runtrace/internal/caller"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/GriffinCanCode/runtrace/internal/transport"
	"github.com/google/uuid"
)

// DefaultPageSize is the number of examples fetched per request.
const DefaultPageSize = 100

// Client reads and writes the collaborator resources: datasets, examples,
// projects, feedback and stored runs. Every request goes through the caller.
type Client struct {
	http     *transport.Client
	caller   *caller.Caller
	pageSize int
}

// New builds a Client.
func New(t *transport.Client, c *caller.Caller) *Client {
	return &Client{http: t, caller: c, pageSize: DefaultPageSize}
}

// WithPageSize returns a copy of c that pages examples n at a time.
func (c *Client) WithPageSize(n int) *Client {
	out := *c
	if n > 0 {
		out.pageSize = n
	}
	return &out
}

// ReadDataset resolves a dataset by name.
func (c *Client) ReadDataset(ctx context.Context, name string) (*Dataset, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errs.Validationf("dataset", "name is required")
	}
	found, err := caller.Do(ctx, c.caller, func(ctx context.Context) ([]Dataset, error) {
		var out []Dataset
		err := c.http.GetJSON(ctx, "read dataset", "/datasets", map[string]string{"name": name}, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	for i := range found {
		if found[i].Name == name {
			return &found[i], nil
		}
	}
	return nil, errs.Validationf("dataset", "no dataset named %q", name)
}

// ListExamples lazily pages through the examples of a dataset. Iteration
// stops at the first error, which is yielded once.
func (c *Client) ListExamples(ctx context.Context, datasetID uuid.UUID) iter.Seq2[Example, error] {
	return func(yield func(Example, error) bool) {
		for offset := 0; ; {
			query := map[string]string{
				"dataset": datasetID.String(),
				"offset":  strconv.Itoa(offset),
				"limit":   strconv.Itoa(c.pageSize),
			}
			page, err := caller.Do(ctx, c.caller, func(ctx context.Context) ([]Example, error) {
				var out []Example
				err := c.http.GetJSON(ctx, "list examples", "/examples", query, &out)
				return out, err
			})
			if err != nil {
				yield(Example{}, err)
				return
			}
			for _, ex := range page {
				if !yield(ex, nil) {
					return
				}
			}
			if len(page) < c.pageSize {
				return
			}
			offset += len(page)
		}
	}
}

// CreateProject creates a tracing project.
func (c *Client) CreateProject(ctx context.Context, p Project) (*Project, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errs.Validationf("project", "name is required")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return caller.Do(ctx, c.caller, func(ctx context.Context) (*Project, error) {
		var out Project
		err := c.http.SendJSON(ctx, "create project", http.MethodPost, "/sessions", p, &out)
		return &out, err
	})
}

// UpdateProject changes a project's description, metadata or end time.
func (c *Client) UpdateProject(ctx context.Context, projectID uuid.UUID, u ProjectUpdate) error {
	return c.caller.Call(ctx, func(ctx context.Context) error {
		return c.http.SendJSON(ctx, "update project", http.MethodPatch, "/sessions/"+projectID.String(), u, nil)
	})
}

// CreateFeedback records fb against its run.
func (c *Client) CreateFeedback(ctx context.Context, fb Feedback) (*Feedback, error) {
	if fb.RunID == uuid.Nil {
		return nil, errs.Validationf("feedback.run_id", "run id is required")
	}
	if strings.TrimSpace(fb.Key) == "" {
		return nil, errs.Validationf("feedback.key", "key is required")
	}
	if fb.ID == uuid.Nil {
		fb.ID = uuid.New()
	}
	return caller.Do(ctx, c.caller, func(ctx context.Context) (*Feedback, error) {
		var out Feedback
		err := c.http.SendJSON(ctx, "create feedback", http.MethodPost, "/feedback", fb, &out)
		return &out, err
	})
}

// ReadRun fetches a stored run.
func (c *Client) ReadRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	return caller.Do(ctx, c.caller, func(ctx context.Context) (*Run, error) {
		var out Run
		err := c.http.GetJSON(ctx, "read run", "/runs/"+runID.String(), nil, &out)
		return &out, err
	})
}

// DownloadAttachment fetches attachment bytes from a presigned URL.
func (c *Client) DownloadAttachment(ctx context.Context, info AttachmentInfo) ([]byte, error) {
	if info.PresignedURL == "" {
		return nil, errs.Validationf("attachment", "no presigned url")
	}
	return caller.Do(ctx, c.caller, func(ctx context.Context) ([]byte, error) {
		data, _, err := c.http.Download(ctx, "download attachment", info.PresignedURL)
		return data, err
	})
}
