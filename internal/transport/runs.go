package transport

import (
	"context"
	"net/http"
)

// Backend routes used by the ingest path.
const (
	PathBatch     = "/runs/batch"
	PathMultipart = "/runs/multipart"
)

// PostBatch sends an encoded {"post":[...],"patch":[...]} body.
// contentEncoding is empty or "zstd".
func (c *Client) PostBatch(ctx context.Context, body []byte, contentEncoding string) error {
	req := c.Request(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body)
	if contentEncoding != "" {
		req.SetHeader("Content-Encoding", contentEncoding)
	}
	_, err := c.Execute("post batch", http.MethodPost, PathBatch, req)
	return err
}

// PostMultipart sends a pre-encoded multipart/form-data body.
func (c *Client) PostMultipart(ctx context.Context, body []byte, contentType, contentEncoding string) error {
	req := c.Request(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body)
	if contentEncoding != "" {
		req.SetHeader("Content-Encoding", contentEncoding)
	}
	_, err := c.Execute("post multipart", http.MethodPost, PathMultipart, req)
	return err
}

// UploadAttachments sends a multipart body of attachment files for one run.
func (c *Client) UploadAttachments(ctx context.Context, runID string, body []byte, contentType string) error {
	req := c.Request(ctx).
		SetHeader("Content-Type", contentType).
		SetPathParam("run_id", runID).
		SetBody(body)
	_, err := c.Execute("upload attachments", http.MethodPost, "/runs/{run_id}/attachments", req)
	return err
}
