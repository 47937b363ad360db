package transport

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/GriffinCanCode/runtrace/internal/shared/id"
	"github.com/bytedance/sonic"
	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Header names sent with every request.
const (
	HeaderAPIKey    = "x-api-key"
	HeaderRequestID = "X-Request-ID"
)

// Options configures a Client.
type Options struct {
	Endpoint  string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Logger    *zap.Logger
	// Decorate, when set, may add headers to every outgoing request.
	Decorate func(ctx context.Context, h http.Header)
}

// Client is a thin resty wrapper for the tracing backend. It maps failures
// onto the error taxonomy and leaves retries to the caller package.
type Client struct {
	resty    *resty.Client
	logger   *zap.Logger
	decorate func(ctx context.Context, h http.Header)
	// apiKey is read per request so it can be rotated while requests run.
	apiKey atomic.Pointer[string]
}

// New creates a client for opts.Endpoint.
func New(opts Options) (*Client, error) {
	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if endpoint == "" {
		return nil, errs.Validationf("api.endpoint", "must not be empty")
	}
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		return nil, errs.Validationf("api.endpoint", "must be an http(s) URL, got %q", opts.Endpoint)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "runtrace-go/1.0"
	}

	// pooled transport from retryablehttp; its own retry loop is not used
	pooled := retryablehttp.NewClient()
	pooled.Logger = nil

	r := resty.New().
		SetBaseURL(endpoint).
		SetTimeout(opts.Timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", opts.UserAgent).
		SetTransport(pooled.HTTPClient.Transport).
		SetJSONMarshaler(sonic.ConfigStd.Marshal).
		SetJSONUnmarshaler(sonic.ConfigStd.Unmarshal)

	c := &Client{
		resty:    r,
		logger:   logging.OrNop(opts.Logger).Named("transport"),
		decorate: opts.Decorate,
	}
	c.SetAPIKey(opts.APIKey)
	return c, nil
}

// Endpoint returns the base URL.
func (c *Client) Endpoint() string {
	return c.resty.BaseURL
}

// SetAPIKey replaces the key sent as x-api-key. Requests built afterwards
// use the new key; an empty key stops sending the header.
func (c *Client) SetAPIKey(key string) {
	c.apiKey.Store(&key)
}

// Request builds a request bound to ctx with a fresh request id.
func (c *Client) Request(ctx context.Context) *resty.Request {
	req := c.resty.R().SetContext(ctx).SetHeader(HeaderRequestID, id.NewRequestID())
	if key := *c.apiKey.Load(); key != "" {
		req.SetHeader(HeaderAPIKey, key)
	}
	if c.decorate != nil {
		c.decorate(ctx, req.Header)
	}
	return req
}

// Execute sends req and classifies the outcome. op names the operation in
// errors and logs.
func (c *Client) Execute(op, method, path string, req *resty.Request) (*resty.Response, error) {
	start := time.Now()
	resp, err := req.Execute(method, path)
	if err != nil {
		c.logger.Debug("request failed",
			zap.String("op", op),
			zap.String("method", method),
			zap.String("path", path),
			zap.Error(err))
		return nil, &errs.TransportError{Op: op, Err: err}
	}

	c.logger.Debug("request completed",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode()),
		zap.Duration("duration", time.Since(start)))

	if resp.IsError() {
		return resp, errs.NewResponseError(op, resp.StatusCode(), resp.Header(), resp.Body())
	}
	return resp, nil
}

// GetJSON fetches path and decodes the response into out.
func (c *Client) GetJSON(ctx context.Context, op, path string, query map[string]string, out any) error {
	req := c.Request(ctx).SetQueryParams(query).SetHeader("Accept", "application/json")
	if out != nil {
		req.SetResult(out)
	}
	_, err := c.Execute(op, http.MethodGet, path, req)
	return err
}

// SendJSON encodes in as the body of a method request and decodes the reply
// into out when out is non-nil.
func (c *Client) SendJSON(ctx context.Context, op, method, path string, in, out any) error {
	req := c.Request(ctx).SetHeader("Content-Type", "application/json").SetBody(in)
	if out != nil {
		req.SetResult(out)
	}
	_, err := c.Execute(op, method, path, req)
	return err
}

// Download fetches raw bytes from path, which may also be an absolute URL.
func (c *Client) Download(ctx context.Context, op, path string) ([]byte, http.Header, error) {
	resp, err := c.Execute(op, http.MethodGet, path, c.Request(ctx))
	if err != nil {
		return nil, nil, err
	}
	return resp.Body(), resp.Header(), nil
}
