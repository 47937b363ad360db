package ingest

import (
	"time"

	"github.com/GriffinCanCode/runtrace/internal/caller"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"go.uber.org/zap"
)

// Mode selects the wire format of a batch.
type Mode string

const (
	// ModeBatch posts {"post":[...],"patch":[...]} to /runs/batch.
	ModeBatch Mode = "batch"
	// ModeMultipart posts one multipart body to /runs/multipart.
	ModeMultipart Mode = "multipart"
)

// Config controls batching and admission.
type Config struct {
	// BatchSize triggers a flush and caps operations per request.
	BatchSize int
	// BatchBytes triggers a flush and caps the estimated bytes per request.
	BatchBytes int
	// MaxQueueBytes rejects submissions past this many outstanding bytes.
	// Zero disables the ceiling.
	MaxQueueBytes int64
	FlushInterval time.Duration
	Mode          Mode
	// Compress zstd-encodes request bodies.
	Compress bool
	// HideInputs and HideOutputs rewrite the inputs and outputs of every
	// operation before it is queued. They get a copy and may modify it.
	// Local runs keep the originals.
	HideInputs  Redactor
	HideOutputs Redactor
}

// Redactor rewrites run inputs or outputs before they leave the process.
type Redactor func(map[string]any) map[string]any

// HideAll replaces every value with an empty map.
func HideAll(map[string]any) map[string]any { return map[string]any{} }

// DefaultConfig returns the batching defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     100,
		BatchBytes:    20 << 20,
		FlushInterval: 250 * time.Millisecond,
		Mode:          ModeBatch,
	}
}

// Validate checks the batching limits.
func (c Config) Validate() error {
	switch {
	case c.BatchSize <= 0:
		return errs.Validationf("batch.size", "must be positive, got %d", c.BatchSize)
	case c.BatchBytes <= 0:
		return errs.Validationf("batch.max_bytes", "must be positive, got %d", c.BatchBytes)
	case c.MaxQueueBytes < 0:
		return errs.Validationf("batch.max_queue_bytes", "must be >= 0, got %d", c.MaxQueueBytes)
	case c.FlushInterval <= 0:
		return errs.Validationf("batch.flush_interval", "must be positive")
	case c.Mode != ModeBatch && c.Mode != ModeMultipart:
		return errs.Validationf("batch.mode", "unknown mode %q", c.Mode)
	}
	return nil
}

// ErrorHook is told about every batch that could not be delivered.
type ErrorHook func(err error, ops []runtree.Operation)

// Option configures a Client.
type Option func(*Client)

// WithCaller sets the retrying caller used for delivery.
func WithCaller(c *caller.Caller) Option {
	return func(cl *Client) { cl.caller = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(cl *Client) { cl.metrics = m }
}

// WithOnError sets the delivery failure hook.
func WithOnError(h ErrorHook) Option {
	return func(cl *Client) { cl.onError = h }
}
