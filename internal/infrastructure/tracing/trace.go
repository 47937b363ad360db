package tracing

import (
	"context"
	"errors"
	"maps"
	"net/http"

	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"go.uber.org/zap"
)

// Tracer starts runs for incoming requests, continuing the caller's trace
// when the request carries propagation headers.
type Tracer struct {
	sink     runtree.Sink
	project  string
	tags     []string
	metadata map[string]any
	logger   *zap.Logger
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithProject sets the project of root runs. Continued traces keep the
// project named in their baggage.
func WithProject(name string) Option {
	return func(t *Tracer) { t.project = name }
}

// WithTags adds tags to every run the tracer starts.
func WithTags(tags ...string) Option {
	return func(t *Tracer) { t.tags = append(t.tags, tags...) }
}

// WithMetadata adds metadata to every run the tracer starts.
func WithMetadata(md map[string]any) Option {
	return func(t *Tracer) { t.metadata = md }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(t *Tracer) { t.logger = l }
}

// New creates a tracer that hands runs to sink.
func New(sink runtree.Sink, opts ...Option) *Tracer {
	t := &Tracer{sink: sink}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = logging.OrNop(t.logger).Named("tracing")
	return t
}

// Continue starts a run for one unit of incoming work. When h carries a
// trace header the run is a child of the remote parent it names; a malformed
// header is logged and a new trace starts instead. Without headers the run
// is a child of the run in ctx, or a root.
func (t *Tracer) Continue(ctx context.Context, h http.Header, cfg runtree.Config) (*runtree.Run, context.Context, error) {
	if h.Get(runtree.TraceHeader) != "" {
		parent, err := runtree.FromHeaders(h, runtree.Config{Sink: t.sink})
		if err == nil {
			if cfg.Project == "" {
				cfg.Project = parent.Project()
			}
			run, err := parent.CreateChild(t.apply(cfg))
			if err != nil {
				return nil, ctx, err
			}
			return run, runtree.ContextWithRun(ctx, run), nil
		}
		var verr *errs.ValidationError
		if !errors.As(err, &verr) {
			return nil, ctx, err
		}
		t.logger.Warn("ignoring malformed trace header",
			zap.String("header", h.Get(runtree.TraceHeader)),
			zap.Error(err))
	}
	return runtree.Start(ctx, t.apply(cfg))
}

func (t *Tracer) apply(cfg runtree.Config) runtree.Config {
	if cfg.Sink == nil {
		cfg.Sink = t.sink
	}
	if cfg.Project == "" {
		cfg.Project = t.project
	}
	if len(t.tags) > 0 {
		cfg.Tags = append(append([]string{}, t.tags...), cfg.Tags...)
	}
	if len(t.metadata) > 0 {
		md := make(map[string]any, len(t.metadata)+len(cfg.Metadata))
		maps.Copy(md, t.metadata)
		maps.Copy(md, cfg.Metadata)
		cfg.Metadata = md
	}
	return cfg
}

// finish ends run, logging rather than returning the error so request
// handling never fails because tracing did.
func (t *Tracer) finish(run *runtree.Run, outputs map[string]any, runErr error) {
	if err := run.End(outputs, runErr); err != nil {
		t.logger.Warn("failed to end run", append(LogFields(run), zap.Error(err))...)
	}
}

// Inject writes the propagation headers of the run in ctx into h. It is a
// no-op when ctx carries no run, and its signature fits
// transport.Options.Decorate.
func Inject(ctx context.Context, h http.Header) {
	run := runtree.FromContext(ctx)
	if run == nil {
		return
	}
	for k, vs := range run.ToHeaders() {
		h[k] = vs
	}
}

// LogFields returns zap fields identifying run.
func LogFields(run *runtree.Run) []zap.Field {
	if run == nil {
		return nil
	}
	return []zap.Field{
		zap.Stringer("trace_id", run.TraceID()),
		zap.Stringer("run_id", run.ID()),
		zap.String("run_name", run.Name()),
	}
}

// ContextFields returns LogFields for the run in ctx.
func ContextFields(ctx context.Context) []zap.Field {
	return LogFields(runtree.FromContext(ctx))
}
