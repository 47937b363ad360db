package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"syscall"

	"github.com/GriffinCanCode/runtrace/internal/backend"
	"github.com/GriffinCanCode/runtrace/internal/caller"
	"github.com/GriffinCanCode/runtrace/internal/eval"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/runtrace/internal/ingest"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/GriffinCanCode/runtrace/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// App holds the wired runtime.
type App struct {
	Config    *config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Metrics   *monitoring.Metrics
	Transport *transport.Client
	Caller    *caller.Caller
	Ingest    *ingest.Client
	Backend   *backend.Client
	Tracer    *tracing.Tracer

	closeOnce sync.Once
	closeErr  error
}

// Option customises New.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry *prometheus.Registry
	decorate func(ctx context.Context, h http.Header)
	onError  ingest.ErrorHook
}

// WithLogger replaces the logger built from the logging config.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRegistry registers metrics on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithDecorate adds headers to every backend request.
func WithDecorate(fn func(ctx context.Context, h http.Header)) Option {
	return func(o *options) { o.decorate = fn }
}

// WithOnError is told about batches that could not be delivered.
func WithOnError(h ingest.ErrorHook) Option {
	return func(o *options) { o.onError = h }
}

// New validates cfg and builds every component. The ingest client starts
// flushing in the background at once; Close stops it.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: o.logger, Registry: o.registry}
	if a.Logger == nil {
		l, err := logging.New(logging.Config{
			Level:       cfg.Logging.Level,
			Development: cfg.Logging.Development,
		})
		if err != nil {
			return nil, err
		}
		a.Logger = l.Logger
	}
	if a.Registry == nil {
		a.Registry = prometheus.NewRegistry()
	}
	a.Metrics = monitoring.NewMetrics(a.Registry)

	var err error
	a.Transport, err = transport.New(transport.Options{
		Endpoint:  cfg.API.Endpoint,
		APIKey:    cfg.API.APIKey,
		UserAgent: cfg.API.UserAgent,
		Timeout:   cfg.API.Timeout,
		Logger:    a.Logger,
		Decorate:  o.decorate,
	})
	if err != nil {
		return nil, err
	}

	a.Caller, err = caller.New(callerOptions(cfg, a.Logger, a.Metrics))
	if err != nil {
		return nil, err
	}

	ingestOpts := []ingest.Option{
		ingest.WithCaller(a.Caller),
		ingest.WithLogger(a.Logger),
		ingest.WithMetrics(a.Metrics),
	}
	if o.onError != nil {
		ingestOpts = append(ingestOpts, ingest.WithOnError(o.onError))
	}
	a.Ingest, err = ingest.New(ingestConfig(cfg.Batch), a.Transport, ingestOpts...)
	if err != nil {
		return nil, err
	}

	a.Backend = backend.New(a.Transport, a.Caller)
	a.Tracer = tracing.New(a.Ingest,
		tracing.WithProject(cfg.API.Project),
		tracing.WithLogger(a.Logger))

	a.Logger.Info("runtrace ready",
		zap.String("endpoint", a.Transport.Endpoint()),
		zap.String("project", cfg.API.Project),
		zap.Bool("multipart", cfg.Batch.Multipart))
	return a, nil
}

func callerOptions(cfg *config.Config, logger *zap.Logger, metrics *monitoring.Metrics) caller.Options {
	opts := caller.Options{
		MaxConcurrency:    cfg.Retry.MaxConcurrency,
		MaxRetries:        cfg.Retry.MaxRetries,
		Policy:            caller.NewPolicy(cfg.Retry.Statuses...),
		MinBackoff:        cfg.Retry.MinBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		MaxRetryAfter:     cfg.Retry.MaxRetryAfter,
		AttemptTimeout:    cfg.Retry.AttemptTimeout,
		RequestsPerSecond: cfg.Retry.RequestsPerSecond,
		Logger:            logger,
		Metrics:           metrics,
	}
	if cfg.Breaker.Enabled {
		opts.Breaker = caller.NewBreaker("backend", cfg.Breaker.ConsecutiveFailures, cfg.Breaker.OpenTimeout, logger)
	}
	return opts
}

func ingestConfig(b config.BatchConfig) ingest.Config {
	c := ingest.DefaultConfig()
	c.BatchSize = b.Size
	c.BatchBytes = b.MaxBytes
	c.MaxQueueBytes = b.MaxQueueBytes
	c.FlushInterval = b.FlushInterval
	c.Compress = b.Compress
	if b.HideInputs {
		c.HideInputs = ingest.HideAll
	}
	if b.HideOutputs {
		c.HideOutputs = ingest.HideAll
	}
	if b.Multipart {
		c.Mode = ingest.ModeMultipart
	}
	return c
}

// SetAPIKey rotates the key sent with every later backend request,
// including ingest deliveries.
func (a *App) SetAPIKey(key string) {
	a.Transport.SetAPIKey(key)
}

// StartRun begins a root run in the configured project, or a child of the
// run carried by ctx.
func (a *App) StartRun(ctx context.Context, cfg runtree.Config) (*runtree.Run, context.Context, error) {
	if cfg.Sink == nil {
		cfg.Sink = a.Ingest
	}
	if cfg.Project == "" && runtree.FromContext(ctx) == nil {
		cfg.Project = a.Config.API.Project
	}
	return runtree.Start(ctx, cfg)
}

// Experiment returns an evaluation config wired to the backend with the
// configured concurrency limits. Callers set Dataset or Examples and may
// override any field before passing it to eval.Evaluate or eval.Stream.
func (a *App) Experiment(target eval.Target, evaluators ...eval.Evaluator) eval.Config {
	return eval.Config{
		Target:                target,
		Evaluators:            evaluators,
		Datasets:              a.Backend,
		Projects:              a.Backend,
		Feedback:              createdFeedback{ingest: a.Ingest, backend: a.Backend},
		Sink:                  a.Ingest,
		TargetConcurrency:     a.Config.Eval.TargetConcurrency,
		EvaluationConcurrency: a.Config.Eval.EvaluationConcurrency,
		Logger:                a.Logger,
		Metrics:               a.Metrics,
	}
}

// Close drains the ingest queue and stops background delivery. Later calls
// return the first result.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.Ingest.Close(ctx)
		if err := a.Logger.Sync(); err != nil && !isSyncNoise(err) {
			a.closeErr = errors.Join(a.closeErr, err)
		}
	})
	return a.closeErr
}

// createdFeedback waits for the target run's create to be delivered before
// posting feedback, so the backend already knows the run it points at.
type createdFeedback struct {
	ingest  *ingest.Client
	backend *backend.Client
}

func (f createdFeedback) CreateFeedback(ctx context.Context, fb backend.Feedback) (*backend.Feedback, error) {
	if err := f.ingest.WaitCreated(ctx, fb.RunID); err != nil {
		return nil, err
	}
	return f.backend.CreateFeedback(ctx, fb)
}

// isSyncNoise reports the error zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	return errors.Is(err, syscall.EINVAL) || errors.Is(err, syscall.ENOTTY)
}
