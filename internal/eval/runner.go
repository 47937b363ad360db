package eval

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/backend"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EvaluatorsProject is the project evaluator runs are traced in.
const EvaluatorsProject = "evaluators"

const (
	stageTarget    = "target"
	stageEvaluator = "evaluator"
)

// Config describes one experiment.
type Config struct {
	Target Target
	// TargetName names the traced target runs. Defaults to "target".
	TargetName        string
	Evaluators        []Evaluator
	SummaryEvaluators []SummaryEvaluator

	// Examples is the input set. When nil the examples of Dataset are read
	// through Datasets.
	Examples iter.Seq2[backend.Example, error]
	// Dataset names the dataset the examples come from. Examples from any
	// other dataset are rejected.
	Dataset  string
	Datasets DatasetReader

	// Projects, when set, receives the experiment project.
	Projects ProjectWriter
	// Feedback, when set, receives every evaluator result.
	Feedback FeedbackWriter
	// Sink receives target and evaluator runs. Runs are not recorded when nil.
	Sink runtree.Sink

	// Experiment is the project name of the target runs. When empty it is
	// ExperimentPrefix (or the dataset name) plus a random suffix.
	Experiment       string
	ExperimentPrefix string
	Description      string
	Metadata         map[string]any

	// TargetConcurrency and EvaluationConcurrency bound the two stages
	// independently. Zero runs the stage sequentially.
	TargetConcurrency     int
	EvaluationConcurrency int
	// NumRepetitions runs every example this many times. Zero means once.
	NumRepetitions int

	Logger  *zap.Logger
	Metrics *monitoring.Metrics
}

func (c Config) validate() error {
	if c.Target == nil {
		return errs.Validationf("target", "target function is required")
	}
	if c.TargetConcurrency < 0 {
		return errs.Validationf("eval.target_concurrency", "must be >= 0, got %d", c.TargetConcurrency)
	}
	if c.EvaluationConcurrency < 0 {
		return errs.Validationf("eval.evaluation_concurrency", "must be >= 0, got %d", c.EvaluationConcurrency)
	}
	if c.NumRepetitions < 0 {
		return errs.Validationf("num_repetitions", "must be >= 0, got %d", c.NumRepetitions)
	}
	for i, ev := range c.Evaluators {
		if ev == nil {
			return errs.Validationf("evaluators", "evaluator %d is nil", i)
		}
	}
	if c.Examples == nil && c.Dataset == "" {
		return errs.Validationf("dataset", "examples or a dataset name are required")
	}
	if c.Dataset != "" && c.Datasets == nil {
		return errs.Validationf("dataset", "a dataset reader is required to resolve %q", c.Dataset)
	}
	return nil
}

// Stream runs the experiment and yields rows as evaluators finish, in
// completion order. A row error (evaluator failure, feedback rejection)
// leaves the other rows alone; a source or target tracing error ends the
// stream after being yielded once.
func Stream(ctx context.Context, cfg Config) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		exp, err := start(ctx, cfg)
		if err != nil {
			yield(Row{}, err)
			return
		}
		defer exp.finish(context.WithoutCancel(ctx))

		for row, err := range exp.rows(ctx) {
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}

// Evaluate runs the experiment to completion and returns every row sorted
// by input index, then evaluator index. On a pipeline error the rows
// gathered so far are returned with it.
func Evaluate(ctx context.Context, cfg Config) (*Results, error) {
	exp, err := start(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer exp.finish(context.WithoutCancel(ctx))

	res := &Results{Experiment: exp.name}
	if exp.project != nil {
		res.ProjectID = exp.project.ID
	}

	var runErr error
	for row, err := range exp.rows(ctx) {
		if err != nil {
			runErr = err
			break
		}
		res.Rows = append(res.Rows, row)
	}
	SortRows(res.Rows)

	if runErr != nil {
		return res, runErr
	}
	res.Summary, runErr = exp.summarize(ctx, res.Rows)
	return res, runErr
}

// SortRows restores input order: by input index, then evaluator index.
func SortRows(rows []Row) {
	slices.SortStableFunc(rows, func(a, b Row) int {
		if c := cmp.Compare(a.Index, b.Index); c != 0 {
			return c
		}
		return cmp.Compare(a.EvaluatorIndex, b.EvaluatorIndex)
	})
}

// ============================================================================
// Experiment
// ============================================================================

type input struct {
	index      int
	repetition int
	example    backend.Example
}

type targetOutcome struct {
	input
	run TargetRun
}

type task struct {
	targetOutcome
	evaluator int
}

type experiment struct {
	cfg       Config
	logger    *zap.Logger
	name      string
	datasetID uuid.UUID
	examples  iter.Seq2[backend.Example, error]
	project   *backend.Project

	mu    sync.Mutex
	group map[uuid.UUID]struct{}
}

func start(ctx context.Context, cfg Config) (*experiment, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.NumRepetitions == 0 {
		cfg.NumRepetitions = 1
	}
	if cfg.TargetName == "" {
		cfg.TargetName = "target"
	}

	e := &experiment{
		cfg:      cfg,
		logger:   logging.OrNop(cfg.Logger).Named("eval"),
		examples: cfg.Examples,
		group:    make(map[uuid.UUID]struct{}),
	}

	if cfg.Dataset != "" {
		ds, err := cfg.Datasets.ReadDataset(ctx, cfg.Dataset)
		if err != nil {
			return nil, fmt.Errorf("resolve dataset %q: %w", cfg.Dataset, err)
		}
		e.datasetID = ds.ID
		if e.examples == nil {
			e.examples = cfg.Datasets.ListExamples(ctx, ds.ID)
		}
	}

	e.name = cfg.Experiment
	if e.name == "" {
		prefix := cmp.Or(cfg.ExperimentPrefix, cfg.Dataset, "experiment")
		e.name = prefix + "-" + uuid.NewString()[:8]
	}

	if cfg.Projects != nil {
		p := backend.Project{Name: e.name, Description: cfg.Description, Metadata: cfg.Metadata}
		if e.datasetID != uuid.Nil {
			ref := e.datasetID
			p.ReferenceDatasetID = &ref
		}
		created, err := cfg.Projects.CreateProject(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("create experiment project: %w", err)
		}
		e.project = created
	}

	e.logger.Info("experiment started",
		zap.String("experiment", e.name),
		zap.Int("evaluators", len(cfg.Evaluators)),
		zap.Int("target_concurrency", cfg.TargetConcurrency),
		zap.Int("evaluation_concurrency", cfg.EvaluationConcurrency))
	return e, nil
}

func (e *experiment) finish(ctx context.Context) {
	if e.project != nil {
		end := time.Now().UTC()
		if err := e.cfg.Projects.UpdateProject(ctx, e.project.ID, backend.ProjectUpdate{EndTime: &end}); err != nil {
			e.logger.Warn("failed to close experiment project", zap.String("experiment", e.name), zap.Error(err))
		}
	}
	e.logger.Info("experiment finished", zap.String("experiment", e.name))
}

// rows wires the two stages: targets bounded by TargetConcurrency feed
// (target, evaluator) tasks bounded by EvaluationConcurrency.
func (e *experiment) rows(ctx context.Context) iter.Seq2[Row, error] {
	targets := BoundedMap(ctx, e.inputs(), e.cfg.TargetConcurrency, e.runTarget)
	return BoundedMap(ctx, e.tasks(targets), e.cfg.EvaluationConcurrency, e.runEvaluator)
}

// inputs numbers the examples, repeating each NumRepetitions times, and
// rejects examples from another dataset.
func (e *experiment) inputs() iter.Seq2[input, error] {
	return func(yield func(input, error) bool) {
		expected := e.datasetID
		index := 0
		for ex, err := range e.examples {
			if err != nil {
				yield(input{}, err)
				return
			}
			if ex.DatasetID != uuid.Nil {
				switch {
				case expected == uuid.Nil:
					expected = ex.DatasetID
				case ex.DatasetID != expected:
					yield(input{}, errs.Validationf("dataset",
						"example %s belongs to dataset %s, not %s", ex.ID, ex.DatasetID, expected))
					return
				}
			}
			for rep := range e.cfg.NumRepetitions {
				if !yield(input{index: index, repetition: rep, example: ex}, nil) {
					return
				}
				index++
			}
		}
	}
}

func (e *experiment) tasks(targets iter.Seq2[targetOutcome, error]) iter.Seq2[task, error] {
	return func(yield func(task, error) bool) {
		for t, err := range targets {
			if err != nil {
				yield(task{}, err)
				return
			}
			if len(e.cfg.Evaluators) == 0 {
				if !yield(task{targetOutcome: t, evaluator: -1}, nil) {
					return
				}
				continue
			}
			for i := range e.cfg.Evaluators {
				if !yield(task{targetOutcome: t, evaluator: i}, nil) {
					return
				}
			}
		}
	}
}

// runTarget traces one target call. A failing target is recorded on its run
// and still evaluated; only tracing failures and cancellation abort.
func (e *experiment) runTarget(ctx context.Context, in input) (targetOutcome, error) {
	e.cfg.Metrics.EvalStarted(stageTarget)

	rc := runtree.Config{
		Name:     e.cfg.TargetName,
		Inputs:   in.example.Inputs,
		Project:  e.name,
		Sink:     e.cfg.Sink,
		Metadata: map[string]any{"repetition": in.repetition},
	}
	if in.example.ID != uuid.Nil {
		rc.ReferenceExampleID = in.example.ID
	}
	run, err := e.begin(rc)
	if err != nil {
		e.cfg.Metrics.EvalFinished(stageTarget, err)
		return targetOutcome{}, fmt.Errorf("trace target: %w", err)
	}

	outputs, targetErr := protect(func() (map[string]any, error) {
		return e.cfg.Target(runtree.ContextWithRun(ctx, run), in.example.Inputs)
	})
	end := time.Now().UTC()
	if err := run.EndAt(end, outputs, targetErr); err != nil {
		e.logger.Warn("failed to end target run", zap.Stringer("run_id", run.ID()), zap.Error(err))
	}
	e.cfg.Metrics.EvalFinished(stageTarget, targetErr)

	if err := ctx.Err(); err != nil {
		return targetOutcome{}, err
	}

	e.mu.Lock()
	e.group[run.ID()] = struct{}{}
	e.mu.Unlock()

	tr := TargetRun{
		ID:        run.ID(),
		TraceID:   run.TraceID(),
		Inputs:    in.example.Inputs,
		Outputs:   outputs,
		StartTime: run.StartTime(),
		EndTime:   end,
	}
	if targetErr != nil {
		tr.Error = targetErr.Error()
		e.logger.Debug("target failed", zap.Int("index", in.index), zap.Error(targetErr))
	}
	return targetOutcome{input: in, run: tr}, nil
}

// begin starts a traced run. When the sink refuses the run, for example
// under backpressure, the run goes on untraced with a local id: lost trace
// data is logged and never fails the experiment.
func (e *experiment) begin(rc runtree.Config) (*runtree.Run, error) {
	run, err := runtree.Begin(rc)
	if err == nil || rc.Sink == nil {
		return run, err
	}
	e.logger.Warn("run not traced",
		zap.String("run", rc.Name),
		zap.String("project", rc.Project),
		zap.Error(err))
	rc.Sink = nil
	return runtree.Begin(rc)
}

// runEvaluator scores one (target, evaluator) pair and submits feedback.
// Failures become the row's error.
func (e *experiment) runEvaluator(ctx context.Context, t task) (Row, error) {
	row := Row{
		Index:          t.index,
		Repetition:     t.repetition,
		Example:        t.example,
		Run:            t.run,
		EvaluatorIndex: t.evaluator,
	}
	if t.evaluator < 0 {
		return row, nil
	}
	ev := e.cfg.Evaluators[t.evaluator]
	row.Evaluator = ev.Name()

	e.cfg.Metrics.EvalStarted(stageEvaluator)
	res, err := e.evaluate(ctx, ev, t)
	if err == nil {
		if res.TargetRunID == nil {
			runID := t.run.ID
			res.TargetRunID = &runID
		}
		err = e.submit(ctx, res)
	}
	e.cfg.Metrics.EvalFinished(stageEvaluator, err)

	if err != nil {
		row.Err = err
		e.logger.Warn("evaluation failed",
			zap.String("evaluator", row.Evaluator),
			zap.Int("index", row.Index),
			zap.Stringer("run_id", t.run.ID),
			zap.Error(err))
		return row, nil
	}
	row.Result = &res
	return row, nil
}

func (e *experiment) evaluate(ctx context.Context, ev Evaluator, t task) (Result, error) {
	run, err := e.begin(runtree.Config{
		Name:    ev.Name(),
		Project: EvaluatorsProject,
		Sink:    e.cfg.Sink,
		Inputs: map[string]any{
			"run_id":     t.run.ID.String(),
			"example_id": t.example.ID.String(),
		},
		Metadata: map[string]any{"experiment": e.name},
	})
	if err != nil {
		return Result{}, fmt.Errorf("trace evaluator: %w", err)
	}

	res, evalErr := protect(func() (Result, error) {
		return ev.Evaluate(runtree.ContextWithRun(ctx, run), t.run, t.example)
	})
	var outputs map[string]any
	if evalErr == nil {
		res.Key = cmp.Or(res.Key, ev.Name())
		res.SourceRunID = run.ID()
		outputs = map[string]any{"key": res.Key, "value": res.Value, "comment": res.Comment}
		if res.Score != nil {
			outputs["score"] = *res.Score
		}
	}
	if err := run.End(outputs, evalErr); err != nil {
		e.logger.Warn("failed to end evaluator run", zap.Stringer("run_id", run.ID()), zap.Error(err))
	}
	return res, evalErr
}

// submit records res as feedback. A result aimed at a run outside this
// experiment is rejected before anything is sent.
func (e *experiment) submit(ctx context.Context, res Result) error {
	target := res.TargetRunID
	e.mu.Lock()
	_, ok := e.group[*target]
	e.mu.Unlock()
	if !ok {
		return errs.Protocolf("feedback", target.String(), "run is not part of experiment %s", e.name)
	}
	if e.cfg.Feedback == nil {
		return nil
	}
	src := res.SourceRunID
	_, err := e.cfg.Feedback.CreateFeedback(ctx, backend.Feedback{
		RunID:       *target,
		Key:         res.Key,
		Score:       res.Score,
		Value:       res.Value,
		Comment:     res.Comment,
		SourceRunID: &src,
	})
	return err
}

// summarize runs the summary evaluators over the sorted rows. A failing
// summary evaluator is logged and skipped.
func (e *experiment) summarize(ctx context.Context, rows []Row) ([]Result, error) {
	if len(e.cfg.SummaryEvaluators) == 0 {
		return nil, nil
	}
	var (
		runs     []TargetRun
		examples []backend.Example
	)
	last := -1
	for _, r := range rows {
		if r.Index == last {
			continue
		}
		last = r.Index
		runs = append(runs, r.Run)
		examples = append(examples, r.Example)
	}

	var out []Result
	for i, se := range e.cfg.SummaryEvaluators {
		results, err := protect(func() ([]Result, error) { return se(ctx, runs, examples) })
		if err != nil {
			e.logger.Warn("summary evaluator failed", zap.Int("summary_evaluator", i), zap.Error(err))
			continue
		}
		out = append(out, results...)
	}
	return out, ctx.Err()
}

// protect converts a panic in fn into an error.
func protect[T any](fn func() (T, error)) (out T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
