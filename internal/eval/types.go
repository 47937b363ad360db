package eval

import (
	"context"
	"iter"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/backend"
	"github.com/google/uuid"
)

// Target is the computation under evaluation. ctx carries the traced target
// run, so runs started from it with runtree.Start become its children.
type Target func(ctx context.Context, inputs map[string]any) (map[string]any, error)

// TargetRun is what evaluators see of one target execution.
type TargetRun struct {
	ID        uuid.UUID
	TraceID   uuid.UUID
	Inputs    map[string]any
	Outputs   map[string]any
	Error     string
	StartTime time.Time
	EndTime   time.Time
}

// Result is one score produced by an evaluator.
type Result struct {
	// Key names the metric. It defaults to the evaluator's name.
	Key     string
	Score   *float64
	Value   any
	Comment string
	// TargetRunID overrides the run the feedback is attached to. It must
	// belong to the evaluated group; the target run is used when nil.
	TargetRunID *uuid.UUID
	// SourceRunID is the traced evaluator run that produced the result.
	SourceRunID uuid.UUID
}

// Score returns a pointer to v, for filling Result.Score.
func Score(v float64) *float64 { return &v }

// Evaluator scores one target run against its example.
type Evaluator interface {
	Name() string
	Evaluate(ctx context.Context, run TargetRun, example backend.Example) (Result, error)
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(ctx context.Context, run TargetRun, example backend.Example) (Result, error)

type namedEvaluator struct {
	name string
	fn   EvaluatorFunc
}

func (e namedEvaluator) Name() string { return e.name }

func (e namedEvaluator) Evaluate(ctx context.Context, run TargetRun, example backend.Example) (Result, error) {
	return e.fn(ctx, run, example)
}

// Func builds a named Evaluator from fn.
func Func(name string, fn EvaluatorFunc) Evaluator {
	return namedEvaluator{name: name, fn: fn}
}

// SummaryEvaluator scores the experiment as a whole once every row is in.
// runs and examples are in input order.
type SummaryEvaluator func(ctx context.Context, runs []TargetRun, examples []backend.Example) ([]Result, error)

// Row is one (input, evaluator) outcome.
type Row struct {
	// Index is the position of the input in the expanded source, counting
	// repetitions.
	Index      int
	Repetition int
	Example    backend.Example
	Run        TargetRun
	// EvaluatorIndex is the evaluator's position in Config.Evaluators, or -1
	// when the experiment has no evaluators.
	EvaluatorIndex int
	Evaluator      string
	// Result is nil when Err is set.
	Result *Result
	// Err is the evaluator, feedback or guard failure of this row only.
	Err error
}

// DatasetReader resolves datasets and their examples.
type DatasetReader interface {
	ReadDataset(ctx context.Context, name string) (*backend.Dataset, error)
	ListExamples(ctx context.Context, datasetID uuid.UUID) iter.Seq2[backend.Example, error]
}

// ProjectWriter creates and closes the experiment project.
type ProjectWriter interface {
	CreateProject(ctx context.Context, p backend.Project) (*backend.Project, error)
	UpdateProject(ctx context.Context, projectID uuid.UUID, u backend.ProjectUpdate) error
}

// FeedbackWriter records evaluation results against runs.
type FeedbackWriter interface {
	CreateFeedback(ctx context.Context, fb backend.Feedback) (*backend.Feedback, error)
}

var (
	_ DatasetReader  = (*backend.Client)(nil)
	_ ProjectWriter  = (*backend.Client)(nil)
	_ FeedbackWriter = (*backend.Client)(nil)
)
