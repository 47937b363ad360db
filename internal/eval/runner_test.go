package eval

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/runtrace/internal/backend"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collaborators is an in-memory DatasetReader, ProjectWriter and
// FeedbackWriter.
type collaborators struct {
	mu       sync.Mutex
	dataset  backend.Dataset
	examples []backend.Example
	projects map[uuid.UUID]*backend.Project
	feedback []backend.Feedback
}

func newCollaborators(n int) *collaborators {
	c := &collaborators{
		dataset:  backend.Dataset{ID: uuid.New(), Name: "qa"},
		projects: make(map[uuid.UUID]*backend.Project),
	}
	for i := range n {
		c.examples = append(c.examples, backend.Example{
			ID:        uuid.New(),
			DatasetID: c.dataset.ID,
			Inputs:    map[string]any{"i": i},
			Outputs:   map[string]any{"want": i * 2},
		})
	}
	c.dataset.ExampleCount = n
	return c
}

func (c *collaborators) ReadDataset(ctx context.Context, name string) (*backend.Dataset, error) {
	if name != c.dataset.Name {
		return nil, errs.Validationf("dataset", "no dataset named %q", name)
	}
	ds := c.dataset
	return &ds, nil
}

func (c *collaborators) ListExamples(ctx context.Context, datasetID uuid.UUID) iter.Seq2[backend.Example, error] {
	return func(yield func(backend.Example, error) bool) {
		for _, ex := range c.examples {
			if !yield(ex, nil) {
				return
			}
		}
	}
}

func (c *collaborators) CreateProject(ctx context.Context, p backend.Project) (*backend.Project, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p.ID = uuid.New()
	c.projects[p.ID] = &p
	out := p
	return &out, nil
}

func (c *collaborators) UpdateProject(ctx context.Context, id uuid.UUID, u backend.ProjectUpdate) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.projects[id]
	if !ok {
		return errors.New("unknown project")
	}
	p.EndTime = u.EndTime
	return nil
}

func (c *collaborators) CreateFeedback(ctx context.Context, fb backend.Feedback) (*backend.Feedback, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feedback = append(c.feedback, fb)
	return &fb, nil
}

type sink struct {
	mu  sync.Mutex
	ops []runtree.Operation
}

func (s *sink) Track(*runtree.Run) error { return nil }

func (s *sink) Untrack(*runtree.Run) {}

func (s *sink) Submit(op runtree.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	return nil
}

func (s *sink) creates(project string) []*runtree.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*runtree.Payload
	for _, op := range s.ops {
		if op.Kind == runtree.OpCreate && op.Payload.SessionName == project {
			out = append(out, op.Payload)
		}
	}
	return out
}

// refusingSink rejects every operation, as a full ingest queue does.
type refusingSink struct{ untracked atomic.Int32 }

func (s *refusingSink) Track(*runtree.Run) error { return nil }

func (s *refusingSink) Untrack(*runtree.Run) { s.untracked.Add(1) }

func (s *refusingSink) Submit(runtree.Operation) error {
	return errors.New("ingest queue full")
}

func double(ctx context.Context, inputs map[string]any) (map[string]any, error) {
	return map[string]any{"got": inputs["i"].(int) * 2}, nil
}

func exact(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
	score := 0.0
	if run.Outputs["got"] == ex.Outputs["want"] {
		score = 1
	}
	return Result{Score: Score(score)}, nil
}

func TestEvaluateConcurrencyBounds(t *testing.T) {
	c := newCollaborators(3)
	targets, evaluators := newTracker(), newTracker()

	slow := func(tr *tracker, d time.Duration) {
		tr.enter()
		defer tr.leave()
		time.Sleep(d)
	}

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			slow(targets, 10*time.Millisecond)
			return double(ctx, inputs)
		},
		Evaluators: []Evaluator{
			Func("exact", func(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
				slow(evaluators, 15*time.Millisecond)
				return exact(ctx, run, ex)
			}),
			Func("length", func(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
				slow(evaluators, 5*time.Millisecond)
				return Result{Score: Score(float64(len(run.Outputs)))}, nil
			}),
		},
		Dataset:               "qa",
		Datasets:              c,
		TargetConcurrency:     1,
		EvaluationConcurrency: 2,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(1), targets.peak.Load())
	assert.LessOrEqual(t, evaluators.peak.Load(), int32(2))
	assert.Len(t, res.Rows, 3*2)
}

func TestRefusedTracingDoesNotFailExperiment(t *testing.T) {
	c := newCollaborators(3)
	s := &refusingSink{}
	var calls atomic.Int32

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			calls.Add(1)
			return double(ctx, inputs)
		},
		Evaluators: []Evaluator{Func("exact", exact)},
		Dataset:    "qa",
		Datasets:   c,
		Feedback:   c,
		Sink:       s,
	})
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, res.Rows, 3)
	for _, row := range res.Rows {
		require.NoError(t, row.Err)
		require.NotNil(t, row.Result)
		assert.Equal(t, 1.0, *row.Result.Score)
		assert.NotEqual(t, uuid.Nil, row.Run.ID)
		assert.NotEqual(t, uuid.Nil, row.Result.SourceRunID)
	}
	// every target and evaluator run was refused and released
	assert.Equal(t, int32(6), s.untracked.Load())
	require.Len(t, c.feedback, 3)
	for i, fb := range c.feedback {
		assert.Contains(t, []uuid.UUID{res.Rows[0].Run.ID, res.Rows[1].Run.ID, res.Rows[2].Run.ID}, fb.RunID, "feedback %d", i)
	}
}

func TestEvaluateRestoresInputOrder(t *testing.T) {
	c := newCollaborators(5)
	delays := []time.Duration{25, 5, 15, 1, 10}

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			time.Sleep(delays[inputs["i"].(int)] * time.Millisecond)
			return double(ctx, inputs)
		},
		Evaluators: []Evaluator{
			Func("exact", exact),
			Func("slow", func(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
				time.Sleep(delays[len(delays)-1-ex.Inputs["i"].(int)] * time.Millisecond)
				return Result{Value: "ok"}, nil
			}),
		},
		Examples:              c.ListExamples(context.Background(), c.dataset.ID),
		TargetConcurrency:     5,
		EvaluationConcurrency: 10,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 10)

	for i, row := range res.Rows {
		assert.Equal(t, i/2, row.Index)
		assert.Equal(t, i%2, row.EvaluatorIndex)
		assert.Equal(t, i/2, row.Example.Inputs["i"])
		require.NoError(t, row.Err)
	}
	assert.Equal(t, "exact", res.Rows[0].Evaluator)
	assert.Equal(t, "slow", res.Rows[1].Evaluator)
}

func TestEvaluateTracesAndSubmitsFeedback(t *testing.T) {
	c := newCollaborators(2)
	s := &sink{}

	res, err := Evaluate(context.Background(), Config{
		Target:     double,
		Evaluators: []Evaluator{Func("exact", exact)},
		Dataset:    "qa",
		Datasets:   c,
		Projects:   c,
		Feedback:   c,
		Sink:       s,
		Experiment: "exp-1",
		Metadata:   map[string]any{"model": "m"},
	})
	require.NoError(t, err)

	require.Len(t, c.projects, 1)
	project := c.projects[res.ProjectID]
	require.NotNil(t, project)
	assert.Equal(t, "exp-1", project.Name)
	require.NotNil(t, project.ReferenceDatasetID)
	assert.Equal(t, c.dataset.ID, *project.ReferenceDatasetID)
	assert.NotNil(t, project.EndTime)

	targets := s.creates("exp-1")
	require.Len(t, targets, 2)
	for _, p := range targets {
		require.NotNil(t, p.ReferenceExampleID)
	}
	evaluatorRuns := s.creates(EvaluatorsProject)
	require.Len(t, evaluatorRuns, 2)

	require.Len(t, c.feedback, 2)
	for _, fb := range c.feedback {
		assert.Equal(t, "exact", fb.Key)
		require.NotNil(t, fb.Score)
		assert.Equal(t, 1.0, *fb.Score)
		require.NotNil(t, fb.SourceRunID)
	}
	runIDs := []uuid.UUID{res.Rows[0].Run.ID, res.Rows[1].Run.ID}
	assert.ElementsMatch(t, runIDs, []uuid.UUID{c.feedback[0].RunID, c.feedback[1].RunID})
}

func TestFeedbackForForeignRunIsRejected(t *testing.T) {
	c := newCollaborators(3)
	stranger := uuid.New()

	res, err := Evaluate(context.Background(), Config{
		Target: double,
		Evaluators: []Evaluator{
			Func("rogue", func(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
				if ex.Inputs["i"] == 1 {
					return Result{Score: Score(1), TargetRunID: &stranger}, nil
				}
				return Result{Score: Score(1)}, nil
			}),
		},
		Examples: c.ListExamples(context.Background(), c.dataset.ID),
		Feedback: c,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 3)

	assert.NoError(t, res.Rows[0].Err)
	assert.Equal(t, errs.KindProtocol, errs.KindOf(res.Rows[1].Err))
	assert.Nil(t, res.Rows[1].Result)
	assert.NoError(t, res.Rows[2].Err)
	assert.Len(t, c.feedback, 2)
	assert.Len(t, res.Failed(), 1)
}

func TestEvaluatorFailuresStayOnTheirRow(t *testing.T) {
	c := newCollaborators(2)

	res, err := Evaluate(context.Background(), Config{
		Target: double,
		Evaluators: []Evaluator{
			Func("panics", func(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
				panic("evaluator bug")
			}),
			Func("errors", func(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
				return Result{}, errors.New("judge unavailable")
			}),
			Func("exact", exact),
		},
		Examples:              c.ListExamples(context.Background(), c.dataset.ID),
		EvaluationConcurrency: 3,
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 6)

	for _, row := range res.Rows {
		switch row.Evaluator {
		case "panics":
			assert.ErrorContains(t, row.Err, "evaluator bug")
		case "errors":
			assert.ErrorContains(t, row.Err, "judge unavailable")
		case "exact":
			require.NoError(t, row.Err)
			assert.Equal(t, "exact", row.Result.Key)
		}
	}
}

func TestTargetFailureIsEvaluated(t *testing.T) {
	c := newCollaborators(2)
	s := &sink{}

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			if inputs["i"] == 0 {
				return nil, errors.New("model refused")
			}
			return double(ctx, inputs)
		},
		Evaluators: []Evaluator{Func("has_error", func(ctx context.Context, run TargetRun, ex backend.Example) (Result, error) {
			if run.Error != "" {
				return Result{Score: Score(0), Comment: run.Error}, nil
			}
			return Result{Score: Score(1)}, nil
		})},
		Examples:   c.ListExamples(context.Background(), c.dataset.ID),
		Sink:       s,
		Experiment: "failing",
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "model refused", res.Rows[0].Result.Comment)
	assert.Equal(t, 1.0, *res.Rows[1].Result.Score)
}

func TestTargetChildRunsJoinTrace(t *testing.T) {
	c := newCollaborators(1)
	s := &sink{}

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			child, _, err := runtree.Start(ctx, runtree.Config{Name: "llm", RunType: runtree.RunTypeLLM})
			if err != nil {
				return nil, err
			}
			return map[string]any{"ok": true}, child.End(nil, nil)
		},
		Examples:   c.ListExamples(context.Background(), c.dataset.ID),
		Sink:       s,
		Experiment: "nested",
	})
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, -1, res.Rows[0].EvaluatorIndex)

	creates := s.creates("nested")
	require.Len(t, creates, 2)
	root := res.Rows[0].Run
	for _, p := range creates {
		assert.Equal(t, root.TraceID, p.TraceID)
	}
}

func TestNumRepetitions(t *testing.T) {
	c := newCollaborators(2)
	var calls atomic.Int32

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			calls.Add(1)
			return double(ctx, inputs)
		},
		Evaluators:        []Evaluator{Func("exact", exact)},
		Examples:          c.ListExamples(context.Background(), c.dataset.ID),
		NumRepetitions:    3,
		TargetConcurrency: 2,
	})
	require.NoError(t, err)
	assert.Equal(t, int32(6), calls.Load())
	require.Len(t, res.Rows, 6)
	for i, row := range res.Rows {
		assert.Equal(t, i, row.Index)
		assert.Equal(t, i%3, row.Repetition)
		assert.Equal(t, i/3, row.Example.Inputs["i"])
	}
}

func TestSummaryEvaluatorsAndAggregate(t *testing.T) {
	c := newCollaborators(4)

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			// wrong on odd inputs
			i := inputs["i"].(int)
			return map[string]any{"got": i*2 + i%2}, nil
		},
		Evaluators: []Evaluator{Func("exact", exact)},
		SummaryEvaluators: []SummaryEvaluator{
			func(ctx context.Context, runs []TargetRun, examples []backend.Example) ([]Result, error) {
				return []Result{{Key: "count", Score: Score(float64(len(runs)))}}, nil
			},
			func(ctx context.Context, runs []TargetRun, examples []backend.Example) ([]Result, error) {
				return nil, errors.New("skipped")
			},
		},
		Examples:          c.ListExamples(context.Background(), c.dataset.ID),
		TargetConcurrency: 4,
	})
	require.NoError(t, err)

	require.Len(t, res.Summary, 1)
	assert.Equal(t, 4.0, *res.Summary[0].Score)

	agg := res.Aggregate()
	require.Contains(t, agg, "exact")
	stats := agg["exact"]
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 0.5, stats.Mean, 1e-9)
	assert.Equal(t, 0.0, stats.Min)
	assert.Equal(t, 1.0, stats.Max)
	assert.Greater(t, stats.StdDev, 0.0)
	assert.Equal(t, []string{"exact"}, res.Keys())
}

func TestDatasetMismatchIsValidationError(t *testing.T) {
	c := newCollaborators(2)
	foreign := backend.Example{ID: uuid.New(), DatasetID: uuid.New(), Inputs: map[string]any{"i": 9}}

	_, err := Evaluate(context.Background(), Config{
		Target:   double,
		Dataset:  "qa",
		Datasets: c,
		Examples: func(yield func(backend.Example, error) bool) {
			if !yield(c.examples[0], nil) {
				return
			}
			yield(foreign, nil)
		},
	})
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestConfigValidation(t *testing.T) {
	c := newCollaborators(1)
	examples := c.ListExamples(context.Background(), c.dataset.ID)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no target", Config{Examples: examples}},
		{"negative target concurrency", Config{Target: double, Examples: examples, TargetConcurrency: -1}},
		{"negative evaluation concurrency", Config{Target: double, Examples: examples, EvaluationConcurrency: -2}},
		{"negative repetitions", Config{Target: double, Examples: examples, NumRepetitions: -1}},
		{"nil evaluator", Config{Target: double, Examples: examples, Evaluators: []Evaluator{nil}}},
		{"no input", Config{Target: double}},
		{"dataset without reader", Config{Target: double, Dataset: "qa"}},
		{"unknown dataset", Config{Target: double, Dataset: "missing", Datasets: c}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Evaluate(context.Background(), tt.cfg)
			assert.Equal(t, errs.KindValidation, errs.KindOf(err))
		})
	}
}

func TestStreamYieldsInCompletionOrder(t *testing.T) {
	c := newCollaborators(3)
	delays := map[int]time.Duration{0: 40 * time.Millisecond, 1: 1 * time.Millisecond, 2: 20 * time.Millisecond}

	var order []int
	for row, err := range Stream(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			time.Sleep(delays[inputs["i"].(int)])
			return double(ctx, inputs)
		},
		Evaluators:            []Evaluator{Func("exact", exact)},
		Examples:              c.ListExamples(context.Background(), c.dataset.ID),
		TargetConcurrency:     3,
		EvaluationConcurrency: 3,
	}) {
		require.NoError(t, err)
		order = append(order, row.Index)
	}
	assert.Equal(t, []int{1, 2, 0}, order)
}

func TestSourceErrorAbortsPipeline(t *testing.T) {
	broken := errors.New("page fetch failed")
	var calls atomic.Int32

	res, err := Evaluate(context.Background(), Config{
		Target: func(ctx context.Context, inputs map[string]any) (map[string]any, error) {
			calls.Add(1)
			return double(ctx, inputs)
		},
		Examples: func(yield func(backend.Example, error) bool) {
			if !yield(backend.Example{Inputs: map[string]any{"i": 0}}, nil) {
				return
			}
			yield(backend.Example{}, broken)
		},
	})
	assert.ErrorIs(t, err, broken)
	require.NotNil(t, res)
	assert.LessOrEqual(t, len(res.Rows), 1)
}

func TestEvalMetrics(t *testing.T) {
	c := newCollaborators(2)
	m := monitoring.NewMetrics(prometheus.NewRegistry())

	_, err := Evaluate(context.Background(), Config{
		Target:     double,
		Evaluators: []Evaluator{Func("exact", exact)},
		Examples:   c.ListExamples(context.Background(), c.dataset.ID),
		Metrics:    m,
	})
	require.NoError(t, err)

	families, err := gather(m)
	require.NoError(t, err)
	assert.Equal(t, 2.0, families[fmt.Sprintf("%s/%s", stageTarget, "success")])
	assert.Equal(t, 2.0, families[fmt.Sprintf("%s/%s", stageEvaluator, "success")])
}

// gather reads the eval task counter by stage/outcome.
func gather(m *monitoring.Metrics) (map[string]float64, error) {
	out := make(map[string]float64)
	for _, stage := range []string{stageTarget, stageEvaluator} {
		for _, outcome := range []string{"success", "error"} {
			c, err := m.EvalTasks.GetMetricWithLabelValues(stage, outcome)
			if err != nil {
				return nil, err
			}
			out[stage+"/"+outcome] = testutil.ToFloat64(c)
		}
	}
	return out, nil
}
