package main

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"text/tabwriter"

	"github.com/GriffinCanCode/runtrace/internal/backend"
	"github.com/GriffinCanCode/runtrace/internal/eval"
	"github.com/spf13/cobra"
)

func newEvalCmd(g *globals) *cobra.Command {
	var (
		dataset     string
		prefix      string
		repetitions int
		targetConc  int
		evalConc    int
	)
	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Run a smoke evaluation over a dataset",
		Long: `Evaluates an echo target, which returns each example's inputs, against the
dataset's reference outputs with an exact-match evaluator. Useful to check
that a backend serves datasets and records experiments end to end.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.app()
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			exp := a.Experiment(echo, eval.Func("exact_match", exactMatch))
			exp.Dataset = dataset
			exp.ExperimentPrefix = prefix
			exp.NumRepetitions = repetitions
			if cmd.Flags().Changed("target-concurrency") {
				exp.TargetConcurrency = targetConc
			}
			if cmd.Flags().Changed("eval-concurrency") {
				exp.EvaluationConcurrency = evalConc
			}

			results, err := eval.Evaluate(cmd.Context(), exp)
			if results != nil {
				printResults(cmd.OutOrStdout(), results)
			}
			return err
		},
	}
	f := cmd.Flags()
	f.StringVar(&dataset, "dataset", "", "dataset name (required)")
	f.StringVar(&prefix, "prefix", "", "experiment name prefix")
	f.IntVar(&repetitions, "repetitions", 1, "runs per example")
	f.IntVar(&targetConc, "target-concurrency", 0, "concurrent target runs (default from config)")
	f.IntVar(&evalConc, "eval-concurrency", 0, "concurrent evaluator runs (default from config)")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}

func echo(_ context.Context, inputs map[string]any) (map[string]any, error) {
	return inputs, nil
}

func exactMatch(_ context.Context, run eval.TargetRun, ex backend.Example) (eval.Result, error) {
	score := 0.0
	if run.Error == "" && reflect.DeepEqual(run.Outputs, ex.Outputs) {
		score = 1
	}
	return eval.Result{Score: eval.Score(score)}, nil
}

func printResults(w io.Writer, r *eval.Results) {
	fmt.Fprintf(w, "experiment %s: %d rows, %d failed\n", r.Experiment, len(r.Rows), len(r.Failed()))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tN\tMEAN\tSTDDEV\tMEDIAN\tMIN\tMAX")
	agg := r.Aggregate()
	for _, key := range r.Keys() {
		s := agg[key]
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t%.3f\t%.3f\t%.3f\t%.3f\n", key, s.Count, s.Mean, s.StdDev, s.Median, s.Min, s.Max)
	}
	_ = tw.Flush()
}
