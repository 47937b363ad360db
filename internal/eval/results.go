package eval

import (
	"maps"
	"slices"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Results is the outcome of Evaluate.
type Results struct {
	Experiment string
	// ProjectID is set when the experiment project was created.
	ProjectID uuid.UUID
	// Rows holds (inputs × repetitions × evaluators) rows in input order.
	Rows    []Row
	Summary []Result
}

// Stats summarises the scores recorded under one feedback key.
type Stats struct {
	Count  int
	Mean   float64
	StdDev float64
	Median float64
	Min    float64
	Max    float64
}

// Failed returns the rows that carry an error.
func (r *Results) Failed() []Row {
	var out []Row
	for _, row := range r.Rows {
		if row.Err != nil {
			out = append(out, row)
		}
	}
	return out
}

// Keys returns the feedback keys that have at least one score, sorted.
func (r *Results) Keys() []string {
	return slices.Sorted(maps.Keys(r.scores()))
}

// Aggregate computes per-key statistics over every scored row. Rows without
// a score, and failed rows, are ignored. The median is the lower middle
// value for an even count.
func (r *Results) Aggregate() map[string]Stats {
	out := make(map[string]Stats)
	for key, xs := range r.scores() {
		slices.Sort(xs)
		mean, std := stat.MeanStdDev(xs, nil)
		if len(xs) < 2 {
			std = 0
		}
		out[key] = Stats{
			Count:  len(xs),
			Mean:   mean,
			StdDev: std,
			Median: stat.Quantile(0.5, stat.Empirical, xs, nil),
			Min:    floats.Min(xs),
			Max:    floats.Max(xs),
		}
	}
	return out
}

func (r *Results) scores() map[string][]float64 {
	byKey := make(map[string][]float64)
	for _, row := range r.Rows {
		if row.Result == nil || row.Result.Score == nil {
			continue
		}
		byKey[row.Result.Key] = append(byKey[row.Result.Key], *row.Result.Score)
	}
	return byKey
}
