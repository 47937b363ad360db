package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newExamplesCmd(g *globals) *cobra.Command {
	var (
		dataset  string
		limit    int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "examples",
		Short: "Print a dataset's examples as JSONL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.app()
			if err != nil {
				return err
			}
			defer a.Close(context.WithoutCancel(cmd.Context()))

			ctx := cmd.Context()
			ds, err := a.Backend.ReadDataset(ctx, dataset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			n := 0
			for ex, err := range a.Backend.WithPageSize(pageSize).ListExamples(ctx, ds.ID) {
				if err != nil {
					return err
				}
				line, err := json.Marshal(ex)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(line))
				n++
				if limit > 0 && n >= limit {
					break
				}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&dataset, "dataset", "", "dataset name (required)")
	f.IntVar(&limit, "limit", 0, "stop after this many examples (0 prints all)")
	f.IntVar(&pageSize, "page-size", 0, "examples per request (0 keeps the client default)")
	_ = cmd.MarkFlagRequired("dataset")
	return cmd
}
