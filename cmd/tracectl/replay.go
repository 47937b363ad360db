package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/GriffinCanCode/runtrace/internal/runtree"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var json = sonic.ConfigStd

// maxLine bounds one JSONL record.
const maxLine = 16 << 20

// record is one line of a replay file.
type record struct {
	// Op is "post" for a full run record or "patch" for an update.
	Op  string           `json:"op"`
	Run *runtree.Payload `json:"run"`
}

func newReplayCmd(g *globals) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Submit recorded runs from a JSONL file",
		Long: `Reads one {"op":"post"|"patch","run":{...}} record per line and submits
them through the batching ingest client. Runs without a session name are
recorded in the configured project. "-" reads standard input.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			a, err := g.app()
			if err != nil {
				return err
			}

			n, err := replay(in, a.Config.API.Project, a.Ingest.Submit)
			closeErr := a.Close(context.WithoutCancel(cmd.Context()))
			if err != nil {
				return err
			}
			if closeErr != nil {
				return closeErr
			}

			snap := a.Metrics.Snapshot()
			a.Logger.Info("replay finished",
				zap.Int("records", n),
				zap.Int64("runs_delivered", snap.RunsDelivered),
				zap.Int64("batches_failed", snap.BatchesFailed))
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d records (%d runs delivered, %d failed batches)\n",
				n, snap.RunsDelivered, snap.BatchesFailed)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "JSONL file of recorded runs")
	return cmd
}

// replay decodes records from r and hands them to submit. It stops at the
// first malformed or rejected record and reports its line.
func replay(r io.Reader, project string, submit func(runtree.Operation) error) (int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64<<10), maxLine)

	n, line := 0, 0
	for sc.Scan() {
		line++
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return n, errs.Validationf(fmt.Sprintf("line %d", line), "%v", err)
		}
		if rec.Run == nil {
			return n, errs.Validationf(fmt.Sprintf("line %d", line), "missing run")
		}

		op := runtree.Operation{Payload: rec.Run, Final: rec.Run.EndTime != nil}
		switch rec.Op {
		case "post", "":
			op.Kind = runtree.OpCreate
			if rec.Run.SessionName == "" {
				rec.Run.SessionName = project
			}
		case "patch":
			op.Kind = runtree.OpUpdate
		default:
			return n, errs.Validationf(fmt.Sprintf("line %d", line), "unknown op %q", rec.Op)
		}

		if err := submit(op); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		n++
	}
	return n, sc.Err()
}
