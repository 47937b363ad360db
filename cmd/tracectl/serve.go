package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/GriffinCanCode/runtrace/internal/api/middleware"
	"github.com/GriffinCanCode/runtrace/internal/fakeapi"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/server"
	"github.com/GriffinCanCode/runtrace/internal/shared/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeFakeCmd(g *globals) *cobra.Command {
	var (
		addr    string
		apiKey  string
		rps     float64
		burst   int
		seedArg []string
	)
	cmd := &cobra.Command{
		Use:   "serve-fake",
		Short: "Serve an in-memory tracing backend",
		Long: `Starts an in-memory backend that accepts run batches, multipart uploads,
datasets, projects and feedback. State is lost on exit. Prometheus metrics
are served at /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := g.serverLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			opts := fakeapi.Options{
				Logger:   logger,
				Metrics:  monitoring.NewMetrics(reg),
				Gatherer: reg,
				APIKey:   apiKey,
			}
			if rps > 0 {
				opts.RateLimit = &middleware.RateLimitConfig{RequestsPerSecond: rps, Burst: max(burst, 1)}
			}
			api := fakeapi.New(opts)
			for _, arg := range seedArg {
				name, path, ok := strings.Cut(arg, "=")
				if !ok || name == "" || path == "" {
					return errs.Validationf("seed", "want name=file.jsonl, got %q", arg)
				}
				inputs, outputs, err := readSeed(path)
				if err != nil {
					return err
				}
				ds := api.SeedDataset(name, inputs, outputs)
				logger.Info("seeded dataset",
					zap.String("dataset", ds.Name),
					zap.Stringer("id", ds.ID),
					zap.Int("examples", ds.ExampleCount))
			}

			logger.Info("serving fake backend", zap.String("addr", addr), zap.Bool("auth", apiKey != ""))
			return server.New(addr, api.Handler(), logger).Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", ":1984", "listen address")
	f.StringVar(&apiKey, "require-key", "", "require this x-api-key on every request")
	f.Float64Var(&rps, "rps", 0, "answer 429 past this many requests per second (0 disables)")
	f.IntVar(&burst, "burst", 10, "rate limit burst")
	f.StringArrayVar(&seedArg, "seed", nil, "seed a dataset from name=file.jsonl; each line holds inputs and outputs")
	return cmd
}

// serverLogger builds a logger from the logging section only, so serve-fake
// starts without a backend endpoint.
func (g *globals) serverLogger() (*zap.Logger, error) {
	if g.logger != nil {
		return g.logger, nil
	}
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.LoadFile(g.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	l, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		return nil, err
	}
	return l.Logger, nil
}

// readSeed reads {"inputs":{...},"outputs":{...}} lines.
func readSeed(path string) ([]map[string]any, []map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var inputs, outputs []map[string]any
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), maxLine)
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var ex struct {
			Inputs  map[string]any `json:"inputs"`
			Outputs map[string]any `json:"outputs"`
		}
		if err := json.Unmarshal(sc.Bytes(), &ex); err != nil {
			return nil, nil, errs.Validationf(fmt.Sprintf("%s:%d", path, line), "%v", err)
		}
		inputs = append(inputs, ex.Inputs)
		outputs = append(outputs, ex.Outputs)
	}
	return inputs, outputs, sc.Err()
}
