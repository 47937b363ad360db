package main

import (
	"github.com/GriffinCanCode/runtrace/internal/app"
	"github.com/GriffinCanCode/runtrace/internal/infrastructure/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	configPath string
	endpoint   string
	apiKey     string
	project    string
	logLevel   string

	// logger replaces the configured logger; tests set it.
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	return newRoot(&globals{})
}

func newRoot(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "tracectl",
		Short:         "Record, replay and evaluate traced runs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&g.configPath, "config", "", "YAML or TOML config file layered over the environment")
	f.StringVar(&g.endpoint, "endpoint", "", "backend URL (overrides config)")
	f.StringVar(&g.apiKey, "api-key", "", "backend API key (overrides config)")
	f.StringVar(&g.project, "project", "", "project for runs without one (overrides config)")
	f.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(
		newReplayCmd(g),
		newEvalCmd(g),
		newExamplesCmd(g),
		newServeFakeCmd(g),
	)
	return root
}

// load reads the config file and applies flag overrides.
func (g *globals) load() (*config.Config, error) {
	cfg, err := config.LoadFile(g.configPath)
	if err != nil {
		return nil, err
	}
	if g.endpoint != "" {
		cfg.API.Endpoint = g.endpoint
	}
	if g.apiKey != "" {
		cfg.API.APIKey = g.apiKey
	}
	if g.project != "" {
		cfg.API.Project = g.project
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, cfg.Validate()
}

func (g *globals) app() (*app.App, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	var opts []app.Option
	if g.logger != nil {
		opts = append(opts, app.WithLogger(g.logger))
	}
	return app.New(cfg, opts...)
}
