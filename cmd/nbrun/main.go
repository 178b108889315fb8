// Package main is the entry point for the nbrun binary.
// It executes a parameterized notebook and reports the values it records.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/polisai/nbrun/pkg/config"
	"github.com/polisai/nbrun/pkg/domain"
	"github.com/polisai/nbrun/pkg/logging"
	"github.com/polisai/nbrun/pkg/notebook"
	"github.com/polisai/nbrun/pkg/policy"
	"github.com/polisai/nbrun/pkg/runner"
	"github.com/polisai/nbrun/pkg/telemetry"
	"github.com/polisai/nbrun/pkg/tracking"
	"github.com/polisai/nbrun/pkg/tracking/backends"
	"github.com/polisai/nbrun/pkg/watch"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(domain.ExitCode(err))
	}
}

// CLIConfig holds the parsed CLI flags
type CLIConfig struct {
	ConfigPath string
	Kernel     string
	Input      string
	Output     string
	X          int
	Y          int
	Params     []string
	LogLevel   string
	Tracking   string
	Policy     string
	Watch      bool

	// changed records which flags were set explicitly.
	changed map[string]bool
}

// newRootCmd creates the root command for nbrun. Metric echoes go to console.
func newRootCmd(console io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "nbrun",
		Short: "Run a parameterized notebook and report its metrics",
		Long: `Executes a notebook with papermill, injecting parameters, then reads back the
values the notebook recorded and reports them to the attached experiment
tracking run. Without a tracking run, values are printed to the console.

Example:
  nbrun -k python3 -i hello_world.ipynb -o outputs/hello_world_output.ipynb -x 5 -y 2`,
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotebook(cmd, console)
		},
	}

	defaults := config.DefaultConfig()
	flags := rootCmd.Flags()
	flags.StringP("kernel-name", "k", defaults.Notebook.Kernel, "Jupyter kernel name")
	flags.StringP("input", "i", defaults.Notebook.Input, "Input notebook path")
	flags.StringP("output", "o", defaults.Notebook.Output, "Output notebook path")
	flags.IntP("x", "x", 1, "Notebook parameter x")
	flags.IntP("y", "y", 1, "Notebook parameter y")
	flags.StringArrayP("param", "p", nil, "Notebook parameter NAME=VALUE (repeatable, numeric values)")
	flags.StringP("config", "c", "", "Path to configuration file (YAML)")
	flags.StringP("log-level", "l", defaults.Logging.Level, "Log level (debug, info, warn, error)")
	flags.String("tracking", "", "Tracking backend (auto, none, http, pushgateway, otel, duckdb)")
	flags.String("policy", "", "Rego policy file evaluated against the parameters")
	flags.Bool("watch", false, "Re-run whenever the input notebook or config file changes")

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", err, domain.ErrConfigInvalid)
	})

	return rootCmd
}

// parseCLIConfig parses command line flags and returns a CLIConfig
func parseCLIConfig(cmd *cobra.Command) (*CLIConfig, error) {
	flags := cmd.Flags()
	cli := &CLIConfig{changed: map[string]bool{}}

	var err error
	if cli.Kernel, err = flags.GetString("kernel-name"); err != nil {
		return nil, fmt.Errorf("failed to get kernel-name flag: %w", err)
	}
	if cli.Input, err = flags.GetString("input"); err != nil {
		return nil, fmt.Errorf("failed to get input flag: %w", err)
	}
	if cli.Output, err = flags.GetString("output"); err != nil {
		return nil, fmt.Errorf("failed to get output flag: %w", err)
	}
	if cli.X, err = flags.GetInt("x"); err != nil {
		return nil, fmt.Errorf("failed to get x flag: %w", err)
	}
	if cli.Y, err = flags.GetInt("y"); err != nil {
		return nil, fmt.Errorf("failed to get y flag: %w", err)
	}
	if cli.Params, err = flags.GetStringArray("param"); err != nil {
		return nil, fmt.Errorf("failed to get param flag: %w", err)
	}
	if cli.ConfigPath, err = flags.GetString("config"); err != nil {
		return nil, fmt.Errorf("failed to get config flag: %w", err)
	}
	if cli.LogLevel, err = flags.GetString("log-level"); err != nil {
		return nil, fmt.Errorf("failed to get log-level flag: %w", err)
	}
	if cli.Tracking, err = flags.GetString("tracking"); err != nil {
		return nil, fmt.Errorf("failed to get tracking flag: %w", err)
	}
	if cli.Policy, err = flags.GetString("policy"); err != nil {
		return nil, fmt.Errorf("failed to get policy flag: %w", err)
	}
	if cli.Watch, err = flags.GetBool("watch"); err != nil {
		return nil, fmt.Errorf("failed to get watch flag: %w", err)
	}

	for _, name := range []string{"kernel-name", "input", "output", "x", "y", "log-level"} {
		cli.changed[name] = flags.Changed(name)
	}

	return cli, nil
}

// buildConfig loads the config file and environment, then applies explicit flags.
func buildConfig(cli *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cli.ConfigPath)
	if err != nil {
		if !errors.Is(err, domain.ErrConfigInvalid) {
			err = fmt.Errorf("%w: %w", err, domain.ErrConfigInvalid)
		}
		return nil, err
	}

	if cli.changed["kernel-name"] {
		cfg.Notebook.Kernel = cli.Kernel
	}
	if cli.changed["input"] {
		cfg.Notebook.Input = cli.Input
	}
	if cli.changed["output"] {
		cfg.Notebook.Output = cli.Output
	}
	if cli.changed["log-level"] {
		cfg.Logging.Level = cli.LogLevel
	}

	params := make(map[string]any, len(cfg.Notebook.Parameters)+len(cli.Params))
	for k, v := range cfg.Notebook.Parameters {
		params[k] = v
	}
	if cli.changed["x"] {
		params["x"] = cli.X
	}
	if cli.changed["y"] {
		params["y"] = cli.Y
	}
	for _, raw := range cli.Params {
		name, value, err := config.ParseParameter(raw)
		if err != nil {
			return nil, err
		}
		params[name] = value
	}
	cfg.Notebook.Parameters = params

	if cli.Tracking != "" {
		cfg.Tracking.Backend = cli.Tracking
	}
	if cli.Policy != "" {
		cfg.Policy.File = cli.Policy
	}
	if cli.Watch {
		cfg.Watch.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// runNotebook is the main entry point for the root command
func runNotebook(cmd *cobra.Command, console io.Writer) error {
	cli, err := parseCLIConfig(cmd)
	if err != nil {
		return err
	}

	cfg, err := buildConfig(cli)
	if err != nil {
		return err
	}

	logger := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Pretty: cfg.Logging.Pretty || logging.IsTerminal(os.Stderr),
	})
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := setupTelemetry(ctx, cfg)
	if err != nil {
		logger.Warn("Telemetry disabled", "error", err)
	} else {
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				logger.Debug("Telemetry shutdown failed", "error", err)
			}
		}()
	}

	resolver := backends.NewResolver(cfg, logger)
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("Failed to close tracking run", "error", err)
		}
	}()

	evaluator, err := loadPolicy(ctx, cfg)
	if err != nil {
		return err
	}

	logger.Info("Starting nbrun",
		"input", cfg.Notebook.Input,
		"output", cfg.Notebook.Output,
		"kernel", cfg.Notebook.Kernel,
		"parameters", cfg.Notebook.ParameterNames(),
		"tracking", cfg.Tracking.Backend,
	)

	if !cfg.Watch.Enabled {
		r, err := newRunner(cfg, evaluator, resolver, console, logger)
		if err != nil {
			return err
		}
		return r.Run(ctx)
	}

	w, err := watch.New([]string{cfg.Notebook.Input, cli.ConfigPath}, cfg.Watch.Debounce, logger)
	if err != nil {
		return err
	}
	return w.Run(ctx, func(ctx context.Context) error {
		// Reload so config edits apply to the next run; the tracking run stays attached.
		current, err := buildConfig(cli)
		if err != nil {
			return err
		}
		r, err := newRunner(current, evaluator, resolver, console, logger)
		if err != nil {
			return err
		}
		return r.Run(ctx)
	})
}

func newRunner(cfg *config.Config, evaluator policy.Evaluator, resolver *tracking.Resolver, console io.Writer, logger *slog.Logger) (*runner.Runner, error) {
	return runner.New(runner.Options{
		Config:   cfg,
		Executor: notebook.NewPapermillExecutor(cfg.Engine, logger),
		Policy:   evaluator,
		Resolver: resolver,
		Console:  console,
		Logger:   logger,
	})
}

func loadPolicy(ctx context.Context, cfg *config.Config) (policy.Evaluator, error) {
	if strings.TrimSpace(cfg.Policy.File) == "" {
		return nil, nil
	}
	engine, err := policy.LoadFile(ctx, cfg.Policy.File, cfg.Policy.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("load policy: %w: %w", err, domain.ErrConfigInvalid)
	}
	return engine, nil
}

func setupTelemetry(ctx context.Context, cfg *config.Config) (telemetry.ShutdownFunc, error) {
	tcfg := telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		Insecure:    cfg.Telemetry.Insecure,
	}

	traceShutdown, err := telemetry.SetupProvider(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	meterShutdown, err := telemetry.SetupMeterProvider(ctx, tcfg)
	if err != nil {
		_ = traceShutdown(ctx)
		return nil, err
	}

	return func(ctx context.Context) error {
		return errors.Join(meterShutdown(ctx), traceShutdown(ctx))
	}, nil
}
