// Package runner ties notebook execution to metric reporting.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/nbrun/pkg/config"
	"github.com/polisai/nbrun/pkg/domain"
	"github.com/polisai/nbrun/pkg/notebook"
	"github.com/polisai/nbrun/pkg/policy"
	"github.com/polisai/nbrun/pkg/reporter"
	"github.com/polisai/nbrun/pkg/telemetry"
	"github.com/polisai/nbrun/pkg/tracking"
)

// ContextResolver resolves the tracking run context.
type ContextResolver interface {
	Resolve(ctx context.Context) tracking.Context
}

// Options configure a Runner.
type Options struct {
	Config   *config.Config
	Executor notebook.Executor
	// Policy is optional; nil allows every parameter set.
	Policy   policy.Evaluator
	Resolver ContextResolver
	Console  io.Writer
	Logger   *slog.Logger
}

// Runner executes the configured notebook and reports what it recorded.
type Runner struct {
	cfg      *config.Config
	executor notebook.Executor
	policy   policy.Evaluator
	resolver ContextResolver
	console  io.Writer
	logger   *slog.Logger

	mu       sync.Mutex
	reporter *reporter.Reporter
}

// New validates options and creates a runner.
func New(opts Options) (*Runner, error) {
	if opts.Config == nil {
		return nil, errors.New("runner requires a config")
	}
	if opts.Executor == nil {
		return nil, errors.New("runner requires an executor")
	}
	if opts.Resolver == nil {
		opts.Resolver = tracking.NewResolver(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Runner{
		cfg:      opts.Config,
		executor: opts.Executor,
		policy:   opts.Policy,
		resolver: opts.Resolver,
		console:  opts.Console,
		logger:   opts.Logger,
	}, nil
}

// Job returns the execution job derived from the notebook configuration.
func (r *Runner) Job() domain.Job {
	params := make(map[string]any, len(r.cfg.Notebook.Parameters))
	for k, v := range r.cfg.Notebook.Parameters {
		params[k] = v
	}
	return domain.Job{
		Input:      r.cfg.Notebook.Input,
		Output:     r.cfg.Notebook.Output,
		Kernel:     r.cfg.Notebook.Kernel,
		Parameters: params,
	}
}

// Run executes the notebook once. Execution and policy errors are returned;
// reporting never fails a run.
func (r *Runner) Run(ctx context.Context) error {
	job := r.Job()

	ctx, span := telemetry.Tracer().Start(ctx, "nbrun.run", trace.WithAttributes(
		attribute.String("notebook.input", job.Input),
		attribute.String("notebook.output", job.Output),
		attribute.String("notebook.kernel", job.Kernel),
	))
	defer span.End()
	telemetry.RecordParameters(span, job.Parameters)

	if r.policy != nil {
		decision, err := policy.Enforce(ctx, r.policy, policy.Input{
			Notebook:   job.Input,
			Kernel:     job.Kernel,
			Parameters: job.Parameters,
		})
		telemetry.RecordPolicyDecision(span, decision)
		if err != nil {
			outcome := telemetry.OutcomeFailed
			if errors.Is(err, domain.ErrPolicyDenied) {
				outcome = telemetry.OutcomeDenied
			}
			r.fail(ctx, span, job, outcome, 0, err)
			return err
		}
	}

	if err := notebook.EnsureOutputDir(job.Output, r.logger); err != nil {
		r.fail(ctx, span, job, telemetry.OutcomeFailed, 0, err)
		return err
	}

	started := time.Now()
	if err := r.execute(ctx, job); err != nil {
		err = fmt.Errorf("execute %s: %w", job.Input, err)
		r.fail(ctx, span, job, telemetry.OutcomeFailed, time.Since(started), err)
		return err
	}
	elapsed := time.Since(started)

	outputs, err := r.executor.ReadResults(job.Output)
	if err != nil {
		err = fmt.Errorf("read results of %s: %w", job.Output, err)
		r.fail(ctx, span, job, telemetry.OutcomeFailed, elapsed, err)
		return err
	}

	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		Notebook: job.Input,
		Kernel:   job.Kernel,
		Outcome:  telemetry.OutcomeSucceeded,
		Duration: elapsed,
		Outputs:  len(outputs),
	})
	span.SetAttributes(attribute.Int("notebook.outputs", len(outputs)))

	rep := r.reporterFor(ctx)
	rep.ReportAll(ctx, outputs)
	rep.ReportMap(ctx, r.cfg.Report.Extra)

	r.logger.Info("Notebook run complete",
		"notebook", job.Input,
		"outputs", len(outputs),
		"tracking", rep.Context().String(),
		"duration", elapsed,
	)
	return nil
}

func (r *Runner) execute(ctx context.Context, job domain.Job) error {
	ctx, span := telemetry.Tracer().Start(ctx, "nbrun.execute")
	defer span.End()

	if err := r.executor.Execute(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "execution failed")
		return err
	}
	return nil
}

// reporterFor resolves the tracking context on first use.
func (r *Runner) reporterFor(ctx context.Context) *reporter.Reporter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reporter == nil {
		run := r.resolver.Resolve(ctx)
		r.logger.Debug("Using tracking context", "context", run.String())
		r.reporter = reporter.New(run, reporter.Options{Console: r.console, Logger: r.logger})
	}
	return r.reporter
}

func (r *Runner) fail(ctx context.Context, span trace.Span, job domain.Job, outcome string, elapsed time.Duration, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, outcome)
	telemetry.RecordExecution(ctx, telemetry.ExecutionMetrics{
		Notebook: job.Input,
		Kernel:   job.Kernel,
		Outcome:  outcome,
		Duration: elapsed,
	})
}
