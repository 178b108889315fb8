package reporter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"sync"

	"github.com/polisai/nbrun/pkg/domain"
	"github.com/polisai/nbrun/pkg/telemetry"
	"github.com/polisai/nbrun/pkg/tracking"
)

// Notice is printed before each console-only report.
const Notice = "No tracking run attached; printing metrics only."

const (
	sinkTracking = "tracking"
	sinkConsole  = "console"
)

// Record is a named metric value.
type Record = domain.Output

// Options configure a Reporter.
type Options struct {
	// Console receives the echo and notice lines. Defaults to os.Stdout.
	Console io.Writer
	// Logger receives backend failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Reporter dispatches metric records to exactly one sink.
type Reporter struct {
	run     tracking.Context
	console io.Writer
	logger  *slog.Logger

	mu sync.Mutex
}

// New creates a reporter bound to an already resolved run context.
func New(run tracking.Context, opts Options) *Reporter {
	if opts.Console == nil {
		opts.Console = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reporter{
		run:     run,
		console: opts.Console,
		logger:  opts.Logger,
	}
}

// Context returns the run context the reporter dispatches to.
func (r *Reporter) Context() tracking.Context {
	return r.run
}

// Report routes value to the attached run, or prints the notice when no run is
// attached, then echoes "<name> = <value>" to the console.
func (r *Reporter) Report(ctx context.Context, name string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		r.logger.Warn("Reporting metric with empty name")
	}

	rendered := r.render(value)
	kind := KindScalar

	if r.run.IsAttached() {
		kind = r.send(ctx, name, value, rendered)
		telemetry.RecordReport(ctx, sinkTracking, string(kind))
	} else {
		r.println(Notice)
		if _, ok := NumericList(value); ok {
			kind = KindList
		}
		telemetry.RecordReport(ctx, sinkConsole, string(kind))
	}

	r.println(name + " = " + rendered)
}

// ReportAll reports records in order.
func (r *Reporter) ReportAll(ctx context.Context, records []Record) {
	for _, rec := range records {
		r.Report(ctx, rec.Name, rec.Value)
	}
}

// ReportMap reports every entry of values in name order.
func (r *Reporter) ReportMap(ctx context.Context, values map[string]any) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		r.Report(ctx, name, values[name])
	}
}

func (r *Reporter) send(ctx context.Context, name string, value any, rendered string) (kind Kind) {
	handle := r.run.Handle()
	kind = KindScalar

	defer func() {
		if rec := recover(); rec != nil {
			r.backendFailed(ctx, name, fmt.Errorf("tracking backend panicked: %v", rec))
		}
	}()

	var err error
	if values, ok := NumericList(value); ok {
		kind = KindList
		err = handle.LogList(ctx, name, values)
	} else {
		err = handle.LogScalar(ctx, name, rendered)
	}
	if err != nil {
		r.backendFailed(ctx, name, err)
	}
	return kind
}

func (r *Reporter) backendFailed(ctx context.Context, name string, err error) {
	r.logger.Warn("Tracking backend rejected metric",
		"backend", r.run.Backend(),
		"metric", name,
		"error", err,
	)
	telemetry.RecordReportError(ctx, r.run.Backend())
}

// render never panics; a value whose String method panics falls back to %v.
func (r *Reporter) render(value any) (s string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Debug("Formatting metric value failed", "error", rec)
			s = fmt.Sprintf("%#v", value)
		}
	}()
	return FormatValue(value)
}

func (r *Reporter) println(line string) {
	if _, err := fmt.Fprintln(r.console, line); err != nil {
		r.logger.Debug("Console write failed", "error", err)
	}
}
