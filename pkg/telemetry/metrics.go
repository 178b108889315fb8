package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Execution outcomes.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeDenied    = "denied"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	executionCounter     metric.Int64Counter
	executionDuration    metric.Float64Histogram
	reportedCounter      metric.Int64Counter
	reportErrorCounter   metric.Int64Counter
	notebookOutputsGauge metric.Int64Gauge
)

// ExecutionMetrics captures the fields needed to record one notebook execution.
type ExecutionMetrics struct {
	Notebook string
	Kernel   string
	Outcome  string
	Duration time.Duration
	Outputs  int
}

// RecordExecution emits counters and histograms that describe a notebook execution.
func RecordExecution(ctx context.Context, m ExecutionMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("notebook.path", m.Notebook),
		attribute.String("notebook.kernel", m.Kernel),
		attribute.String("execution.outcome", m.Outcome),
	)

	executionCounter.Add(ctx, 1, attrs)

	if m.Duration > 0 {
		executionDuration.Record(ctx, float64(m.Duration)/float64(time.Millisecond), attrs)
	}

	if m.Outcome == OutcomeSucceeded {
		notebookOutputsGauge.Record(ctx, int64(m.Outputs), attrs)
	}
}

// RecordReport counts one reported metric. sink is "tracking" or "console",
// kind is "list" or "scalar".
func RecordReport(ctx context.Context, sink, kind string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	reportedCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("report.sink", sink),
		attribute.String("report.kind", kind),
	))
}

// RecordReportError counts a tracking call that failed.
func RecordReportError(ctx context.Context, backend string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	reportErrorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("tracking.backend", backend)))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter(instrumentationName)

		executionCounter, metricsInitErr = meter.Int64Counter(
			"nbrun.executions_total",
			metric.WithDescription("Notebook executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		executionDuration, metricsInitErr = meter.Float64Histogram(
			"nbrun.execution.duration_ms",
			metric.WithDescription("Observed notebook execution latency"),
			metric.WithUnit("ms"),
		)
		if metricsInitErr != nil {
			return
		}

		notebookOutputsGauge, metricsInitErr = meter.Int64Gauge(
			"nbrun.execution.outputs",
			metric.WithDescription("Values recorded by the last successful execution"),
			metric.WithUnit("{value}"),
		)
		if metricsInitErr != nil {
			return
		}

		reportedCounter, metricsInitErr = meter.Int64Counter(
			"nbrun.metrics.reported_total",
			metric.WithDescription("Metrics reported partitioned by sink and kind"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		reportErrorCounter, metricsInitErr = meter.Int64Counter(
			"nbrun.metrics.report_errors_total",
			metric.WithDescription("Tracking backend calls that returned an error"),
			metric.WithUnit("{count}"),
		)
	})

	return metricsInitErr
}
