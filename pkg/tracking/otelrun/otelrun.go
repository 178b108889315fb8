// Package otelrun records run metrics as OpenTelemetry instruments exported
// over OTLP.
package otelrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/polisai/nbrun/pkg/telemetry"
	"github.com/polisai/nbrun/pkg/tracking"
)

// Backend is the name this backend registers under.
const Backend = "otel"

const scopeName = "github.com/polisai/nbrun/tracking"

// Options configure the OTel backend.
type Options struct {
	Endpoint    string
	Insecure    bool
	Interval    time.Duration
	ServiceName string
	// RunID is attached as run.id. A time-ordered UUID is generated when empty.
	RunID string
	// MeterProvider replaces the OTLP provider. The caller keeps ownership.
	MeterProvider metric.MeterProvider
}

// Run writes metrics to a dedicated meter provider.
type Run struct {
	runID    string
	shutdown telemetry.ShutdownFunc

	value metric.Float64Gauge
	info  metric.Int64Counter
	list  metric.Float64Histogram
}

var _ tracking.RunHandle = (*Run)(nil)

// Probe attaches when an OTLP endpoint (or a meter provider) is configured.
func Probe(opts Options) tracking.Probe {
	return tracking.Probe{
		Backend: Backend,
		Find: func(ctx context.Context) (tracking.RunHandle, bool, error) {
			if opts.Endpoint == "" && opts.MeterProvider == nil {
				return nil, false, nil
			}
			run, err := New(ctx, opts)
			if err != nil {
				return nil, false, err
			}
			return run, true, nil
		},
	}
}

// New creates the instruments. Without a MeterProvider an OTLP gRPC provider
// is built from Endpoint and shut down by Close.
func New(ctx context.Context, opts Options) (*Run, error) {
	provider := opts.MeterProvider
	shutdown := telemetry.ShutdownFunc(func(context.Context) error { return nil })

	if provider == nil {
		if opts.Endpoint == "" {
			return nil, errors.New("otel tracking endpoint is required")
		}
		serviceName := opts.ServiceName
		if serviceName == "" {
			serviceName = "nbrun"
		}
		mp, err := telemetry.NewMeterProvider(ctx, telemetry.Config{
			ServiceName:    serviceName,
			Endpoint:       opts.Endpoint,
			Insecure:       opts.Insecure,
			MetricInterval: opts.Interval,
		})
		if err != nil {
			return nil, err
		}
		provider = mp
		shutdown = mp.Shutdown
	}

	runID := opts.RunID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		runID = id.String()
	}

	meter := provider.Meter(scopeName)
	run := &Run{runID: runID, shutdown: shutdown}

	var err error
	if run.value, err = meter.Float64Gauge(
		"nbrun.metric.value",
		metric.WithDescription("Numeric scalar metrics reported by the notebook"),
	); err != nil {
		return nil, fmt.Errorf("create value gauge: %w", err)
	}
	if run.info, err = meter.Int64Counter(
		"nbrun.metric.info",
		metric.WithDescription("Non-numeric metrics reported by the notebook"),
		metric.WithUnit("{report}"),
	); err != nil {
		return nil, fmt.Errorf("create info counter: %w", err)
	}
	if run.list, err = meter.Float64Histogram(
		"nbrun.metric.list",
		metric.WithDescription("Elements of list metrics reported by the notebook"),
	); err != nil {
		return nil, fmt.Errorf("create list histogram: %w", err)
	}

	return run, nil
}

// RunID returns the value of the run.id attribute.
func (r *Run) RunID() string {
	return r.runID
}

// LogScalar records a finite numeric value on the gauge, anything else on the
// info counter.
func (r *Run) LogScalar(ctx context.Context, name, value string) error {
	if f, ok := tracking.ParseNumber(value); ok {
		r.value.Record(ctx, f, r.attrs(name))
		return nil
	}
	r.info.Add(ctx, 1, r.attrs(name, attribute.String("metric.value", value)))
	return nil
}

// LogList records every element on the list histogram.
func (r *Run) LogList(ctx context.Context, name string, values []float64) error {
	attrs := r.attrs(name)
	for _, v := range values {
		r.list.Record(ctx, v, attrs)
	}
	return nil
}

// Close flushes and stops the provider created by New.
func (r *Run) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return r.shutdown(ctx)
}

func (r *Run) attrs(name string, extra ...attribute.KeyValue) metric.MeasurementOption {
	kv := append([]attribute.KeyValue{
		attribute.String("metric.name", name),
		attribute.String("run.id", r.runID),
	}, extra...)
	return metric.WithAttributes(kv...)
}
