package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/polisai/nbrun/pkg/policy"
)

func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
		ResetMetricsForTest()
	})

	ResetMetricsForTest()
	return reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordExecution(t *testing.T) {
	reader := installManualReader(t)
	ctx := context.Background()

	RecordExecution(ctx, ExecutionMetrics{
		Notebook: "hello_world.ipynb",
		Kernel:   "python3",
		Outcome:  OutcomeSucceeded,
		Duration: 150 * time.Millisecond,
		Outputs:  3,
	})

	metrics := collect(t, reader)

	exec, ok := metrics["nbrun.executions_total"]
	require.True(t, ok, "missing nbrun.executions_total")
	execData, ok := exec.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, execData.DataPoints, 1)
	assert.Equal(t, int64(1), execData.DataPoints[0].Value)
	outcome, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("execution.outcome"))
	require.True(t, ok)
	assert.Equal(t, OutcomeSucceeded, outcome.AsString())

	hist, ok := metrics["nbrun.execution.duration_ms"]
	require.True(t, ok, "missing nbrun.execution.duration_ms")
	histData := hist.Data.(metricdata.Histogram[float64])
	require.Len(t, histData.DataPoints, 1)
	assert.Equal(t, uint64(1), histData.DataPoints[0].Count)
	assert.InDelta(t, 150.0, histData.DataPoints[0].Sum, 0.001)

	gauge, ok := metrics["nbrun.execution.outputs"]
	require.True(t, ok, "missing nbrun.execution.outputs")
	gaugeData := gauge.Data.(metricdata.Gauge[int64])
	require.Len(t, gaugeData.DataPoints, 1)
	assert.Equal(t, int64(3), gaugeData.DataPoints[0].Value)
}

func TestRecordExecutionFailureSkipsOutputs(t *testing.T) {
	reader := installManualReader(t)

	RecordExecution(context.Background(), ExecutionMetrics{Notebook: "nb.ipynb", Outcome: OutcomeFailed})

	metrics := collect(t, reader)
	assert.Contains(t, metrics, "nbrun.executions_total")
	assert.NotContains(t, metrics, "nbrun.execution.outputs")
	assert.NotContains(t, metrics, "nbrun.execution.duration_ms")
}

func TestRecordReport(t *testing.T) {
	reader := installManualReader(t)
	ctx := context.Background()

	RecordReport(ctx, "tracking", "list")
	RecordReport(ctx, "tracking", "list")
	RecordReport(ctx, "console", "scalar")
	RecordReportError(ctx, "http")

	metrics := collect(t, reader)

	reported := metrics["nbrun.metrics.reported_total"].Data.(metricdata.Sum[int64])
	counts := map[string]int64{}
	for _, dp := range reported.DataPoints {
		sink, _ := dp.Attributes.Value(attribute.Key("report.sink"))
		kind, _ := dp.Attributes.Value(attribute.Key("report.kind"))
		counts[sink.AsString()+"/"+kind.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"tracking/list": 2, "console/scalar": 1}, counts)

	errs := metrics["nbrun.metrics.report_errors_total"].Data.(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	backend, _ := errs.DataPoints[0].Attributes.Value(attribute.Key("tracking.backend"))
	assert.Equal(t, "http", backend.AsString())
}

func TestRecordPolicyDecision(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)

	_, span := tp.Tracer("test").Start(context.Background(), "policy")
	RecordPolicyDecision(span, policy.Decision{Allow: false, Reason: "x too large"})
	RecordParameters(span, map[string]any{"y": 1, "x": 2})
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)

	attrs := attribute.NewSet(spans[0].Attributes()...)
	allow, ok := attrs.Value(attribute.Key("policy.decision.allow"))
	require.True(t, ok)
	assert.False(t, allow.AsBool())
	reason, _ := attrs.Value(attribute.Key("policy.decision.reason"))
	assert.Equal(t, "x too large", reason.AsString())
	names, _ := attrs.Value(attribute.Key("notebook.parameters"))
	assert.Equal(t, []string{"x", "y"}, names.AsStringSlice())

	require.Len(t, spans[0].Events(), 1)
	assert.Equal(t, "policy.denied", spans[0].Events()[0].Name)
}
