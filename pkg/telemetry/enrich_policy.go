package telemetry

import (
	"sort"

	"github.com/polisai/nbrun/pkg/policy"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RecordPolicyDecision annotates the provided span with the parameter policy outcome.
func RecordPolicyDecision(span trace.Span, decision policy.Decision) {
	if !span.IsRecording() {
		return
	}

	span.SetAttributes(attribute.Bool("policy.decision.allow", decision.Allow))
	if decision.Reason != "" {
		span.SetAttributes(attribute.String("policy.decision.reason", decision.Reason))
	}

	if !decision.Allow {
		span.AddEvent("policy.denied")
	}
}

// RecordParameters attaches the parameter names injected into the notebook.
// Values are left out since they may be sensitive.
func RecordParameters(span trace.Span, params map[string]any) {
	if !span.IsRecording() || len(params) == 0 {
		return
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	span.SetAttributes(
		attribute.StringSlice("notebook.parameters", names),
		attribute.Int("notebook.parameters.count", len(names)),
	)
}
