// Package telemetry wires OpenTelemetry exporters and meters for the notebook runner.
//
// It sets up the trace and meter providers used to observe the runner itself
// (executions, durations, reported metrics and backend failures) and offers
// helpers that annotate spans with parameter policy decisions. The runner's own
// telemetry is independent of the tracking backend that receives notebook
// results.
package telemetry
