// Package tracking resolves the experiment-tracking run a process is attached to.
//
// A run is found by capability probes: each backend package exports a Probe that
// reports whether its integration is available in the current environment. The
// Resolver runs the probes once, in order, and caches the first attached handle
// as a Context. Absence of every backend is a normal outcome and is never
// reported as an error.
package tracking
