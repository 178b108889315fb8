// Package trackingtest provides an in-memory tracking.RunHandle for tests.
package trackingtest

import (
	"context"
	"sync"

	"github.com/polisai/nbrun/pkg/tracking"
)

// Call is one recorded LogScalar or LogList invocation.
type Call struct {
	Method string
	Name   string
	Value  string
	Values []float64
}

// Recorder records every call it receives. Err, when set, is returned from
// every call after recording it.
type Recorder struct {
	mu    sync.Mutex
	calls []Call
	Err   error
}

var _ tracking.RunHandle = (*Recorder)(nil)

// LogScalar records a scalar call.
func (r *Recorder) LogScalar(_ context.Context, name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "LogScalar", Name: name, Value: value})
	return r.Err
}

// LogList records a list call.
func (r *Recorder) LogList(_ context.Context, name string, values []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, Call{Method: "LogList", Name: name, Values: append([]float64(nil), values...)})
	return r.Err
}

// Calls returns a copy of the recorded calls.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Probe returns a probe that always attaches r.
func (r *Recorder) Probe(backend string) tracking.Probe {
	return tracking.Probe{
		Backend: backend,
		Find: func(context.Context) (tracking.RunHandle, bool, error) {
			return r, true, nil
		},
	}
}
