package tracking

import (
	"context"
	"io"
)

// RunHandle records metrics against an active tracking run.
type RunHandle interface {
	// LogScalar records a single named value as a string.
	LogScalar(ctx context.Context, name, value string) error

	// LogList records a named ordered sequence of numbers.
	LogList(ctx context.Context, name string, values []float64) error
}

// ProbeFunc looks up the current run for one backend. It returns ok=false when
// the integration is not present. Errors are treated the same as not present.
type ProbeFunc func(ctx context.Context) (handle RunHandle, ok bool, err error)

// Probe is a named capability probe.
type Probe struct {
	Backend string
	Find    ProbeFunc
}

// Context is the resolved run binding of a process: attached to a run handle or
// absent. The zero value is absent.
type Context struct {
	backend string
	handle  RunHandle
}

// Attached binds a context to handle. A nil handle yields an absent context.
func Attached(backend string, handle RunHandle) Context {
	if handle == nil {
		return Context{}
	}
	return Context{backend: backend, handle: handle}
}

// Absent returns the context used when no run is attached.
func Absent() Context {
	return Context{}
}

// IsAttached reports whether a run handle is bound.
func (c Context) IsAttached() bool {
	return c.handle != nil
}

// Handle returns the bound run handle, or nil when absent.
func (c Context) Handle() RunHandle {
	return c.handle
}

// Backend returns the name of the backend that produced the handle.
func (c Context) Backend() string {
	return c.backend
}

// Close releases the handle when the backend needs teardown.
func (c Context) Close() error {
	if closer, ok := c.handle.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c Context) String() string {
	if !c.IsAttached() {
		return "absent"
	}
	return "attached(" + c.backend + ")"
}
