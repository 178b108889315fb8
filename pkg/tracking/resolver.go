package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Resolver resolves the run context once and caches it.
type Resolver struct {
	probes []Probe
	logger *slog.Logger

	once     sync.Once
	mu       sync.Mutex
	result   Context
	resolved bool
	closed   bool
}

// NewResolver creates a resolver that tries probes in order.
func NewResolver(logger *slog.Logger, probes ...Probe) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		probes: probes,
		logger: logger,
	}
}

// Resolve returns the run context, probing backends on the first call only.
// It never fails: probe errors and panics are logged and count as absent.
func (r *Resolver) Resolve(ctx context.Context) Context {
	r.once.Do(func() {
		result := r.resolve(ctx)
		r.logger.Debug("Tracking context resolved", "context", result.String())

		r.mu.Lock()
		r.result, r.resolved = result, true
		r.mu.Unlock()
	})

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Close releases the resolved handle. It never probes and is safe to call
// more than once.
func (r *Resolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.resolved || r.closed {
		return nil
	}
	r.closed = true
	return r.result.Close()
}

func (r *Resolver) resolve(ctx context.Context) Context {
	for _, probe := range r.probes {
		if probe.Find == nil {
			continue
		}

		handle, ok, err := safeFind(ctx, probe)
		if err != nil {
			r.logger.Debug("Tracking backend unavailable", "backend", probe.Backend, "error", err)
			continue
		}
		if !ok || handle == nil {
			r.logger.Debug("Tracking backend not configured", "backend", probe.Backend)
			continue
		}

		return Attached(probe.Backend, handle)
	}
	return Absent()
}

func safeFind(ctx context.Context, probe Probe) (handle RunHandle, ok bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			handle, ok, err = nil, false, fmt.Errorf("probe %s panicked: %v", probe.Backend, rec)
		}
	}()
	return probe.Find(ctx)
}
