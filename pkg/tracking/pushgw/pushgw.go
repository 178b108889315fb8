// Package pushgw records run metrics as Prometheus gauges pushed to a Pushgateway.
package pushgw

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/polisai/nbrun/pkg/tracking"
)

// Backend is the name this backend registers under.
const Backend = "pushgateway"

// Options configure the Pushgateway backend.
type Options struct {
	URL string
	Job string
	// RunID groups the pushed metrics. A time-ordered UUID is generated when empty.
	RunID  string
	Client *http.Client
}

// Run pushes every logged metric to the gateway under the run's grouping key.
type Run struct {
	runID  string
	pusher *push.Pusher

	listValues  *prometheus.GaugeVec
	scalarValue *prometheus.GaugeVec
	scalarInfo  *prometheus.GaugeVec

	registry *prometheus.Registry
	mu       sync.Mutex
}

var _ tracking.RunHandle = (*Run)(nil)

// Probe attaches whenever a gateway URL is configured.
func Probe(opts Options) tracking.Probe {
	return tracking.Probe{
		Backend: Backend,
		Find: func(context.Context) (tracking.RunHandle, bool, error) {
			if opts.URL == "" {
				return nil, false, nil
			}
			run, err := New(opts)
			if err != nil {
				return nil, false, err
			}
			return run, true, nil
		},
	}
}

// New creates a run handle with a private registry.
func New(opts Options) (*Run, error) {
	if opts.URL == "" {
		return nil, errors.New("pushgateway url is required")
	}
	if opts.Job == "" {
		opts.Job = "nbrun"
	}
	if opts.RunID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate run id: %w", err)
		}
		opts.RunID = id.String()
	}

	registry := prometheus.NewRegistry()
	r := &Run{
		runID: opts.RunID,
		listValues: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nbrun_metric_list",
				Help: "Elements of list metrics reported by the notebook",
			},
			[]string{"metric", "index"},
		),
		scalarValue: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nbrun_metric_value",
				Help: "Numeric scalar metrics reported by the notebook",
			},
			[]string{"metric"},
		),
		scalarInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "nbrun_metric_info",
				Help: "Non-numeric metrics reported by the notebook (always 1)",
			},
			[]string{"metric", "value"},
		),
		registry: registry,
	}
	registry.MustRegister(r.listValues, r.scalarValue, r.scalarInfo)

	pusher := push.New(opts.URL, opts.Job).
		Gatherer(registry).
		Grouping("run_id", opts.RunID)
	if opts.Client != nil {
		pusher = pusher.Client(opts.Client)
	}
	r.pusher = pusher

	return r, nil
}

// RunID returns the grouping key value.
func (r *Run) RunID() string {
	return r.runID
}

// Registry exposes the gauges for inspection.
func (r *Run) Registry() *prometheus.Registry {
	return r.registry
}

// LogScalar sets nbrun_metric_value when value is a finite number and
// nbrun_metric_info otherwise. The series of the other gauge is removed.
func (r *Run) LogScalar(ctx context.Context, name, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	labels := prometheus.Labels{"metric": name}
	r.scalarInfo.DeletePartialMatch(labels)
	if f, ok := tracking.ParseNumber(value); ok {
		r.scalarValue.WithLabelValues(name).Set(f)
	} else {
		r.scalarValue.DeletePartialMatch(labels)
		r.scalarInfo.WithLabelValues(name, value).Set(1)
	}
	return r.push(ctx)
}

// LogList sets one nbrun_metric_list gauge per element, replacing earlier
// elements of the same metric.
func (r *Run) LogList(ctx context.Context, name string, values []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.listValues.DeletePartialMatch(prometheus.Labels{"metric": name})
	for i, v := range values {
		r.listValues.WithLabelValues(name, strconv.Itoa(i)).Set(v)
	}
	return r.push(ctx)
}

func (r *Run) push(ctx context.Context) error {
	if err := r.pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("push to gateway: %w", err)
	}
	return nil
}
