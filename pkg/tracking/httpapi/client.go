// Package httpapi attaches to a run on a tracking server over its REST API.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/nbrun/pkg/domain"
	"github.com/polisai/nbrun/pkg/tracking"
)

// Backend is the name this backend registers under.
const Backend = "http"

const statusRunning = "running"

// Options configure the HTTP tracking client.
type Options struct {
	URI     string
	RunID   string
	Token   string
	Timeout time.Duration
	// Retries bounds extra attempts of the run lookup. Metric posts are sent once.
	Retries int
	// Transport overrides the base round tripper. It is always wrapped with otelhttp.
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// Run is a handle to one active run on the tracking server.
type Run struct {
	base       string
	runID      string
	token      string
	httpClient *http.Client
	retry      retryPolicy
	logger     *slog.Logger
}

var _ tracking.RunHandle = (*Run)(nil)

type runResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type metricRequest struct {
	Name   string    `json:"name"`
	Value  *string   `json:"value,omitempty"`
	Values []float64 `json:"values,omitempty"`
}

// Probe returns a capability probe that attaches when URI and RunID are set and
// the server reports the run as running.
func Probe(opts Options) tracking.Probe {
	return tracking.Probe{
		Backend: Backend,
		Find: func(ctx context.Context) (tracking.RunHandle, bool, error) {
			if opts.URI == "" || opts.RunID == "" {
				return nil, false, nil
			}
			run, err := Open(ctx, opts)
			if err != nil {
				return nil, false, err
			}
			return run, true, nil
		},
	}
}

// Open looks up the run and returns a handle when it is active.
func Open(ctx context.Context, opts Options) (*Run, error) {
	base, err := url.Parse(strings.TrimRight(opts.URI, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse tracking uri: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("tracking uri %q: unsupported scheme %q", opts.URI, base.Scheme)
	}
	if opts.RunID == "" {
		return nil, errors.New("tracking run id is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := opts.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	run := &Run{
		base:  base.String(),
		runID: opts.RunID,
		token: opts.Token,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(transport),
		},
		retry:  newRetryPolicy(opts.Retries),
		logger: logger,
	}

	var resp runResponse
	if err := run.do(ctx, http.MethodGet, run.runPath(), nil, &resp); err != nil {
		return nil, fmt.Errorf("lookup run %s: %w", opts.RunID, err)
	}
	if !strings.EqualFold(resp.Status, statusRunning) {
		return nil, fmt.Errorf("run %s has status %q: %w", opts.RunID, resp.Status, domain.ErrRunNotActive)
	}

	return run, nil
}

// RunID returns the attached run's identifier.
func (r *Run) RunID() string {
	return r.runID
}

// LogScalar posts a single named value.
func (r *Run) LogScalar(ctx context.Context, name, value string) error {
	return r.do(ctx, http.MethodPost, r.runPath()+"/metrics", metricRequest{Name: name, Value: &value}, nil)
}

// LogList posts a named sequence of numbers.
func (r *Run) LogList(ctx context.Context, name string, values []float64) error {
	return r.do(ctx, http.MethodPost, r.runPath()+"/metrics", metricRequest{Name: name, Values: values}, nil)
}

func (r *Run) runPath() string {
	return "/api/runs/" + url.PathEscape(r.runID)
}

func (r *Run) do(ctx context.Context, method, path string, body, out any) error {
	return r.retry.run(ctx, method, func() (int, error) {
		return r.doOnce(ctx, method, path, body, out)
	})
}

// doOnce sends one request and returns the response status, or 0 when the
// request never got a response.
func (r *Run) doOnce(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.base+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("tracking request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			r.logger.Warn("failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return resp.StatusCode, fmt.Errorf("tracking server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}
	return resp.StatusCode, nil
}
