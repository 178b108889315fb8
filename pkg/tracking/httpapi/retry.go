package httpapi

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

// retryableStatus lists responses worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusRequestTimeout:     true,
	http.StatusTooManyRequests:    true,
	http.StatusBadGateway:         true,
	http.StatusServiceUnavailable: true,
	http.StatusGatewayTimeout:     true,
}

// retryPolicy retries idempotent requests with exponential backoff. Metric
// posts are never retried so a slow server cannot record a value twice.
type retryPolicy struct {
	maxRetries int
	initial    time.Duration
	max        time.Duration
	multiplier float64
	jitter     bool
}

func newRetryPolicy(maxRetries int) retryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return retryPolicy{
		maxRetries: maxRetries,
		initial:    100 * time.Millisecond,
		max:        2 * time.Second,
		multiplier: 2.0,
		jitter:     true,
	}
}

func (p retryPolicy) shouldRetry(method string, status int, err error, attempt int) bool {
	if attempt >= p.maxRetries {
		return false
	}
	if method != http.MethodGet && method != http.MethodHead {
		return false
	}
	if err != nil {
		return true
	}
	return retryableStatus[status]
}

func (p retryPolicy) backoff(attempt int) time.Duration {
	d := time.Duration(float64(p.initial) * math.Pow(p.multiplier, float64(attempt)))
	if d > p.max {
		d = p.max
	}
	if p.jitter && d >= 4 {
		// #nosec G404 - jitter does not need a cryptographic source
		d += time.Duration(rand.Int63n(int64(d / 4)))
	}
	return d
}

// run calls fn until it succeeds, fails permanently or retries are exhausted.
// fn reports the HTTP status (0 when no response was received).
func (p retryPolicy) run(ctx context.Context, method string, fn func() (int, error)) error {
	for attempt := 0; ; attempt++ {
		status, err := fn()
		if err == nil {
			return nil
		}
		if !p.shouldRetry(method, status, err, attempt) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.backoff(attempt)):
		}
	}
}
