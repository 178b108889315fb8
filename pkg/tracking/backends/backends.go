// Package backends builds the tracking probe chain from configuration.
package backends

import (
	"log/slog"

	"github.com/polisai/nbrun/pkg/config"
	"github.com/polisai/nbrun/pkg/tracking"
	"github.com/polisai/nbrun/pkg/tracking/duckstore"
	"github.com/polisai/nbrun/pkg/tracking/httpapi"
	"github.com/polisai/nbrun/pkg/tracking/otelrun"
	"github.com/polisai/nbrun/pkg/tracking/pushgw"
)

// Probes returns the probes selected by cfg.Backend in probe order.
func Probes(cfg *config.Config, logger *slog.Logger) []tracking.Probe {
	if logger == nil {
		logger = slog.Default()
	}

	tc := cfg.Tracking
	names := tc.Probes()
	probes := make([]tracking.Probe, 0, len(names))

	for _, name := range names {
		switch name {
		case config.BackendHTTP:
			probes = append(probes, httpapi.Probe(httpapi.Options{
				URI:     tc.HTTP.URI,
				RunID:   tc.HTTP.RunID,
				Token:   tc.HTTP.Token,
				Timeout: tc.HTTP.Timeout,
				Retries: tc.HTTP.Retries,
				Logger:  logger,
			}))
		case config.BackendPushgateway:
			probes = append(probes, pushgw.Probe(pushgw.Options{
				URL:   tc.Pushgateway.URL,
				Job:   tc.Pushgateway.Job,
				RunID: tc.HTTP.RunID,
			}))
		case config.BackendOTel:
			probes = append(probes, otelrun.Probe(otelrun.Options{
				Endpoint:    tc.OTel.Endpoint,
				Insecure:    tc.OTel.Insecure,
				Interval:    tc.OTel.Interval,
				ServiceName: cfg.Telemetry.ServiceName,
				RunID:       tc.HTTP.RunID,
			}))
		case config.BackendDuckDB:
			probes = append(probes, duckstore.Probe(duckstore.Options{
				Path:     tc.DuckDB.Path,
				Notebook: cfg.Notebook.Input,
			}))
		default:
			logger.Warn("Ignoring unknown tracking backend", "backend", name)
		}
	}

	return probes
}

// NewResolver is a shorthand for tracking.NewResolver(logger, Probes(cfg, logger)...).
func NewResolver(cfg *config.Config, logger *slog.Logger) *tracking.Resolver {
	return tracking.NewResolver(logger, Probes(cfg, logger)...)
}
