// Package metrics exposes Prometheus instrumentation for the dispatcher and
// workers.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pumpingstationone/deepharbor/internal/logger"
	"github.com/pumpingstationone/deepharbor/pkg/config"
)

var (
	// ChangesProcessed counts change rows successfully dispatched.
	ChangesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepharbor_changes_processed_total",
		Help: "Change rows marked processed by the dispatcher.",
	})

	// Attempts counts delivery attempts by service and response code.
	Attempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepharbor_dispatch_attempts_total",
		Help: "Delivery attempts against effector services.",
	}, []string{"service", "code"})

	// UnprocessedRows tracks the last observed unprocessed backlog.
	UnprocessedRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "deepharbor_unprocessed_rows",
		Help: "Unprocessed change rows at the last dispatcher count.",
	})

	// DispatchDuration measures end-to-end processing time per change.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "deepharbor_dispatch_duration_seconds",
		Help:    "Time to dispatch a single change row.",
		Buckets: prometheus.DefBuckets,
	})

	// Reconnects counts dispatcher database reconnects.
	Reconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "deepharbor_dispatcher_reconnects_total",
		Help: "Dispatcher reconnects after database failures.",
	})

	// BusMessages counts bus messages handled by a worker, by outcome.
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "deepharbor_bus_messages_total",
		Help: "File bus messages handled, by status.",
	}, []string{"status"})
)

// Serve runs the metrics HTTP server until the context is cancelled. Returns
// immediately when metrics are disabled.
func Serve(ctx context.Context, cfg config.MetricsConfig) error {
	if !cfg.Enabled {
		logger.Debug("metrics server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return fmt.Errorf("metrics server failed: %w", err)
	}
}
