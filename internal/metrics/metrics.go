// Package metrics exposes Prometheus instrumentation of the sync worker.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Cycle results
const (
	CycleAcquired = "acquired"
	CycleSkipped  = "skipped"
	CycleError    = "error"
)

// Integration results
const (
	IntegrationSucceeded = "succeeded"
	IntegrationFailed    = "failed"
)

var (
	// CyclesTotal counts scheduler ticks by outcome.
	CyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncworker_cycles_total",
		Help: "Total number of sync cycles by result",
	}, []string{"result"})
	// IntegrationsTotal counts processed integrations by outcome.
	IntegrationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncworker_integrations_total",
		Help: "Total number of integrations processed by result",
	}, []string{"result"})
	// CycleDuration observes the wall time of cycles that held the lock.
	CycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "syncworker_cycle_duration_seconds",
		Help:    "Duration of sync cycles that acquired the lock",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
	})
	// LockRenewals counts lock extensions by outcome.
	LockRenewals = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "syncworker_lock_renewals_total",
		Help: "Total number of lock renewals by result",
	}, []string{"result"})
)

// NewRegistry creates a registry with the Go and process collectors attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// RegisterSyncMetrics registers the worker metrics on the provided registry.
func RegisterSyncMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CyclesTotal, IntegrationsTotal, CycleDuration, LockRenewals)
}

// ObserveCycle records a finished cycle that held the lock.
func ObserveCycle(elapsed time.Duration, succeeded, failed int) {
	CyclesTotal.WithLabelValues(CycleAcquired).Inc()
	CycleDuration.Observe(elapsed.Seconds())
	IntegrationsTotal.WithLabelValues(IntegrationSucceeded).Add(float64(succeeded))
	IntegrationsTotal.WithLabelValues(IntegrationFailed).Add(float64(failed))
}

// Serve exposes the registry on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("address", addr).Info("Serving metrics")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
