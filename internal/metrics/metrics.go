package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const namespace = "txt2detection"

// Metrics holds the counters recorded while building bundles. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	runs               *prometheus.CounterVec
	indicators         prometheus.Counter
	relationships      prometheus.Counter
	observables        prometheus.Counter
	observablesSkipped prometheus.Counter
	catalogRequests    *prometheus.CounterVec
	catalogObjects     *prometheus.CounterVec
	runDuration        prometheus.Histogram
}

// New creates a Metrics backed by its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Bundling runs by mode and outcome.",
		}, []string{"mode", "outcome"}),
		indicators: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "indicators_total",
			Help:      "Sigma indicators added to bundles.",
		}),
		relationships: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relationships_total",
			Help:      "Relationships added to bundles.",
		}),
		observables: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observables_total",
			Help:      "Observables extracted from rule logic.",
		}),
		observablesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "observables_skipped_total",
			Help:      "Observable candidates dropped because they could not be built.",
		}),
		catalogRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_requests_total",
			Help:      "Catalog page requests by catalog and outcome.",
		}, []string{"catalog", "outcome"}),
		catalogObjects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_objects_total",
			Help:      "Objects received from each catalog.",
		}, []string{"catalog"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a bundling run.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	m.registry.MustRegister(
		m.runs,
		m.indicators,
		m.relationships,
		m.observables,
		m.observablesSkipped,
		m.catalogRequests,
		m.catalogObjects,
		m.runDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Run records a finished run.
func (m *Metrics) Run(mode string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.runs.WithLabelValues(mode, outcome).Inc()
	m.runDuration.Observe(elapsed.Seconds())
}

// Indicator records an indicator added to a bundle.
func (m *Metrics) Indicator() {
	if m == nil {
		return
	}
	m.indicators.Inc()
}

// Relationship records a relationship added to a bundle.
func (m *Metrics) Relationship() {
	if m == nil {
		return
	}
	m.relationships.Inc()
}

// Observable records an observable added to a bundle.
func (m *Metrics) Observable() {
	if m == nil {
		return
	}
	m.observables.Inc()
}

// ObservableSkipped records a dropped observable candidate.
func (m *Metrics) ObservableSkipped() {
	if m == nil {
		return
	}
	m.observablesSkipped.Inc()
}

// CatalogRequest records one catalog page request.
func (m *Metrics) CatalogRequest(catalog, outcome string, objects int) {
	if m == nil {
		return
	}
	m.catalogRequests.WithLabelValues(catalog, outcome).Inc()
	if objects > 0 {
		m.catalogObjects.WithLabelValues(catalog).Add(float64(objects))
	}
}

// Push sends the current values to a Prometheus Pushgateway.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if m == nil || url == "" {
		return nil
	}
	if job == "" {
		job = namespace
	}
	if err := push.New(url, job).Gatherer(m.registry).PushContext(ctx); err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// Serve exposes the registry on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	if m == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
