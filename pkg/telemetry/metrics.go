package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the Atelier control plane.
type Metrics struct {
	config MetricsConfig

	// Workspace lifecycle metrics
	workspacesCreated  *prometheus.CounterVec
	lifecycleOps       *prometheus.CounterVec
	lifecycleDuration  *prometheus.HistogramVec
	workspacesByStatus *prometheus.GaugeVec

	// Placement metrics
	placements        *prometheus.CounterVec
	placementDuration prometheus.Histogram

	// Fleet metrics
	probeResults   *prometheus.CounterVec
	healthyServers prometheus.Gauge
	imagePulls     *prometheus.CounterVec

	// Catalog metrics
	catalogRefreshes *prometheus.CounterVec
	catalogStale     prometheus.Gauge

	// Reconciliation metrics. A non-zero count is a symptom of lost
	// store state and is worth alerting on.
	reconciliations prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		workspacesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspaces_created_total",
				Help:      "Total number of workspaces created",
			},
			[]string{"tier"},
		),
		lifecycleOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "lifecycle_operations_total",
				Help:      "Total number of workspace lifecycle operations",
			},
			[]string{"operation", "result"},
		),
		lifecycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lifecycle_operation_duration_seconds",
				Help:      "Duration of workspace lifecycle operations in seconds",
				Buckets:   buckets,
			},
			[]string{"operation"},
		),
		workspacesByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "workspaces",
				Help:      "Current number of workspaces by status",
			},
			[]string{"status"},
		),

		placements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "placements_total",
				Help:      "Total number of placement decisions",
			},
			[]string{"result"},
		),
		placementDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "placement_duration_seconds",
				Help:      "Duration of placement decisions in seconds",
				Buckets:   buckets,
			},
		),

		probeResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Total number of fleet health probes",
			},
			[]string{"server_id", "result"},
		),
		healthyServers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "healthy_servers",
				Help:      "Current number of healthy fleet servers",
			},
		),
		imagePulls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "image_pulls_total",
				Help:      "Total number of image pulls issued to fleet servers",
			},
			[]string{"result"},
		),

		catalogRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "catalog_refreshes_total",
				Help:      "Total number of hardware catalog refresh attempts",
			},
			[]string{"result"},
		),
		catalogStale: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "catalog_stale",
				Help:      "Whether the hardware catalog cache is past its TTL (1=stale)",
			},
		),

		reconciliations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workspace_reconciliations_total",
				Help:      "Total number of workspace records reconstructed from host containers",
			},
		),
	}

	registry.MustRegister(
		m.workspacesCreated,
		m.lifecycleOps,
		m.lifecycleDuration,
		m.workspacesByStatus,
		m.placements,
		m.placementDuration,
		m.probeResults,
		m.healthyServers,
		m.imagePulls,
		m.catalogRefreshes,
		m.catalogStale,
		m.reconciliations,
	)

	return m, nil
}

// RecordWorkspaceCreated increments the counter for created workspaces.
func (m *Metrics) RecordWorkspaceCreated(tier string) {
	if m.workspacesCreated == nil {
		return
	}
	m.workspacesCreated.WithLabelValues(tier).Inc()
}

// RecordLifecycleOp records a lifecycle operation with its result and duration.
func (m *Metrics) RecordLifecycleOp(operation, result string, duration time.Duration) {
	if m.lifecycleOps == nil {
		return
	}
	m.lifecycleOps.WithLabelValues(operation, result).Inc()
	m.lifecycleDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetWorkspaceCount sets the current count of workspaces in a status.
func (m *Metrics) SetWorkspaceCount(status string, count float64) {
	if m.workspacesByStatus == nil {
		return
	}
	m.workspacesByStatus.WithLabelValues(status).Set(count)
}

// RecordPlacement records a placement decision.
func (m *Metrics) RecordPlacement(result string, duration time.Duration) {
	if m.placements == nil {
		return
	}
	m.placements.WithLabelValues(result).Inc()
	m.placementDuration.Observe(duration.Seconds())
}

// RecordProbe records the result of a fleet health probe.
func (m *Metrics) RecordProbe(serverID string, success bool) {
	if m.probeResults == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.probeResults.WithLabelValues(serverID, result).Inc()
}

// SetHealthyServers sets the current number of healthy servers.
func (m *Metrics) SetHealthyServers(count float64) {
	if m.healthyServers == nil {
		return
	}
	m.healthyServers.Set(count)
}

// RecordImagePull records an image pull attempt.
func (m *Metrics) RecordImagePull(success bool) {
	if m.imagePulls == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.imagePulls.WithLabelValues(result).Inc()
}

// RecordCatalogRefresh records a hardware catalog refresh attempt.
func (m *Metrics) RecordCatalogRefresh(success bool) {
	if m.catalogRefreshes == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.catalogRefreshes.WithLabelValues(result).Inc()
}

// SetCatalogStale marks the catalog cache as stale or fresh.
func (m *Metrics) SetCatalogStale(stale bool) {
	if m.catalogStale == nil {
		return
	}
	value := 0.0
	if stale {
		value = 1.0
	}
	m.catalogStale.Set(value)
}

// RecordReconciliation records a workspace record reconstructed from a
// host-side container lookup.
func (m *Metrics) RecordReconciliation() {
	if m.reconciliations == nil {
		return
	}
	m.reconciliations.Inc()
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server to expose metrics.
func (m *Metrics) StartMetricsServer() error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}
