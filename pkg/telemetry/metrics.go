package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds the Prometheus collectors of one sync node. Every recording
// method is a no-op when metrics are disabled.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	syncState       prometheus.Gauge
	outstandingKeys prometheus.Gauge
	failedKeys      prometheus.Gauge
	connectivity    prometheus.Gauge
	reconnects      prometheus.Counter

	actions           *prometheus.CounterVec
	actionDuration    *prometheus.HistogramVec
	operations        *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	errorsByClass     *prometheus.CounterVec
	errorsByCode      *prometheus.CounterVec
}

// NewMetrics registers the sync collectors on a private registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	ns := cfg.Namespace

	gauge := func(name, help string) prometheus.Gauge {
		return f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help})
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}

	return &Metrics{
		config:   cfg,
		registry: registry,

		syncState: gauge("sync_state",
			"Current sync state (0=disconnected, 1=loading, 2=syncing, 3=synced, 4=synced_with_errors)"),
		outstandingKeys: gauge("sync_outstanding_keys", "Keys present in either change log"),
		failedKeys:      gauge("sync_failed_keys", "Keys whose last reconciliation attempt failed"),
		connectivity: gauge("remote_connectivity_state",
			"Remote connectivity (0=disconnected, 1=connecting, 2=loading_session, 3=ready)"),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "remote_reconnects_total",
			Help:      "Remote reconnection attempts",
		}),

		actions:           counter("sync_actions_total", "Reconciliation actions by outcome", "action", "result"),
		actionDuration:    histogram("sync_action_duration_seconds", "Reconciliation action latency", "action"),
		operations:        counter("sync_operations_total", "Store operations by outcome", "replica", "kind", "result"),
		operationDuration: histogram("sync_operation_duration_seconds", "Store operation latency", "replica", "kind"),
		errorsByClass:     counter("errors_by_class_total", "Errors by class", "class"),
		errorsByCode:      counter("errors_by_code_total", "Errors by code", "code"),
	}, nil
}

func (m *Metrics) enabled() bool { return m.registry != nil }

// SetSyncState records the ordinal of the current sync state.
func (m *Metrics) SetSyncState(ordinal int) {
	if m.enabled() {
		m.syncState.Set(float64(ordinal))
	}
}

func (m *Metrics) SetOutstandingKeys(count int) {
	if m.enabled() {
		m.outstandingKeys.Set(float64(count))
	}
}

func (m *Metrics) SetFailedKeys(count int) {
	if m.enabled() {
		m.failedKeys.Set(float64(count))
	}
}

// SetConnectivity records the ordinal of the remote connectivity state.
func (m *Metrics) SetConnectivity(ordinal int) {
	if m.enabled() {
		m.connectivity.Set(float64(ordinal))
	}
}

func (m *Metrics) RecordReconnect() {
	if m.enabled() {
		m.reconnects.Inc()
	}
}

// RecordAction counts a finished, failed or cancelled action.
func (m *Metrics) RecordAction(action, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.actions.WithLabelValues(action, result).Inc()
	m.actionDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// RecordOperation counts one store operation against replica.
func (m *Metrics) RecordOperation(replica, kind, result string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.operations.WithLabelValues(replica, kind, result).Inc()
	m.operationDuration.WithLabelValues(replica, kind).Observe(duration.Seconds())
}

// RecordError counts an engine error by class and, when set, by code.
func (m *Metrics) RecordError(class, code string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(class).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

// Registry returns the Prometheus registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Timer measures the latency of an action or operation.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// StartMetricsServer serves the registry over HTTP in the background. It
// returns a nil server when metrics are disabled.
func (m *Metrics) StartMetricsServer() (*http.Server, error) {
	if !m.enabled() {
		return nil, nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()

	return server, nil
}
