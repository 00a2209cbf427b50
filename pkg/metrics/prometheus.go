// Package metrics provides Prometheus metrics for the flagboard sync client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager manages all Prometheus metrics for the flagboard client.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Push channel health
	channelStatus          prometheus.Gauge
	channelConnectAttempts prometheus.Counter
	channelConnectFailures prometheus.Counter
	channelReconnects      prometheus.Counter

	// Inbound events
	eventsReceived  *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	queueSize       prometheus.Gauge
	queueCapacity   prometheus.Gauge
	dispatchLatency prometheus.Histogram

	// Projection store
	snapshotsApplied  *prometheus.CounterVec
	snapshotsDropped  *prometheus.CounterVec
	projectionEntries *prometheus.GaugeVec

	// REST backend
	fetchLatency *prometheus.HistogramVec
	fetchErrors  *prometheus.CounterVec

	// Submissions
	submissions *prometheus.CounterVec

	// Local status API
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	errorRateByComponent *prometheus.CounterVec
}

// Global metrics manager instance.
var globalManager *Manager //nolint:gochecknoglobals // intentional global for singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // intentional global for metrics registry

func init() { //nolint:gochecknoinits // intentional init for global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager with default configuration.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "flagboard",
		subsystem:        "client",
		histogramBuckets: prometheus.DefBuckets,
		registry:         prometheus.DefaultRegisterer,
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initializeMetrics()
	return m
}

// initializeMetrics creates all the Prometheus metrics.
func (m *Manager) initializeMetrics() { //nolint:funlen // long function required for comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.channelStatus = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "channel_status",
		Help:      "Push channel status (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)",
	})

	m.channelConnectAttempts = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "channel_connect_attempts_total",
		Help:      "Total number of push channel dial attempts",
	})

	m.channelConnectFailures = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "channel_connect_failures_total",
		Help:      "Total number of failed push channel dial attempts",
	})

	m.channelReconnects = auto.NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "channel_reconnects_total",
		Help:      "Total number of unexpected transport losses followed by a reconnect cycle",
	})

	m.eventsReceived = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_received_total",
			Help:      "Total number of push events received by event name",
		},
		[]string{"event"},
	)

	m.eventsDropped = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_dropped_total",
			Help:      "Total number of push events dropped before dispatch",
		},
		[]string{"reason"},
	)

	m.queueSize = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "event_queue_size",
		Help:      "Current number of push events waiting for dispatch",
	})

	m.queueCapacity = auto.NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "event_queue_capacity",
		Help:      "Maximum number of push events buffered for dispatch",
	})

	m.dispatchLatency = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "event_dispatch_latency_milliseconds",
		Help:      "Time spent delivering one push event to all subscribers",
		Buckets:   m.histogramBuckets,
	})

	m.snapshotsApplied = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "snapshots_applied_total",
			Help:      "Total number of leaderboard snapshots applied by tier and source",
		},
		[]string{"tier", "source"},
	)

	m.snapshotsDropped = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "snapshots_dropped_total",
			Help:      "Total number of leaderboard snapshots rejected by tier and reason",
		},
		[]string{"tier", "reason"},
	)

	m.projectionEntries = auto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_entries",
			Help:      "Number of entries in the current projection by tier",
		},
		[]string{"tier"},
	)

	m.fetchLatency = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "backend_request_duration_milliseconds",
			Help:      "Backend REST request duration in milliseconds",
			Buckets:   m.histogramBuckets,
		},
		[]string{"endpoint"},
	)

	m.fetchErrors = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "backend_request_errors_total",
			Help:      "Total number of failed backend REST requests",
		},
		[]string{"endpoint", "error_type"},
	)

	m.submissions = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "submissions_total",
			Help:      "Total number of flag submissions by outcome",
		},
		[]string{"outcome"},
	)

	m.httpRequests = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of status API requests by endpoint and method",
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.httpRequestDuration = auto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "http_request_duration_milliseconds",
			Help:      "Status API request duration in milliseconds",
			Buckets:   m.histogramBuckets,
		},
		[]string{"endpoint", "method", "status_code"},
	)

	m.errorRateByComponent = auto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "errors_by_component_total",
			Help:      "Total number of errors by component",
		},
		[]string{"component", "error_type"},
	)
}

// UpdateChannelStatus sets the push channel status gauge.
func UpdateChannelStatus(status int) {
	globalManager.channelStatus.Set(float64(status))
}

// RecordConnectAttempt increments the dial attempt counter.
func RecordConnectAttempt() {
	globalManager.channelConnectAttempts.Inc()
}

// RecordConnectFailure increments the failed dial counter.
func RecordConnectFailure() {
	globalManager.channelConnectFailures.Inc()
}

// RecordReconnect increments the reconnect cycle counter.
func RecordReconnect() {
	globalManager.channelReconnects.Inc()
}

// RecordEventReceived counts one inbound push event.
func RecordEventReceived(event string) {
	globalManager.eventsReceived.WithLabelValues(event).Inc()
}

// RecordEventDropped counts one push event that never reached subscribers.
func RecordEventDropped(reason string) {
	globalManager.eventsDropped.WithLabelValues(reason).Inc()
}

// UpdateQueueSize sets the current queue size.
func UpdateQueueSize(size int) {
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) {
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordDispatchLatency records the time spent fanning one event out.
func RecordDispatchLatency(latencyMs float64) {
	globalManager.dispatchLatency.Observe(latencyMs)
}

// RecordSnapshotApplied counts an accepted snapshot.
func RecordSnapshotApplied(tier, source string) {
	globalManager.snapshotsApplied.WithLabelValues(tier, source).Inc()
}

// RecordSnapshotDropped counts a rejected snapshot.
func RecordSnapshotDropped(tier, reason string) {
	globalManager.snapshotsDropped.WithLabelValues(tier, reason).Inc()
}

// UpdateProjectionEntries sets the projection size for a tier.
func UpdateProjectionEntries(tier string, count int) {
	globalManager.projectionEntries.WithLabelValues(tier).Set(float64(count))
}

// RecordBackendLatency records a backend REST request duration.
func RecordBackendLatency(endpoint string, latencyMs float64) {
	globalManager.fetchLatency.WithLabelValues(endpoint).Observe(latencyMs)
}

// RecordBackendError counts a failed backend REST request.
func RecordBackendError(endpoint, errorType string) {
	globalManager.fetchErrors.WithLabelValues(endpoint, errorType).Inc()
}

// RecordSubmission counts a submission outcome.
func RecordSubmission(outcome string) {
	globalManager.submissions.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequest records a status API request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records status API request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// Init rebuilds the global manager on a fresh registry with opts, e.g. to
// apply configured naming. Call it once at startup, before metrics are
// recorded or served.
func Init(opts ...Option) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	globalManager = NewManager(append(opts, WithPrometheusRegistry(reg))...)
	customRegistry = reg
	return reg
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
