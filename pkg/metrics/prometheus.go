// Package metrics provides Prometheus metrics for the mentorsync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Manager owns every Prometheus collector of the engine.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	registry         prometheus.Registerer

	// Ledger client
	ledgerCalls        *prometheus.CounterVec
	ledgerCallDuration *prometheus.HistogramVec

	// Resolver and projector
	observationsApplied *prometheus.CounterVec
	resolverConflicts   prometheus.Counter
	unknownAliases      prometheus.Counter
	decodeErrors        prometheus.Counter
	projectionEntries   prometheus.Gauge
	suspectEntries      prometheus.Gauge

	// Scheduler
	refreshCycles    *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	refreshCoalesced prometheus.Counter
	mentorsInState   *prometheus.GaugeVec

	// Event pipeline
	queueCapacity           prometheus.Gauge
	queueSize               prometheus.Gauge
	queueUtilization        prometheus.Gauge
	queueEnqueued           prometheus.Counter
	queueDequeued           prometheus.Counter
	queueEnqueueErrors      prometheus.Counter
	eventsDuplicate         prometheus.Counter
	workerCount             prometheus.Gauge
	workerProcessingLatency prometheus.Histogram
	workerErrors            prometheus.Counter
	feedCursor              prometheus.Gauge

	// Adapters
	storeLatency  *prometheus.HistogramVec
	notifications *prometheus.CounterVec

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Errors
	errorRateByComponent *prometheus.CounterVec
	errorRateByType      *prometheus.CounterVec
	errorRateByEndpoint  *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton used by the package-level recorders

var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // custom registry without Go runtime collectors

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a manager and registers its collectors.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "msync",
		subsystem:        "engine",
		histogramBuckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	})
}

func (m *Manager) histogram(name, help string) prometheus.Histogram {
	return promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	})
}

func (m *Manager) histogramVec(name, help string, labels ...string) *prometheus.HistogramVec {
	return promauto.With(m.registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help, Buckets: m.histogramBuckets,
	}, labels)
}

func (m *Manager) initializeMetrics() {
	m.ledgerCalls = m.counterVec("ledger_calls_total", "Ledger calls by method and outcome", "method", "outcome")
	m.ledgerCallDuration = m.histogramVec("ledger_call_duration_milliseconds", "Ledger call latency in milliseconds", "method")

	m.observationsApplied = m.counterVec("observations_applied_total", "Observations applied to the projection by kind and outcome", "kind", "outcome")
	m.resolverConflicts = m.counter("resolver_conflicts_total", "Immutable field disagreements between aliases")
	m.unknownAliases = m.counter("unknown_aliases_total", "Alias reads that returned no data")
	m.decodeErrors = m.counter("decode_errors_total", "Ledger payloads skipped because they could not be decoded")
	m.projectionEntries = m.gauge("projection_entries", "Milestones held in the projection")
	m.suspectEntries = m.gauge("projection_suspect_entries", "Milestones flagged suspect after a resolver conflict")

	m.refreshCycles = m.counterVec("refresh_cycles_total", "Reconciliation cycles by outcome", "outcome")
	m.refreshDuration = m.histogram("refresh_duration_milliseconds", "Reconciliation cycle duration in milliseconds")
	m.refreshCoalesced = m.counter("refresh_coalesced_total", "Refresh triggers folded into a pending re-run")
	m.mentorsInState = m.gaugeVec("scheduler_mentors", "Mentors per scheduler state", "state")

	m.queueCapacity = m.gauge("queue_capacity", "Maximum observation queue capacity")
	m.queueSize = m.gauge("queue_size", "Observations waiting in the queue")
	m.queueUtilization = m.gauge("queue_utilization_ratio", "Queue size divided by capacity")
	m.queueEnqueued = m.counter("queue_enqueued_total", "Observations enqueued")
	m.queueDequeued = m.counter("queue_dequeued_total", "Observations dequeued")
	m.queueEnqueueErrors = m.counter("queue_enqueue_errors_total", "Enqueue attempts rejected")
	m.eventsDuplicate = m.counter("events_duplicate_total", "Ledger events dropped as already applied")
	m.workerCount = m.gauge("worker_count", "Observation workers running")
	m.workerProcessingLatency = m.histogram("worker_processing_latency_milliseconds", "Time to apply one observation")
	m.workerErrors = m.counter("worker_errors_total", "Observations that failed to apply")
	m.feedCursor = m.gauge("feed_cursor_block", "Last ledger block scanned for events")

	m.storeLatency = m.histogramVec("store_latency_milliseconds", "Projection store latency by operation", "operation")
	m.notifications = m.counterVec("notifications_total", "Change notifications by outcome", "outcome")

	m.httpRequests = m.counterVec("http_requests_total", "HTTP requests by endpoint, method and status", "endpoint", "method", "status_code")
	m.httpRequestDuration = m.histogramVec("http_request_duration_milliseconds", "HTTP request duration in milliseconds", "endpoint", "method", "status_code")

	m.errorRateByComponent = m.counterVec("errors_by_component_total", "Errors by component and type", "component", "error_type")
	m.errorRateByType = m.counterVec("errors_by_type_total", "Errors by type and severity", "error_type", "severity")
	m.errorRateByEndpoint = m.counterVec("errors_by_endpoint_total", "Errors by endpoint, method and type", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_bytes", "Heap bytes allocated")
	m.systemGoroutineCount = m.gauge("system_goroutines", "Running goroutines")
	m.systemGCPauseTime = promauto.With(m.registry).NewHistogram(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Subsystem: m.subsystem,
		Name:      "system_gc_pause_milliseconds",
		Help:      "Average GC pause in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100},
	})
}

func (m *Manager) gaugeVec(name, help string, labels ...string) *prometheus.GaugeVec {
	return promauto.With(m.registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace, Subsystem: m.subsystem, Name: name, Help: help,
	}, labels)
}

// Ledger client.

// RecordLedgerCall records one ledger call and its latency.
func RecordLedgerCall(method, outcome string, latencyMs float64) {
	globalManager.ledgerCalls.WithLabelValues(method, outcome).Inc()
	globalManager.ledgerCallDuration.WithLabelValues(method).Observe(latencyMs)
}

// Resolver and projector.

// RecordObservationApplied counts an observation by kind and outcome.
func RecordObservationApplied(kind, outcome string) {
	globalManager.observationsApplied.WithLabelValues(kind, outcome).Inc()
}

// RecordResolverConflict counts an immutable-field disagreement.
func RecordResolverConflict() { globalManager.resolverConflicts.Inc() }

// RecordUnknownAlias counts an alias read that returned nothing.
func RecordUnknownAlias() { globalManager.unknownAliases.Inc() }

// RecordDecodeError counts a skipped undecodable payload.
func RecordDecodeError() { globalManager.decodeErrors.Inc() }

// UpdateProjectionSize sets the projection gauges.
func UpdateProjectionSize(entries, suspect int) {
	globalManager.projectionEntries.Set(float64(entries))
	globalManager.suspectEntries.Set(float64(suspect))
}

// Scheduler.

// RecordRefreshCycle records one finished cycle.
func RecordRefreshCycle(outcome string, durationMs float64) {
	globalManager.refreshCycles.WithLabelValues(outcome).Inc()
	globalManager.refreshDuration.Observe(durationMs)
}

// RecordRefreshCoalesced counts a trigger folded into a pending re-run.
func RecordRefreshCoalesced() { globalManager.refreshCoalesced.Inc() }

// UpdateMentorsInState sets the number of mentors in a scheduler state.
func UpdateMentorsInState(state string, count int) {
	globalManager.mentorsInState.WithLabelValues(state).Set(float64(count))
}

// Event pipeline.

// UpdateQueueCapacity sets the maximum queue capacity.
func UpdateQueueCapacity(capacity int) { globalManager.queueCapacity.Set(float64(capacity)) }

// UpdateQueueSize sets the current queue size and utilization.
func UpdateQueueSize(size, capacity int) {
	globalManager.queueSize.Set(float64(size))
	if capacity > 0 {
		globalManager.queueUtilization.Set(float64(size) / float64(capacity))
	}
}

// RecordQueueEnqueue increments the enqueue counter.
func RecordQueueEnqueue() { globalManager.queueEnqueued.Inc() }

// RecordQueueDequeue increments the dequeue counter.
func RecordQueueDequeue() { globalManager.queueDequeued.Inc() }

// RecordQueueEnqueueError increments the enqueue error counter.
func RecordQueueEnqueueError() { globalManager.queueEnqueueErrors.Inc() }

// RecordEventDuplicate counts an event dropped by dedupe.
func RecordEventDuplicate() { globalManager.eventsDuplicate.Inc() }

// UpdateWorkerCount sets the number of running workers.
func UpdateWorkerCount(count int) { globalManager.workerCount.Set(float64(count)) }

// RecordWorkerProcessingLatency records the time to apply one observation.
func RecordWorkerProcessingLatency(latencyMs float64) {
	globalManager.workerProcessingLatency.Observe(latencyMs)
}

// RecordWorkerError counts an observation that failed to apply.
func RecordWorkerError() { globalManager.workerErrors.Inc() }

// UpdateFeedCursor sets the last scanned ledger block.
func UpdateFeedCursor(block uint64) { globalManager.feedCursor.Set(float64(block)) }

// Adapters.

// RecordStoreLatency records a projection store operation.
func RecordStoreLatency(operation string, latencyMs float64) {
	globalManager.storeLatency.WithLabelValues(operation).Observe(latencyMs)
}

// RecordNotification counts a change notification by outcome.
func RecordNotification(outcome string) {
	globalManager.notifications.WithLabelValues(outcome).Inc()
}

// HTTP.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// Errors.

// RecordErrorByComponent records an error with component and type labels.
func RecordErrorByComponent(component, errorType string) {
	globalManager.errorRateByComponent.WithLabelValues(component, errorType).Inc()
}

// RecordErrorByType records an error with type and severity labels.
func RecordErrorByType(errorType, severity string) {
	globalManager.errorRateByType.WithLabelValues(errorType, severity).Inc()
}

// RecordErrorByEndpoint records an error with endpoint, method, and error type labels.
func RecordErrorByEndpoint(endpoint, method, errorType string) {
	globalManager.errorRateByEndpoint.WithLabelValues(endpoint, method, errorType).Inc()
}

// System.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) { globalManager.systemMemoryUsage.Set(float64(bytes)) }

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) { globalManager.systemGoroutineCount.Set(float64(count)) }

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) { globalManager.systemGCPauseTime.Observe(pauseMs) }

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
