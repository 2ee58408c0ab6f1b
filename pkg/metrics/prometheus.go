// Package metrics provides Prometheus metrics for the strata event store
// and its ingestion pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultRefreshInterval = 10 * time.Second
)

// Tier label values.
const (
	TierCache   = "cache"
	TierDurable = "durable"
)

// Manager owns every Prometheus collector exported by strata.
type Manager struct {
	namespace        string
	subsystem        string
	histogramBuckets []float64
	enabled          bool
	refreshInterval  time.Duration
	customLabels     map[string]string
	metricPrefix     string
	registry         prometheus.Registerer

	// Store
	storeWrites       *prometheus.CounterVec // by outcome: ok, degraded, failed
	tierLatency       *prometheus.HistogramVec
	tierErrors        *prometheus.CounterVec
	recentReads       *prometheus.CounterVec // by served_from
	cacheBackfills    prometheus.Counter
	backendHealthy    *prometheus.GaugeVec
	healthChecks      prometheus.Counter
	metricsReads      prometheus.Counter
	invalidEvents     prometheus.Counter
	cacheEntriesTotal prometheus.Gauge

	// Ingestion
	rowsTotal       *prometheus.CounterVec // by outcome
	rejectedRows    *prometheus.CounterVec // by reason
	batchesTotal    *prometheus.CounterVec // by result
	batchDuration   prometheus.Histogram
	batchProcessed  prometheus.Gauge
	batchSucceeded  prometheus.Gauge
	batchFailed     prometheus.Gauge
	activeIngestion prometheus.Gauge

	// Job queue / workers
	queueSize          prometheus.Gauge
	queueCapacity      prometheus.Gauge
	queueEnqueueErrors *prometheus.CounterVec
	workerCount        prometheus.Gauge
	workerBusy         prometheus.Gauge

	// HTTP
	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpErrors          *prometheus.CounterVec

	// System
	systemMemoryUsage    prometheus.Gauge
	systemGoroutineCount prometheus.Gauge
	systemGCPauseTime    prometheus.Histogram
}

var globalManager *Manager //nolint:gochecknoglobals // singleton metrics manager

// Custom registry to avoid default Go metrics.
var customRegistry = prometheus.NewRegistry() //nolint:gochecknoglobals // metrics registry

func init() { //nolint:gochecknoinits // global metrics setup
	globalManager = NewManager(WithPrometheusRegistry(customRegistry))
}

// NewManager creates a new metrics manager. Collectors are registered on the
// configured registry (prometheus.DefaultRegisterer unless overridden).
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:        "strata",
		subsystem:        "events",
		histogramBuckets: prometheus.DefBuckets,
		enabled:          true,
		refreshInterval:  defaultRefreshInterval,
		customLabels:     make(map[string]string),
		registry:         prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) name(n string) string {
	if m.metricPrefix == "" {
		return n
	}
	return m.metricPrefix + "_" + n
}

func (m *Manager) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	return promauto.With(m.registry).NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	}, labels)
}

func (m *Manager) counter(name, help string) prometheus.Counter {
	return promauto.With(m.registry).NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) gauge(name, help string) prometheus.Gauge {
	return promauto.With(m.registry).NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name(name),
		Help:        help,
		ConstLabels: m.customLabels,
	})
}

func (m *Manager) initializeMetrics() { //nolint:funlen // comprehensive metrics initialization
	auto := promauto.With(m.registry)

	m.storeWrites = m.counterVec("store_writes_total",
		"Event store writes by outcome (ok, degraded, failed)", "outcome")
	m.tierLatency = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("tier_latency_milliseconds"),
		Help:        "Backend call latency in milliseconds by tier and operation",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}, []string{"tier", "op"})
	m.tierErrors = m.counterVec("tier_errors_total",
		"Backend call failures by tier and operation", "tier", "op")
	m.recentReads = m.counterVec("recent_reads_total",
		"Recent-interaction reads by the tier that served them", "served_from")
	m.cacheBackfills = m.counter("cache_backfills_total",
		"Cache lists repopulated from the durable tier")
	m.backendHealthy = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("backend_healthy"),
		Help:        "1 when the last health probe of the tier succeeded",
		ConstLabels: m.customLabels,
	}, []string{"tier"})
	m.healthChecks = m.counter("health_checks_total", "Health checks performed")
	m.metricsReads = m.counter("aggregate_reads_total", "Aggregate metric reads")
	m.invalidEvents = m.counter("invalid_events_total", "Writes rejected by event validation")
	m.cacheEntriesTotal = m.gauge("cache_entries", "Events currently held by the in-memory cache tier")

	m.rowsTotal = m.counterVec("ingest_rows_total",
		"Ingested rows by outcome (succeeded, degraded, failed, rejected)", "outcome")
	m.rejectedRows = m.counterVec("ingest_rejected_rows_total",
		"Rows rejected by the parser by reason", "reason")
	m.batchesTotal = m.counterVec("ingest_batches_total",
		"Completed ingestion runs by result", "result")
	m.batchDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("ingest_batch_duration_seconds"),
		Help:        "Wall time of ingestion runs in seconds",
		Buckets:     []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		ConstLabels: m.customLabels,
	})
	m.batchProcessed = m.gauge("ingest_last_progress_processed", "Processed rows at the last progress signal")
	m.batchSucceeded = m.gauge("ingest_last_progress_succeeded", "Succeeded rows at the last progress signal")
	m.batchFailed = m.gauge("ingest_last_progress_failed", "Failed rows at the last progress signal")
	m.activeIngestion = m.gauge("ingest_active_runs", "Ingestion runs in progress")

	m.queueSize = m.gauge("job_queue_size", "Ingestion jobs waiting in the queue")
	m.queueCapacity = m.gauge("job_queue_capacity", "Capacity of the ingestion job queue")
	m.queueEnqueueErrors = m.counterVec("job_queue_enqueue_errors_total",
		"Rejected job submissions by reason", "reason")
	m.workerCount = m.gauge("ingest_workers", "Configured ingestion workers")
	m.workerBusy = m.gauge("ingest_workers_busy", "Ingestion workers running a job")

	m.httpRequests = m.counterVec("http_requests_total",
		"Total number of HTTP requests by endpoint and method", "endpoint", "method", "status_code")
	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("http_request_duration_milliseconds"),
		Help:        "HTTP request duration in milliseconds",
		Buckets:     m.histogramBuckets,
		ConstLabels: m.customLabels,
	}, []string{"endpoint", "method", "status_code"})
	m.httpErrors = m.counterVec("http_errors_total",
		"HTTP responses with an error status by endpoint and error type", "endpoint", "method", "error_type")

	m.systemMemoryUsage = m.gauge("system_memory_usage_bytes", "System memory usage in bytes")
	m.systemGoroutineCount = m.gauge("system_goroutine_count", "Number of goroutines")
	m.systemGCPauseTime = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        m.name("system_gc_pause_time_milliseconds"),
		Help:        "GC pause time in milliseconds",
		Buckets:     []float64{0.1, 0.5, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		ConstLabels: m.customLabels,
	})
}

// Store metrics.

// RecordStoreWrite counts a store write by outcome (ok, degraded, failed).
func RecordStoreWrite(outcome string) {
	if !globalManager.enabled {
		return
	}
	globalManager.storeWrites.WithLabelValues(outcome).Inc()
}

// RecordTierLatency records the latency of a backend call.
func RecordTierLatency(tier, op string, d time.Duration) {
	if !globalManager.enabled {
		return
	}
	globalManager.tierLatency.WithLabelValues(tier, op).Observe(float64(d.Microseconds()) / 1000)
}

// RecordTierError counts a failed backend call.
func RecordTierError(tier, op string) {
	if !globalManager.enabled {
		return
	}
	globalManager.tierErrors.WithLabelValues(tier, op).Inc()
}

// RecordRecentRead counts a recent-interactions read by the tier that served it.
func RecordRecentRead(servedFrom string) {
	if !globalManager.enabled {
		return
	}
	globalManager.recentReads.WithLabelValues(servedFrom).Inc()
}

// RecordCacheBackfill counts a cache list repopulated from the durable tier.
func RecordCacheBackfill() {
	if !globalManager.enabled {
		return
	}
	globalManager.cacheBackfills.Inc()
}

// UpdateBackendHealth publishes the last probe result for a tier.
func UpdateBackendHealth(tier string, healthy bool) {
	if !globalManager.enabled {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	globalManager.backendHealthy.WithLabelValues(tier).Set(v)
	globalManager.healthChecks.Inc()
}

// RecordAggregateRead counts an aggregate metrics read.
func RecordAggregateRead() {
	if !globalManager.enabled {
		return
	}
	globalManager.metricsReads.Inc()
}

// RecordInvalidEvent counts a write rejected by validation.
func RecordInvalidEvent() {
	if !globalManager.enabled {
		return
	}
	globalManager.invalidEvents.Inc()
}

// UpdateCacheEntries sets the number of events held by the in-memory cache.
func UpdateCacheEntries(n int) {
	if !globalManager.enabled {
		return
	}
	globalManager.cacheEntriesTotal.Set(float64(n))
}

// Ingestion metrics.

// RecordIngestRow counts one observed row by outcome.
func RecordIngestRow(outcome string) {
	if !globalManager.enabled {
		return
	}
	globalManager.rowsTotal.WithLabelValues(outcome).Inc()
}

// RecordRejectedRow counts a parser rejection by reason.
func RecordRejectedRow(reason string) {
	if !globalManager.enabled {
		return
	}
	globalManager.rejectedRows.WithLabelValues(reason).Inc()
}

// RecordBatch records a finished ingestion run.
func RecordBatch(result string, d time.Duration) {
	if !globalManager.enabled {
		return
	}
	globalManager.batchesTotal.WithLabelValues(result).Inc()
	globalManager.batchDuration.Observe(d.Seconds())
}

// UpdateBatchProgress publishes the counters of the latest progress signal.
func UpdateBatchProgress(processed, succeeded, failed int64) {
	if !globalManager.enabled {
		return
	}
	globalManager.batchProcessed.Set(float64(processed))
	globalManager.batchSucceeded.Set(float64(succeeded))
	globalManager.batchFailed.Set(float64(failed))
}

// AddActiveIngestion adjusts the number of in-flight ingestion runs.
func AddActiveIngestion(delta int) {
	if !globalManager.enabled {
		return
	}
	globalManager.activeIngestion.Add(float64(delta))
}

// Job queue and worker metrics.

// UpdateQueueSize sets the current job queue depth.
func UpdateQueueSize(size int) {
	if !globalManager.enabled {
		return
	}
	globalManager.queueSize.Set(float64(size))
}

// UpdateQueueCapacity sets the job queue capacity.
func UpdateQueueCapacity(capacity int) {
	if !globalManager.enabled {
		return
	}
	globalManager.queueCapacity.Set(float64(capacity))
}

// RecordQueueEnqueueError counts a rejected job submission.
func RecordQueueEnqueueError(reason string) {
	if !globalManager.enabled {
		return
	}
	globalManager.queueEnqueueErrors.WithLabelValues(reason).Inc()
}

// UpdateWorkerCount sets the configured worker count.
func UpdateWorkerCount(count int) {
	if !globalManager.enabled {
		return
	}
	globalManager.workerCount.Set(float64(count))
}

// AddWorkerBusy adjusts the number of workers running a job.
func AddWorkerBusy(delta int) {
	if !globalManager.enabled {
		return
	}
	globalManager.workerBusy.Add(float64(delta))
}

// HTTP metrics.

// RecordHTTPRequest records an HTTP request.
func RecordHTTPRequest(endpoint, method, statusCode string) {
	if !globalManager.enabled {
		return
	}
	globalManager.httpRequests.WithLabelValues(endpoint, method, statusCode).Inc()
}

// RecordHTTPRequestDuration records HTTP request duration in milliseconds.
func RecordHTTPRequestDuration(endpoint, method, statusCode string, duration float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.httpRequestDuration.WithLabelValues(endpoint, method, statusCode).Observe(duration)
}

// RecordHTTPError records an HTTP response with an error status.
func RecordHTTPError(endpoint, method, errorType string) {
	if !globalManager.enabled {
		return
	}
	globalManager.httpErrors.WithLabelValues(endpoint, method, errorType).Inc()
}

// System metrics.

// UpdateSystemMemoryUsage sets the system memory usage in bytes.
func UpdateSystemMemoryUsage(bytes uint64) {
	if !globalManager.enabled {
		return
	}
	globalManager.systemMemoryUsage.Set(float64(bytes))
}

// UpdateSystemGoroutineCount sets the number of goroutines.
func UpdateSystemGoroutineCount(count int) {
	if !globalManager.enabled {
		return
	}
	globalManager.systemGoroutineCount.Set(float64(count))
}

// RecordSystemGCPauseTime records GC pause time in milliseconds.
func RecordSystemGCPauseTime(pauseMs float64) {
	if !globalManager.enabled {
		return
	}
	globalManager.systemGCPauseTime.Observe(pauseMs)
}

// GetRegistry returns the custom Prometheus registry used by our metrics.
func GetRegistry() *prometheus.Registry {
	return customRegistry
}
