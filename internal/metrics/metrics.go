// Package metrics exposes the Prometheus instrumentation for the queue
// workers, the crawl pipeline, and the import controller.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metric families for the process.
type Metrics struct {
	// Worker metrics
	WorkerStats *prometheus.CounterVec

	// Crawl metrics
	CrawlerStatusCodes *prometheus.CounterVec
	CrawlLatency       prometheus.Histogram

	// Import metrics
	ImportProcessed     *prometheus.CounterVec
	ImportInFlight      prometheus.Gauge
	ImportPending       prometheus.Gauge
	ImportSessions      *prometheus.GaugeVec
	ImportBatchDuration prometheus.Histogram
	ImportStaleResets   prometheus.Counter
}

// New creates and registers all metric families on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &Metrics{
		WorkerStats: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_stats",
				Help: "Job outcomes per worker",
			},
			[]string{"worker_name", "status"}, // status: completed, failed, failed_permanent
		),
		CrawlerStatusCodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_status_codes_total",
				Help: "HTTP status codes observed by the crawler",
			},
			[]string{"status_code"},
		),
		CrawlLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bookmark_crawl_latency_seconds",
				Help:    "Creation to first successful crawl latency for user-initiated bookmarks",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 0.5s to ~17min
			},
		),
		ImportProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "import_staging_processed_total",
				Help: "Import staging items processed by result",
			},
			[]string{"result"}, // accepted, skipped_duplicate, rejected
		),
		ImportInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "import_staging_in_flight",
				Help: "Import items currently counted against backpressure",
			},
		),
		ImportPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "import_staging_pending_total",
				Help: "Import staging items waiting to be processed",
			},
		),
		ImportSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "import_sessions_active",
				Help: "Import sessions by status",
			},
			[]string{"status"},
		),
		ImportBatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "import_batch_duration_seconds",
				Help:    "Duration of one import batch",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~3min
			},
		),
		ImportStaleResets: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "import_staging_stale_reset_total",
				Help: "Staging items returned to pending by the stale sweep",
			},
		),
	}
}

// RecordWorkerOutcome records a job outcome for a worker.
func (m *Metrics) RecordWorkerOutcome(workerName, status string) {
	m.WorkerStats.WithLabelValues(workerName, status).Inc()
}

// RecordStatusCode records an HTTP status code seen during a crawl.
func (m *Metrics) RecordStatusCode(statusCode string) {
	m.CrawlerStatusCodes.WithLabelValues(statusCode).Inc()
}

// RecordCrawlLatency records creation-to-completion latency for the first
// successful crawl of a user-initiated bookmark.
func (m *Metrics) RecordCrawlLatency(seconds float64) {
	m.CrawlLatency.Observe(seconds)
}

// RecordImportResult records a processed staging item.
func (m *Metrics) RecordImportResult(result string) {
	m.ImportProcessed.WithLabelValues(result).Inc()
}

// SetImportGauges updates the point-in-time import controller gauges.
func (m *Metrics) SetImportGauges(inFlight, pending int, sessionsByStatus map[string]int) {
	m.ImportInFlight.Set(float64(inFlight))
	m.ImportPending.Set(float64(pending))
	for status, count := range sessionsByStatus {
		m.ImportSessions.WithLabelValues(status).Set(float64(count))
	}
}

// RecordImportBatch records the duration of one import batch.
func (m *Metrics) RecordImportBatch(seconds float64) {
	m.ImportBatchDuration.Observe(seconds)
}

// RecordStaleResets records items recovered by the stale sweep.
func (m *Metrics) RecordStaleResets(count int) {
	m.ImportStaleResets.Add(float64(count))
}
