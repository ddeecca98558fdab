// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsLoadedTotal tracks staged rows by entity kind and outcome (inserted, updated, unchanged, rejected)
	RowsLoadedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "loader",
			Name:      "rows_total",
			Help:      "Total number of snapshot rows loaded into staging by outcome",
		},
		[]string{"kind", "outcome"},
	)

	// ChunkDuration tracks the time to commit one staging chunk
	ChunkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "loader",
			Name:      "chunk_duration_seconds",
			Help:      "Duration of staging chunk transactions in seconds",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	// FilesTotal tracks processed snapshot files by product and final status
	FilesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "files_total",
			Help:      "Total number of snapshot files processed by status",
		},
		[]string{"product", "status"},
	)

	// BatchesTotal tracks batches reaching a terminal or stopped status
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "batches_total",
			Help:      "Total number of ingestion batches by final status",
		},
		[]string{"status"},
	)

	// BatchRunning is 1 while an ingestion batch is running in this process
	BatchRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "ingestion",
			Name:      "batch_running",
			Help:      "Whether an ingestion batch is running in this process",
		},
	)

	// PromotionsTotal tracks promotion calls by outcome
	PromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "promotion",
			Name:      "runs_total",
			Help:      "Total number of promotion runs by outcome",
		},
		[]string{"outcome"},
	)

	// RowsPromotedTotal tracks rows written to production by kind
	RowsPromotedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "promotion",
			Name:      "rows_total",
			Help:      "Total number of rows promoted into production",
		},
		[]string{"kind"},
	)

	// DownloadsTotal tracks snapshot downloads by status
	DownloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "source",
			Name:      "downloads_total",
			Help:      "Total number of snapshot downloads by status",
		},
		[]string{"product", "status"},
	)

	// DownloadDuration tracks snapshot download duration including retries
	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "source",
			Name:      "download_duration_seconds",
			Help:      "Duration of snapshot downloads in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"product"},
	)

	// DownloadRetries tracks retried download attempts
	DownloadRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "source",
			Name:      "download_retries_total",
			Help:      "Total number of retried snapshot download attempts",
		},
		[]string{"product"},
	)

	// LogSubscribers tracks live log stream subscribers
	LogSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "fern",
			Subsystem: "logstream",
			Name:      "subscribers",
			Help:      "Number of live log stream subscribers",
		},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// RedisOperationDuration tracks Redis operation duration
	RedisOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "redis",
			Name:      "operation_duration_seconds",
			Help:      "Duration of Redis operations in seconds",
			Buckets:   []float64{0.0001, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		},
		[]string{"operation"},
	)
)

// RecordChunk records the outcome of one committed staging chunk
func RecordChunk(kind string, inserted, updated, unchanged, rejected int, durationSeconds float64) {
	RowsLoadedTotal.WithLabelValues(kind, "inserted").Add(float64(inserted))
	RowsLoadedTotal.WithLabelValues(kind, "updated").Add(float64(updated))
	RowsLoadedTotal.WithLabelValues(kind, "unchanged").Add(float64(unchanged))
	RowsLoadedTotal.WithLabelValues(kind, "rejected").Add(float64(rejected))
	ChunkDuration.WithLabelValues(kind).Observe(durationSeconds)
}

// RecordFile records a processed snapshot file
func RecordFile(product, status string) {
	FilesTotal.WithLabelValues(product, status).Inc()
}

// RecordBatch records a batch leaving the running state
func RecordBatch(status string) {
	BatchesTotal.WithLabelValues(status).Inc()
}

// RecordPromotion records a promotion outcome and the rows it wrote
func RecordPromotion(outcome string, companies, officers, financials int) {
	PromotionsTotal.WithLabelValues(outcome).Inc()
	RowsPromotedTotal.WithLabelValues("company").Add(float64(companies))
	RowsPromotedTotal.WithLabelValues("officer").Add(float64(officers))
	RowsPromotedTotal.WithLabelValues("financial").Add(float64(financials))
}

// RecordDownload records a finished download attempt sequence
func RecordDownload(product, status string, durationSeconds float64) {
	DownloadsTotal.WithLabelValues(product, status).Inc()
	DownloadDuration.WithLabelValues(product).Observe(durationSeconds)
}
