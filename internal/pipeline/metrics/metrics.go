package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RecordsMigrated tracks total records written by migration per collection
	RecordsMigrated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classipipe_records_migrated_total",
			Help: "Total number of records migrated from the source",
		},
		[]string{"collection"},
	)

	// RecordsSkipped tracks source items skipped as already migrated
	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classipipe_records_skipped_total",
			Help: "Total number of source items skipped as duplicates",
		},
		[]string{"collection"},
	)

	// BatchesClaimed tracks claimed batches per stage
	BatchesClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classipipe_batches_claimed_total",
			Help: "Total number of batches claimed",
		},
		[]string{"stage"},
	)

	// RecordsClassified tracks classification outcomes per stage and status
	RecordsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classipipe_records_classified_total",
			Help: "Total number of records moved to a new status",
		},
		[]string{"stage", "status"},
	)

	// RecordsRequeued tracks records returned to the queue without an outcome
	RecordsRequeued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classipipe_records_requeued_total",
			Help: "Total number of records requeued without a result",
		},
		[]string{"stage", "reason"},
	)

	// EnrichmentCalls tracks enrichment service calls per mode and outcome
	EnrichmentCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classipipe_enrichment_calls_total",
			Help: "Total number of enrichment service calls",
		},
		[]string{"mode", "outcome"},
	)

	// EnrichmentRateLimited tracks rate limit rejections per mode
	EnrichmentRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "classipipe_enrichment_rate_limited_total",
			Help: "Total number of rate limited enrichment calls",
		},
		[]string{"mode"},
	)

	// EnrichmentLatency tracks enrichment call latency
	EnrichmentLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "classipipe_enrichment_latency_seconds",
			Help:    "Enrichment service call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// MigrationCursorLag tracks remaining source items for the active job
	MigrationCursorLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classipipe_migration_remaining",
			Help: "Source items not yet migrated by the active job",
		},
		[]string{"collection"},
	)

	// RecordsByStatus tracks current record counts per status
	RecordsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "classipipe_records_by_status",
			Help: "Current number of records in each status",
		},
		[]string{"status"},
	)

	// StuckRecordsRecovered tracks processing records requeued on recovery
	StuckRecordsRecovered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "classipipe_stuck_records_recovered_total",
			Help: "Total number of expired-claim records requeued",
		},
	)
)
