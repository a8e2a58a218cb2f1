package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// StageRuns tracks stage invocations by outcome
	StageRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_stage_runs_total",
			Help: "Total number of stage invocations",
		},
		[]string{"stage", "result"},
	)

	// StageDuration tracks wall-clock time per stage invocation
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "placepipe_stage_duration_seconds",
			Help:    "Stage invocation duration in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"stage"},
	)

	// StageItems tracks items handled per stage
	StageItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_stage_items_total",
			Help: "Total number of items handled by a stage",
		},
		[]string{"stage"},
	)

	// StageInterrupted counts cooperative suspensions on the time budget
	StageInterrupted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_stage_interrupted_total",
			Help: "Stage loops suspended by the time-budget guard",
		},
		[]string{"stage"},
	)

	// RecordsInserted tracks rows actually inserted per table
	RecordsInserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_records_inserted_total",
			Help: "Rows inserted, derived from before/after row counts",
		},
		[]string{"table"},
	)

	// RecordsDropped tracks records rejected by validation
	RecordsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_records_dropped_total",
			Help: "Records dropped by validation",
		},
		[]string{"reason"},
	)

	// ChunkFallbacks tracks chunk inserts that fell back to per-record upserts
	ChunkFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_chunk_fallbacks_total",
			Help: "Chunk inserts that fell back to per-record upserts",
		},
		[]string{"table"},
	)

	// BatchSize tracks rows per persisted batch
	BatchSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "placepipe_batch_size",
			Help:    "Rows per persisted batch",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
		},
		[]string{"table"},
	)

	// UpstreamRequests tracks upstream data API calls
	UpstreamRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_upstream_requests_total",
			Help: "Upstream data API requests",
		},
		[]string{"kind", "result"},
	)

	// UpstreamLatency tracks upstream data API latency
	UpstreamLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "placepipe_upstream_latency_seconds",
			Help:    "Upstream data API latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// EnrichmentResults tracks generated versus defaulted enrichments
	EnrichmentResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_enrichment_results_total",
			Help: "Enrichment outcomes per record",
		},
		[]string{"result"},
	)

	// Published tracks records transitioned to published
	Published = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "placepipe_published_total",
			Help: "Records published",
		},
	)

	// SlugCollisions tracks slug probes that hit an existing owner
	SlugCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "placepipe_slug_collisions_total",
			Help: "Slug candidates already owned by another place",
		},
	)

	// NotifyFailures tracks best-effort notifications that failed
	NotifyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_notify_failures_total",
			Help: "Failed best-effort notifications",
		},
		[]string{"target"},
	)

	// FailQueueEnqueued tracks messages written to the fail queue
	FailQueueEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_failqueue_enqueued_total",
			Help: "Messages written to the fail queue",
		},
		[]string{"stage"},
	)

	// RetryResults tracks retry drain outcomes
	RetryResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_retry_results_total",
			Help: "Retry drain outcomes",
		},
		[]string{"result"},
	)

	// BackgroundTasks tracks detached task outcomes
	BackgroundTasks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "placepipe_background_tasks_total",
			Help: "Detached background task outcomes",
		},
		[]string{"task", "result"},
	)

	// DBConnectionPoolUsage tracks the percentage of acquired connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "placepipe_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
