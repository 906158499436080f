package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sync settings metrics
	SyncUsersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncd_sync_users_total",
			Help: "Total number of connected users by sync status",
		},
		[]string{"status"},
	)

	InventoryItemsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_inventory_items_total",
			Help: "Total number of locally mirrored inventory items",
		},
	)

	// Rate limiter metrics (C)
	RateLimiterFactor = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncd_rate_limiter_factor",
			Help: "Current adaptive capacity factor per user (1.0 = full capacity)",
		},
		[]string{"user_id"},
	)

	RateLimiterTokensAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncd_rate_limiter_tokens_available",
			Help: "Tokens currently available in a user's bucket",
		},
		[]string{"user_id"},
	)

	RateLimiterThrottledTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_rate_limiter_throttled_total",
			Help: "Total number of requests throttled locally before reaching the marketplace",
		},
		[]string{"user_id"},
	)

	// Circuit breaker metrics (D)
	BreakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "syncd_breaker_state",
			Help: "Circuit breaker state (0 = closed, 1 = half-open, 2 = open)",
		},
	)

	BreakerTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_breaker_trips_total",
			Help: "Total number of times the circuit breaker tripped open",
		},
	)

	BreakerRejectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_breaker_rejections_total",
			Help: "Total number of calls short-circuited while the breaker was open",
		},
	)

	// Marketplace client metrics (E)
	MarketplaceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_marketplace_requests_total",
			Help: "Total number of marketplace API calls by operation and status",
		},
		[]string{"operation", "status"},
	)

	MarketplaceRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncd_marketplace_request_duration_seconds",
			Help:    "Marketplace API call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Bulk-sync engine metrics (F)
	BulkSyncChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_bulk_sync_chunks_total",
			Help: "Total number of bulk-sync chunks processed by outcome",
		},
		[]string{"outcome"},
	)

	BulkSyncDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "syncd_bulk_sync_duration_seconds",
			Help:    "Time taken for a full bulk-sync run in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
	)

	BulkSyncItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_bulk_sync_items_total",
			Help: "Total number of inventory items processed by a bulk sync, by outcome",
		},
		[]string{"outcome"},
	)

	// Write-path reconciler metrics (G)
	WritePathDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "syncd_write_path_duration_seconds",
			Help:    "Time taken for a write-path operation in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	WritePathCompensationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_write_path_compensations_total",
			Help: "Total number of purchase saga compensations executed",
		},
	)

	// Webhook processor metrics (H)
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_webhook_events_total",
			Help: "Total number of webhook events received by type and outcome",
		},
		[]string{"event_type", "outcome"},
	)

	WebhookDuplicatesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_webhook_duplicates_total",
			Help: "Total number of webhook events rejected as duplicates",
		},
	)

	// Periodic drift sync metrics (I)
	DriftSyncRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_drift_sync_runs_total",
			Help: "Total number of periodic drift reconciliation runs",
		},
	)

	DriftSyncCorrectionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "syncd_drift_sync_corrections_total",
			Help: "Total number of drift corrections applied locally",
		},
	)

	// Job queue metrics (J)
	JobQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "syncd_jobqueue_depth",
			Help: "Current number of queued tasks by lane",
		},
		[]string{"lane"},
	)

	JobQueueTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_jobqueue_tasks_total",
			Help: "Total number of tasks dispatched by lane and outcome",
		},
		[]string{"lane", "outcome"},
	)

	JobQueueRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_jobqueue_retries_total",
			Help: "Total number of task redeliveries by lane",
		},
		[]string{"lane"},
	)

	// Operation journal metrics (K)
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "syncd_operations_total",
			Help: "Total number of operations recorded by type and terminal status",
		},
		[]string{"type", "status"},
	)
)

func init() {
	prometheus.MustRegister(SyncUsersTotal)
	prometheus.MustRegister(InventoryItemsTotal)
	prometheus.MustRegister(RateLimiterFactor)
	prometheus.MustRegister(RateLimiterTokensAvailable)
	prometheus.MustRegister(RateLimiterThrottledTotal)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTripsTotal)
	prometheus.MustRegister(BreakerRejectionsTotal)
	prometheus.MustRegister(MarketplaceRequestsTotal)
	prometheus.MustRegister(MarketplaceRequestDuration)
	prometheus.MustRegister(BulkSyncChunksTotal)
	prometheus.MustRegister(BulkSyncDuration)
	prometheus.MustRegister(BulkSyncItemsTotal)
	prometheus.MustRegister(WritePathDuration)
	prometheus.MustRegister(WritePathCompensationsTotal)
	prometheus.MustRegister(WebhookEventsTotal)
	prometheus.MustRegister(WebhookDuplicatesTotal)
	prometheus.MustRegister(DriftSyncRunsTotal)
	prometheus.MustRegister(DriftSyncCorrectionsTotal)
	prometheus.MustRegister(JobQueueDepth)
	prometheus.MustRegister(JobQueueTasksTotal)
	prometheus.MustRegister(JobQueueRetriesTotal)
	prometheus.MustRegister(OperationsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
