/*
Package metrics provides Prometheus metrics collection and exposition for syncd.

The metrics package defines and registers all syncd metrics using the Prometheus
client library, providing observability into sync throughput, rate limiter
capacity, circuit breaker state, job queue depth, and operation outcomes.
Metrics are exposed via an http.Handler, which cmd/syncd mounts at /metrics.

# Architecture

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │          Prometheus Registry                │          │
	│  │  - Global DefaultRegistry                   │          │
	│  │  - MustRegister at package init             │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │              Metric Types                   │          │
	│  │  Gauge: instant values (breaker state)      │          │
	│  │  Counter: monotonic (webhook events)        │          │
	│  │  Histogram: distributions (marketplace RTT) │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Metric Categories                 │          │
	│  │  Sync users / inventory: catalog size       │          │
	│  │  Rate limiter (C): factor, tokens, throttles│          │
	│  │  Breaker (D): state, trips, rejections      │          │
	│  │  Marketplace (E): request count, duration   │          │
	│  │  Bulk sync (F): chunks, items, duration     │          │
	│  │  Write path (G): duration, compensations    │          │
	│  │  Webhook (H): events, duplicates            │          │
	│  │  Drift sync (I): runs, corrections          │          │
	│  │  Job queue (J): depth, tasks, retries        │          │
	│  │  Operations (K): terminal outcomes           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │          metrics.Handler()                  │          │
	│  │  - promhttp.Handler()                       │          │
	│  │  - mounted at /metrics by cmd/syncd          │          │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Usage

Updating Gauge Metrics:

	import "github.com/cuemby/syncd/pkg/metrics"

	metrics.RateLimiterFactor.WithLabelValues(userID).Set(0.6)
	metrics.BreakerState.Set(1) // half-open

Updating Counter Metrics:

	metrics.WebhookEventsTotal.WithLabelValues("order.update", "applied").Inc()
	metrics.BulkSyncChunksTotal.WithLabelValues("succeeded").Inc()

Recording Histogram Observations:

	timer := metrics.NewTimer()
	// ... call the marketplace ...
	timer.ObserveDurationVec(metrics.MarketplaceRequestDuration, "bulk_update")

Complete Example:

	package main

	import (
		"net/http"
		"github.com/cuemby/syncd/pkg/metrics"
	)

	func main() {
		metrics.SyncUsersTotal.WithLabelValues("ACTIVE").Set(42)

		timer := metrics.NewTimer()
		runBulkSync()
		timer.ObserveDuration(metrics.BulkSyncDuration)

		http.Handle("/metrics", metrics.Handler())
		http.ListenAndServe(":9090", nil)
	}

	func runBulkSync() {}

# Integration Points

This package integrates with:

  - pkg/breaker: reports state and trips
  - pkg/marketplace: instruments every outbound call and counts breaker
    rejections
  - pkg/driftsync: run and correction counters
  - pkg/jobqueue: lane depth, task outcome and retry counters
  - Collector: polls pkg/storage for the sync-user and inventory gauges

The rate limiter, bulk-sync, write-path, webhook and operations metrics are
registered here, but pkg/ratelimit, pkg/bulksync, pkg/writepath,
pkg/webhook and pkg/operations do not update them.

# Design Patterns

Package Init Registration:
  - All metrics registered in init()
  - MustRegister panics on duplicate registration, catching typos early

Label Discipline:
  - user_id is used only on the rate limiter gauges, which are naturally
    bounded by the number of connected accounts; no per-item or per-event
    labels carry unbounded identifiers

Timer Pattern:
  - Create a timer at operation start, observe duration at the end
  - Works for both plain histograms and label vectors

# See Also

  - Prometheus documentation: https://prometheus.io/docs/
  - Prometheus client library: https://github.com/prometheus/client_golang
*/
package metrics
