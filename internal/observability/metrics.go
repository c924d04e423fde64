// Package observability registers the gateway's Prometheus metrics.
// Modeled directly on the reference control-plane's observability package
// (control_plane/observability/metrics.go): promauto-registered vectors
// named by subsystem, grouped with a comment banner per concern.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// === Admission ===

	AuthRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_auth_rejections_total",
		Help: "Total number of rejected payloads by reason",
	}, []string{"code"})

	AuthAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_auth_accepted_total",
		Help: "Total number of authenticated payloads accepted",
	})

	SequenceGap = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_sequence_gap",
		Help:    "Distance between accepted sequence numbers for a world instance",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// === Dispatch ===

	DispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_dispatch_latency_seconds",
		Help:    "Latency of a type-partitioned command sub-batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"command_type"})

	CommandsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_commands_dispatched_total",
		Help: "Total number of commands dispatched by type and outcome",
	}, []string{"command_type", "outcome"})

	// === Cache ===

	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_hits_total",
		Help: "Cache hits by tier",
	}, []string{"tier"})

	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_cache_misses_total",
		Help: "Total cache misses across both tiers",
	})

	CacheInvalidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_cache_invalidations_total",
		Help: "Total number of cache keys invalidated via dependency index",
	})

	// === Ephemeral / Durable ===

	DirtySetDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_dirty_set_depth",
		Help: "Current number of entities pending durable persistence",
	})

	EntityVersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_entity_version_conflicts_total",
		Help: "Total number of flush attempts aborted by a version fence",
	})

	DurableUpsertLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_durable_upsert_latency_seconds",
		Help:    "Latency of a durable batch upsert transaction",
		Buckets: prometheus.DefBuckets,
	})

	DurableStreamEnqueueFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_durable_stream_enqueue_failures_total",
		Help: "Total failures enqueuing change-stream events after a durable upsert",
	})

	// === Background Worker ===

	WorkerTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_worker_ticks_total",
		Help: "Total worker ticks by outcome",
	}, []string{"outcome"}) // ok, lock_contention, error

	WorkerPersistedEntities = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_worker_persisted_entities_total",
		Help: "Total entities successfully drained from the dirty set per tick",
	})

	// === Locks ===

	LockAcquireFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_lock_acquire_failures_total",
		Help: "Total failed lock acquisitions by key",
	}, []string{"key"})

	// === Streams ===

	StreamAppends = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_appends_total",
		Help: "Total number of stream messages appended",
	})

	StreamPulls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_pulls_total",
		Help: "Total number of stream pull requests served",
	})

	StreamAffinityRetained = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gateway_stream_affinity_retained_total",
		Help: "Total pulls that did not overwrite an existing affinity owner",
	})
)
