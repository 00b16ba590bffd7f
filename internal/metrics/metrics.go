package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ===== Task pool metrics =====

	PoolQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pool_queue_depth",
		Help: "Number of tasks waiting in a prioritized task pool",
	}, []string{"pool"})

	PoolBatchSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_batch_size",
		Help:    "Number of tasks dispatched per batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
	}, []string{"pool"})

	PoolBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pool_batch_duration_seconds",
		Help:    "Wall time spent executing one batch",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool"})

	PoolBatchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_batch_failures_total",
		Help: "Batches whose executor returned an error or panicked",
	}, []string{"pool"})

	PoolStarvationPromotions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_starvation_promotions_total",
		Help: "Tasks promoted to top priority after waiting past the horizon",
	}, []string{"pool"})

	PoolTasksCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pool_tasks_cancelled_total",
		Help: "Tasks skipped at dispatch because the caller cancelled",
	}, []string{"pool"})

	// ===== Attention cache metrics =====

	CacheCapacityBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_capacity_bytes",
		Help: "Total attention cache capacity per memory tier",
	}, []string{"tier"})

	CacheUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cache_used_bytes",
		Help: "Currently reserved attention cache bytes per memory tier",
	}, []string{"tier"})

	CacheHandlesActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cache_handles_active",
		Help: "Cache handles currently held by sessions",
	})

	CacheAllocationTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_allocation_timeouts_total",
		Help: "Allocations that timed out waiting for free space",
	})

	CacheAllocationRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_allocation_rejects_total",
		Help: "Allocations rejected because the shapes can never fit",
	})

	CacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_oob_total",
		Help: "Cache reads or writes rejected for exceeding region bounds",
	})

	// ===== Block backend metrics =====

	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "inference_tokens_total",
		Help: "Total tokens processed by inference steps",
	})

	InferenceStepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "inference_step_duration_seconds",
		Help:    "Duration of one block inference step",
		Buckets: prometheus.DefBuckets,
	}, []string{"block"})

	InferenceChunks = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "inference_chunks_per_step",
		Help:    "Number of sequence chunks one inference step was split into",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})

	CacheReorders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cache_hypothesis_reorders_total",
		Help: "Inference steps that permuted cache rows by hypothesis ids",
	})

	// ===== Session metrics =====

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "sessions_active",
		Help: "Open inference sessions holding a cache handle",
	})

	SessionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_expired_total",
		Help: "Sessions closed by the idle timeout sweeper",
	})
)
