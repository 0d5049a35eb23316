// Package observability provides Prometheus metrics, health/readiness endpoints,
// structured logging, and OpenTelemetry tracing for GenGate.
package observability

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds both Prometheus gauges/counters and atomic counters for
// fast-path access in the orchestration hot path.
type Metrics struct {
	// Atomic counters for hot-path (no mutex, no allocation).
	cacheHits        int64
	cacheMisses      int64
	rateLimited      int64
	budgetBlocked    int64
	lockBusy         int64
	generations      int64
	generationErrors int64
	redisErrors      int64
	fallbackUsed     int64
	readOnlyRetries  int64
	refreshTriggered int64
	eventsDropped    int64

	// Prometheus counters for scraping.
	promCacheHits        prometheus.Counter
	promCacheMisses      prometheus.Counter
	promRateLimited      prometheus.Counter
	promBudgetBlocked    prometheus.Counter
	promLockBusy         prometheus.Counter
	promGenerations      prometheus.Counter
	promGenerationErrors prometheus.Counter
	promRedisErrors      prometheus.Counter
	promFallbackUsed     prometheus.Counter
	promRefreshTriggered prometheus.Counter
	promEventsDropped    prometheus.Counter

	// Exported for testutil assertions.
	PromEventsSendFailures prometheus.Counter

	// Prometheus histograms.
	PromRequestDuration    *prometheus.HistogramVec
	PromGenerationDuration prometheus.Histogram

	// Rate limit remaining distribution (histogram, not per-identity gauge
	// — avoids unbounded cardinality from high-cardinality identities).
	PromRLRemaining prometheus.Histogram

	// Daily spend against the budget cap.
	PromBudgetUsedUSD prometheus.Gauge

	// Per-kind/timeframe counters. Content kinds and timeframes are bounded
	// enumerations, so using labels is safe from cardinality explosions.
	promKindGenerated *prometheus.CounterVec
	promKindHits      *prometheus.CounterVec
}

// NewMetrics creates and registers Prometheus metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	m := &Metrics{
		promCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "content_cache_hits_total",
			Help:      "Total number of requests served from the content cache.",
		}),
		promCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "content_cache_misses_total",
			Help:      "Total number of cache misses that proceeded to generation.",
		}),
		promRateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "requests_rate_limited_total",
			Help:      "Total number of requests rejected by rate limiting.",
		}),
		promBudgetBlocked: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "requests_budget_blocked_total",
			Help:      "Total number of requests rejected by the daily budget breaker.",
		}),
		promLockBusy: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "requests_lock_busy_total",
			Help:      "Total number of requests rejected because another generation held the lock.",
		}),
		promGenerations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "generations_total",
			Help:      "Total number of completed upstream generations.",
		}),
		promGenerationErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "generation_errors_total",
			Help:      "Total number of upstream generation failures.",
		}),
		promRedisErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "redis_errors_total",
			Help:      "Total number of Redis errors encountered.",
		}),
		promFallbackUsed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "fallback_used_total",
			Help:      "Total number of rate-limit checks handled by in-memory fallback.",
		}),
		promRefreshTriggered: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "refresh_triggered_total",
			Help:      "Total number of background refreshes started.",
		}),
		promEventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "events_dropped_total",
			Help:      "Total number of generation events dropped due to buffer overflow.",
		}),
		PromEventsSendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "events_send_failures_total",
			Help:      "Total number of event batches dropped after exhausted delivery retries.",
		}),
		PromRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gengate",
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "status_code"}),
		PromGenerationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gengate",
			Name:      "generation_duration_seconds",
			Help:      "Upstream generation duration in seconds.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}),
		PromRLRemaining: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "gengate",
			Name:      "ratelimit_remaining",
			Help:      "Distribution of remaining calls across rate-limit checks.",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
		}),
		PromBudgetUsedUSD: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "gengate",
			Name:      "budget_used_usd",
			Help:      "Estimated spend recorded against today's budget window.",
		}),
		promKindGenerated: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "kind_generations_total",
			Help:      "Total generations per content kind and timeframe.",
		}, []string{"kind", "timeframe"}),
		promKindHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gengate",
			Name:      "kind_cache_hits_total",
			Help:      "Total cache hits per content kind and timeframe.",
		}, []string{"kind", "timeframe"}),
	}

	return m
}

// IncCacheHit increments the content cache hit counter.
func (m *Metrics) IncCacheHit() {
	atomic.AddInt64(&m.cacheHits, 1)
	m.promCacheHits.Inc()
}

// IncCacheMiss increments the content cache miss counter.
func (m *Metrics) IncCacheMiss() {
	atomic.AddInt64(&m.cacheMisses, 1)
	m.promCacheMisses.Inc()
}

// IncRateLimited increments the rate-limited requests counter.
func (m *Metrics) IncRateLimited() {
	atomic.AddInt64(&m.rateLimited, 1)
	m.promRateLimited.Inc()
}

// IncBudgetBlocked increments the budget-blocked requests counter.
func (m *Metrics) IncBudgetBlocked() {
	atomic.AddInt64(&m.budgetBlocked, 1)
	m.promBudgetBlocked.Inc()
}

// IncLockBusy increments the lock-contention counter.
func (m *Metrics) IncLockBusy() {
	atomic.AddInt64(&m.lockBusy, 1)
	m.promLockBusy.Inc()
}

// IncGenerations increments the completed generations counter.
func (m *Metrics) IncGenerations() {
	atomic.AddInt64(&m.generations, 1)
	m.promGenerations.Inc()
}

// IncGenerationErrors increments the upstream failure counter.
func (m *Metrics) IncGenerationErrors() {
	atomic.AddInt64(&m.generationErrors, 1)
	m.promGenerationErrors.Inc()
}

// IncRedisErrors increments the Redis error counter.
func (m *Metrics) IncRedisErrors() {
	atomic.AddInt64(&m.redisErrors, 1)
	m.promRedisErrors.Inc()
}

// IncFallbackUsed increments the fallback usage counter.
func (m *Metrics) IncFallbackUsed() {
	atomic.AddInt64(&m.fallbackUsed, 1)
	m.promFallbackUsed.Inc()
}

// IncReadOnlyRetries increments the READONLY retry counter.
func (m *Metrics) IncReadOnlyRetries() {
	atomic.AddInt64(&m.readOnlyRetries, 1)
}

// IncRefreshTriggered increments the background refresh counter.
func (m *Metrics) IncRefreshTriggered() {
	atomic.AddInt64(&m.refreshTriggered, 1)
	m.promRefreshTriggered.Inc()
}

// IncEventsDropped increments the dropped-events counter.
func (m *Metrics) IncEventsDropped() {
	atomic.AddInt64(&m.eventsDropped, 1)
	m.promEventsDropped.Inc()
}

// IncEventsSendFailures increments the exhausted-retries batch counter.
func (m *Metrics) IncEventsSendFailures() {
	m.PromEventsSendFailures.Inc()
}

// IncKindGenerated increments the per-kind generation counter.
func (m *Metrics) IncKindGenerated(kind, timeframe string) {
	m.promKindGenerated.WithLabelValues(kind, timeframe).Inc()
}

// IncKindHit increments the per-kind cache hit counter.
func (m *Metrics) IncKindHit(kind, timeframe string) {
	m.promKindHits.WithLabelValues(kind, timeframe).Inc()
}

// ObserveRemaining records the remaining calls as a histogram observation.
// This provides distribution visibility without per-identity cardinality.
func (m *Metrics) ObserveRemaining(remaining int64) {
	m.PromRLRemaining.Observe(float64(remaining))
}

// ObserveGenerationDuration records one upstream generation's wall time.
func (m *Metrics) ObserveGenerationDuration(seconds float64) {
	m.PromGenerationDuration.Observe(seconds)
}

// SetBudgetUsed records the latest observed daily spend.
func (m *Metrics) SetBudgetUsed(usd float64) {
	m.PromBudgetUsedUSD.Set(usd)
}

// MetricsSnapshot holds a point-in-time copy of all atomic counters. Served
// as JSON by the admin /v1/stats endpoint.
type MetricsSnapshot struct {
	CacheHits        int64 `json:"cache_hits"`
	CacheMisses      int64 `json:"cache_misses"`
	RateLimited      int64 `json:"rate_limited"`
	BudgetBlocked    int64 `json:"budget_blocked"`
	LockBusy         int64 `json:"lock_busy"`
	Generations      int64 `json:"generations"`
	GenerationErrors int64 `json:"generation_errors"`
	RedisErrors      int64 `json:"redis_errors"`
	FallbackUsed     int64 `json:"fallback_used"`
	ReadOnlyRetries  int64 `json:"read_only_retries"`
	RefreshTriggered int64 `json:"refresh_triggered"`
	EventsDropped    int64 `json:"events_dropped"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		CacheHits:        atomic.LoadInt64(&m.cacheHits),
		CacheMisses:      atomic.LoadInt64(&m.cacheMisses),
		RateLimited:      atomic.LoadInt64(&m.rateLimited),
		BudgetBlocked:    atomic.LoadInt64(&m.budgetBlocked),
		LockBusy:         atomic.LoadInt64(&m.lockBusy),
		Generations:      atomic.LoadInt64(&m.generations),
		GenerationErrors: atomic.LoadInt64(&m.generationErrors),
		RedisErrors:      atomic.LoadInt64(&m.redisErrors),
		FallbackUsed:     atomic.LoadInt64(&m.fallbackUsed),
		ReadOnlyRetries:  atomic.LoadInt64(&m.readOnlyRetries),
		RefreshTriggered: atomic.LoadInt64(&m.refreshTriggered),
		EventsDropped:    atomic.LoadInt64(&m.eventsDropped),
	}
}
