package ratelimit

import (
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// defaultMaxCost is the default memory budget for the fallback cache (64 MiB).
const defaultMaxCost = 64 << 20

// windowCost is the approximate memory footprint of a single window entry.
// Used as the cost parameter so ristretto can manage eviction by real memory
// rather than an arbitrary key count.
var windowCost = int64(unsafe.Sizeof(window{}))

// FallbackCounter provides per-key fixed-window counting using local memory.
// Used only when the Redis backend is unreachable.
//
// IMPORTANT: counters are NOT shared across processes. Each instance
// enforces the limit independently, so during an outage the effective
// ceiling is limit × instances. This is an accepted, documented degradation.
//
// Ristretto handles concurrency, TTL-based expiry, and admission/eviction
// (TinyLFU policy) within the configured memory budget; window state is
// stored per key with a per-entry mutex so hot paths only contend on the
// individual key, not a global lock.
type FallbackCounter struct {
	cache *ristretto.Cache[string, *window]
}

type window struct {
	mu      sync.Mutex
	count   int64
	resetAt time.Time
}

// NewFallbackCounter creates an in-memory counter backed by ristretto.
func NewFallbackCounter() *FallbackCounter {
	// Estimate the expected number of items so the frequency sketch is accurate.
	// NumCounters should be ~10x the expected max items.
	estimatedItems := defaultMaxCost / windowCost
	numCounters := estimatedItems * 10

	cache, err := ristretto.NewCache(&ristretto.Config[string, *window]{
		NumCounters: numCounters,
		MaxCost:     defaultMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		// Only fails with invalid config; the values above are always valid.
		panic("ristretto: " + err.Error())
	}

	return &FallbackCounter{cache: cache}
}

// CheckAndConsume applies the same fixed-window semantics as the Redis path
// against a local counter. It never fails; the Result's Backend is always
// BackendLocal.
func (f *FallbackCounter) CheckAndConsume(key string, limit int64, windowDur time.Duration) *Result {
	now := time.Now()

	w, found := f.cache.Get(key)
	if !found {
		// New key — this request opens the window at count 1.
		w = &window{count: 1, resetAt: now.Add(windowDur)}
		f.cache.SetWithTTL(key, w, windowCost, windowDur)
		// Wait ensures the entry is visible to subsequent Gets. This only
		// blocks on the first request for a key; the hot path (cache hit)
		// has zero extra cost. Acceptable for a fallback counter.
		f.cache.Wait()
		return buildResult(1, limit, windowDur, BackendLocal)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	// An expired window that ristretto has not evicted yet resets in place.
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(windowDur)
	}

	w.count++
	return buildResult(w.count, limit, time.Until(w.resetAt), BackendLocal)
}

// Close releases resources held by the cache. Safe to call multiple times.
func (f *FallbackCounter) Close() {
	if f.cache != nil {
		f.cache.Close()
	}
}
