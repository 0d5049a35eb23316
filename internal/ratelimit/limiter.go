// Package ratelimit implements distributed fixed-window rate limiting using
// Redis with a Lua script for atomicity, plus an in-process fallback counter
// for when Redis is unavailable.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gengate/gengate/internal/redis"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ErrLimiterClosed is returned when CheckAndConsume is called after the
// limiter has been closed.
var ErrLimiterClosed = errors.New("limiter is closed")

// Backend identifies which counter store served a rate-limit decision.
type Backend string

const (
	BackendRedis Backend = "redis"
	BackendLocal Backend = "local"
)

// fixedWindowLua is the Lua source for atomic fixed-window counting.
//
// INCR creates the key at 1 when absent; PTTL < 0 means the key carries no
// expiry yet (first hit in the window), in which case the window TTL is set
// in the same script invocation so the increment and expiry are atomic from
// the caller's perspective.
//
// Returns {count, ttl_ms}.
//
// Keys: KEYS[1] = counter key.
// Args: ARGV[1] = window in seconds.
const fixedWindowLua = `
local key    = KEYS[1]
local window = tonumber(ARGV[1])

local count = redis.call('incr', key)
local ttl_ms = redis.call('pttl', key)
if ttl_ms < 0 then
  redis.call('expire', key, window)
  ttl_ms = window * 1000
end
return {count, ttl_ms}
`

// fixedWindowScript uses go-redis to compute the SHA1 hash that Redis expects
// for EVALSHA, avoiding a direct crypto/sha1 import in this package.
var fixedWindowScript = goredis.NewScript(fixedWindowLua)

// Result holds the outcome of a rate-limit check. The call that reaches
// count == limit is still allowed; the next one is not.
type Result struct {
	Allowed    bool
	Used       int64         // counter value after this call's increment
	Remaining  int64         // limit - used, floored at 0
	Limit      int64         // configured ceiling for the window
	ResetAt    time.Time     // when the current window expires
	RetryAfter time.Duration // meaningful only when Allowed == false
	Backend    Backend       // which store served the decision
}

// probeInterval is how long a failed backend stays marked unhealthy before
// the next call re-probes it.
const probeInterval = 5 * time.Second

// Limiter performs fixed-window rate limiting against Redis, failing over to
// an in-process FallbackCounter when Redis is unreachable. Every call both
// checks and consumes one unit; callers must not call it speculatively.
//
// Backend health is tracked per process: a connectivity error marks the
// backend unhealthy and degrades that call (and subsequent ones) to the
// fallback until a later probe succeeds. Probes are collapsed through
// singleflight so a thundering herd of requests issues at most one Ping.
type Limiter struct {
	client    redis.Client
	fallback  *FallbackCounter
	logger    *slog.Logger
	src       string // Lua source text (for EVAL fallback)
	hash      string // SHA1 hex digest (for EVALSHA)
	keyPrefix string

	healthy   atomic.Bool
	lastProbe atomic.Int64 // unix nanos of the last probe attempt
	probes    singleflight.Group

	closed atomic.Bool
}

// NewLimiter creates a Redis-backed limiter with the given fallback counter.
// The backend starts out presumed healthy; the first connectivity error
// flips it.
func NewLimiter(client redis.Client, fallback *FallbackCounter, prefix string, logger *slog.Logger) *Limiter {
	l := &Limiter{
		client:    client,
		fallback:  fallback,
		logger:    logger,
		src:       fixedWindowLua,
		hash:      fixedWindowScript.Hash(),
		keyPrefix: prefix,
	}
	l.healthy.Store(true)
	return l
}

// evalScript executes the Lua script via EVALSHA, falling back to EVAL on
// NOSCRIPT. This avoids sending the Lua source on every request.
func (l *Limiter) evalScript(ctx context.Context, keys []string, args ...any) (interface{ Slice() ([]any, error) }, error) {
	cmd := l.client.EvalSha(ctx, l.hash, keys, args...)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		l.logger.Debug("EVALSHA returned NOSCRIPT, falling back to EVAL",
			"key", keys[0], "error", cmd.Err())
		cmd = l.client.Eval(ctx, l.src, keys, args...)
	}
	if cmd.Err() != nil {
		return nil, cmd.Err()
	}
	return cmd, nil
}

// CheckAndConsume checks whether the caller identified by key may proceed,
// consuming one unit from the window in the same atomic step. A limit <= 0
// disables the check and always allows.
//
// Store unavailability never surfaces as an error: the call degrades to the
// in-process fallback, whose counters are per-instance rather than global.
func (l *Limiter) CheckAndConsume(ctx context.Context, key string, limit int64, window time.Duration) (*Result, error) {
	if l.closed.Load() {
		return nil, ErrLimiterClosed
	}
	if limit <= 0 {
		return &Result{Allowed: true, Limit: limit, Backend: BackendRedis}, nil
	}

	fullKey := l.keyPrefix + ":rl:" + key

	if l.backendHealthy(ctx) {
		res, err := l.consumeRedis(ctx, fullKey, limit, window)
		if err == nil {
			return res, nil
		}
		if !redis.IsConnectivityErr(err) {
			// Non-connectivity replies (WRONGTYPE, OOM) mean the stored
			// state is bad, not the store unreachable; degrading to local
			// counters would mask that.
			return nil, err
		}
		l.markUnhealthy(err)
	}

	return l.fallback.CheckAndConsume(fullKey, limit, window), nil
}

func (l *Limiter) consumeRedis(ctx context.Context, fullKey string, limit int64, window time.Duration) (*Result, error) {
	windowSecs := int64(window / time.Second)
	if windowSecs < 1 {
		windowSecs = 1
	}

	cmd, err := l.evalScript(ctx, []string{fullKey}, windowSecs)
	if err != nil {
		return nil, err
	}

	count, ttl, err := parseScriptResult(cmd)
	if err != nil {
		return nil, err
	}

	return buildResult(count, limit, ttl, BackendRedis), nil
}

// buildResult derives the caller-facing decision from a post-increment count
// and the window's remaining TTL.
func buildResult(count, limit int64, ttl time.Duration, backend Backend) *Result {
	res := &Result{
		Allowed: count <= limit,
		Used:    count,
		Limit:   limit,
		ResetAt: time.Now().Add(ttl),
		Backend: backend,
	}
	if rem := limit - count; rem > 0 {
		res.Remaining = rem
	}
	if !res.Allowed {
		res.RetryAfter = ttl
	}
	return res
}

// backendHealthy reports whether Redis should be tried for this call. An
// unhealthy backend is re-probed at most once per probeInterval, with
// concurrent probes collapsed.
func (l *Limiter) backendHealthy(ctx context.Context) bool {
	if l.healthy.Load() {
		return true
	}

	last := l.lastProbe.Load()
	if time.Since(time.Unix(0, last)) < probeInterval {
		return false
	}

	recovered, _, _ := l.probes.Do("probe", func() (any, error) {
		l.lastProbe.Store(time.Now().UnixNano())
		if err := l.client.Ping(ctx).Err(); err != nil {
			return false, nil
		}
		l.healthy.Store(true)
		l.logger.Info("rate limit backend recovered")
		return true, nil
	})
	ok, _ := recovered.(bool)
	return ok
}

func (l *Limiter) markUnhealthy(err error) {
	if l.healthy.CompareAndSwap(true, false) {
		l.lastProbe.Store(time.Now().UnixNano())
		l.logger.Warn("rate limit backend unreachable, degrading to local counters", "error", err)
	}
}

// Healthy reports the current backend health flag. Used by the admin health
// endpoints.
func (l *Limiter) Healthy() bool {
	return l.healthy.Load()
}

// Close marks the limiter as closed and releases the fallback counter.
// The Redis client is shared with other components and is closed by its
// owner, not here.
func (l *Limiter) Close() error {
	l.closed.Store(true)
	if l.fallback != nil {
		l.fallback.Close()
	}
	return nil
}

// parseScriptResult parses the Lua {count, ttl_ms} response.
func parseScriptResult(cmd interface{ Slice() ([]any, error) }) (int64, time.Duration, error) {
	arr, err := cmd.Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("reading script result: %w", err)
	}

	if len(arr) != 2 {
		return 0, 0, fmt.Errorf("script returned %d elements, want 2", len(arr))
	}

	count, err := toInt64(arr[0])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing count: %w", err)
	}

	ttlMillis, err := toInt64(arr[1])
	if err != nil {
		return 0, 0, fmt.Errorf("parsing ttl: %w", err)
	}

	return count, time.Duration(ttlMillis) * time.Millisecond, nil
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
