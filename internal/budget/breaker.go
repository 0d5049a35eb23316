// Package budget enforces a single global daily spend ceiling on generation
// cost. The counter lives in Redis under a UTC day key so every instance
// sees the same total; all mutation goes through an atomic Lua increment.
package budget

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gengate/gengate/internal/config"
	"github.com/gengate/gengate/internal/redis"
	goredis "github.com/redis/go-redis/v9"
)

// counterTTL keeps a day's counter around well past the day boundary so a
// late increment near midnight still lands on the correct key.
const counterTTL = 48 * time.Hour

// incrementLua atomically adds a cost to today's counter and pins the TTL
// on first write. Returns the new total as a string (INCRBYFLOAT semantics).
//
// Keys: KEYS[1] = day counter key.
// Args: ARGV[1] = cost, ARGV[2] = TTL in seconds.
const incrementLua = `
local key  = KEYS[1]
local cost = ARGV[1]
local ttl  = tonumber(ARGV[2])

local total = redis.call('incrbyfloat', key, cost)
if redis.call('ttl', key) < 0 then
  redis.call('expire', key, ttl)
end
return total
`

var incrementScript = goredis.NewScript(incrementLua)

// Status is the outcome of a budget check. Being exactly at the limit blocks
// the next request, not the one that reached it.
type Status struct {
	Allowed   bool
	Used      float64
	Limit     float64
	Remaining float64
}

// settings holds the reloadable knobs. Swapped wholesale on config reload so
// a check never mixes an old limit with a new fail mode.
type settings struct {
	limit  float64
	mode   config.FailMode
	prices map[string]config.ModelPrice
}

// Breaker reads and increments the daily spend counter. Store unavailability
// never surfaces as an error from Check: the configured fail mode decides
// whether to allow (open) or deny (closed).
type Breaker struct {
	client    redis.Client
	logger    *slog.Logger
	keyPrefix string
	src       string
	hash      string
	now       func() time.Time // injectable clock for day-boundary tests

	settings atomic.Pointer[settings]
}

// NewBreaker creates a budget breaker. An empty mode defaults to closed.
func NewBreaker(client redis.Client, cfg config.BudgetConfig, prefix string, logger *slog.Logger) *Breaker {
	b := &Breaker{
		client:    client,
		logger:    logger,
		keyPrefix: prefix,
		src:       incrementLua,
		hash:      incrementScript.Hash(),
		now:       time.Now,
	}
	b.Reload(cfg)
	return b
}

// Reload swaps the limit, fail mode, and price table. The spend counter in
// the store is untouched; in-flight checks finish with the old settings.
func (b *Breaker) Reload(cfg config.BudgetConfig) {
	mode := cfg.FailMode
	if mode == "" {
		mode = config.FailModeClosed
	}
	b.settings.Store(&settings{
		limit:  cfg.DailyLimitUSD,
		mode:   mode,
		prices: cfg.Prices,
	})
}

// dayKey returns the counter key for the current UTC calendar day. The
// budget is a global operator ceiling, so it deliberately uses UTC rather
// than any caller's timezone.
func (b *Breaker) dayKey() string {
	return b.keyPrefix + ":budget:" + b.now().UTC().Format("2006-01-02")
}

// Check reads today's counter and reports whether another generation may
// proceed. allowed = used < limit, strictly.
//
// A zero limit disables enforcement entirely.
func (b *Breaker) Check(ctx context.Context) *Status {
	s := b.settings.Load()
	if s.limit <= 0 {
		return &Status{Allowed: true}
	}

	used, err := b.readUsed(ctx)
	if err != nil {
		return b.failPolicy(s, err)
	}

	st := &Status{
		Used:    used,
		Limit:   s.limit,
		Allowed: used < s.limit,
	}
	if rem := s.limit - used; rem > 0 {
		st.Remaining = rem
	}
	return st
}

func (b *Breaker) readUsed(ctx context.Context) (float64, error) {
	val, err := b.client.Get(ctx, b.dayKey()).Result()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	used, err := strconv.ParseFloat(val, 64)
	if err != nil {
		// A corrupt counter is treated as store failure, not as zero spend.
		return 0, err
	}
	return used, nil
}

// failPolicy translates a store failure into an allow/deny decision per the
// configured fail mode. Open mode reports the full limit as remaining, which
// is documented as risky and intended only for non-production.
func (b *Breaker) failPolicy(s *settings, err error) *Status {
	if s.mode == config.FailModeOpen {
		b.logger.Warn("budget store unreachable, failing open", "error", err)
		return &Status{Allowed: true, Limit: s.limit, Remaining: s.limit}
	}
	b.logger.Warn("budget store unreachable, failing closed", "error", err)
	return &Status{Allowed: false, Limit: s.limit}
}

// Cost computes the USD cost of a generation from the per-model unit-price
// table. Unknown models cost zero and are logged.
func (b *Breaker) Cost(model string, inputUnits, outputUnits int64) float64 {
	if inputUnits == 0 && outputUnits == 0 {
		return 0
	}
	price, ok := b.settings.Load().prices[model]
	if !ok {
		b.logger.Warn("no price configured for model, charging zero", "model", model)
		return 0
	}
	return float64(inputUnits)*price.InputPerMillion/1e6 +
		float64(outputUnits)*price.OutputPerMillion/1e6
}

// Increment adds the cost of a completed generation to today's counter and
// returns the new total. It never fails to its caller: a zero cost skips the
// write, and store errors are logged and swallowed with a returned total of
// 0 so accounting problems cannot crash the request path.
func (b *Breaker) Increment(ctx context.Context, model string, inputUnits, outputUnits int64) float64 {
	cost := b.Cost(model, inputUnits, outputUnits)
	if cost == 0 {
		return 0
	}

	cmd := b.client.EvalSha(ctx, b.hash, []string{b.dayKey()}, cost, int(counterTTL/time.Second))
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		cmd = b.client.Eval(ctx, b.src, []string{b.dayKey()}, cost, int(counterTTL/time.Second))
	}
	if cmd.Err() != nil {
		b.logger.Error("budget increment failed", "model", model, "cost", cost, "error", cmd.Err())
		return 0
	}

	total, err := cmd.Float64()
	if err != nil {
		b.logger.Error("budget increment returned unparseable total", "error", err)
		return 0
	}
	return total
}
