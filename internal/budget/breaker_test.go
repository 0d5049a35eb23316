package budget

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gengate/gengate/internal/config"
	"github.com/gengate/gengate/internal/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.Default()

var testPrices = map[string]config.ModelPrice{
	"gpt-large": {InputPerMillion: 2.0, OutputPerMillion: 10.0},
}

func newTestBreaker(t *testing.T, cfg config.BudgetConfig) (*Breaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := redis.NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return NewBreaker(client, cfg, "gg", testLogger), mr
}

func seedUsage(t *testing.T, b *Breaker, mr *miniredis.Miniredis, amount string) {
	t.Helper()
	mr.Set(b.dayKey(), amount)
}

func TestCheck(t *testing.T) {
	t.Run("under the limit allows with remaining", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100})
		seedUsage(t, b, mr, "50")

		st := b.Check(context.Background())
		assert.True(t, st.Allowed)
		assert.Equal(t, float64(50), st.Used)
		assert.Equal(t, float64(100), st.Limit)
		assert.Equal(t, float64(50), st.Remaining)
	})

	t.Run("no counter yet means zero spend", func(t *testing.T) {
		b, _ := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100})

		st := b.Check(context.Background())
		assert.True(t, st.Allowed)
		assert.Equal(t, float64(0), st.Used)
		assert.Equal(t, float64(100), st.Remaining)
	})

	t.Run("exactly at the limit denies", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100})
		seedUsage(t, b, mr, "100")

		st := b.Check(context.Background())
		assert.False(t, st.Allowed, "boundary is exclusive of the limit")
		assert.Equal(t, float64(0), st.Remaining)
	})

	t.Run("over the limit denies with zero remaining", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100})
		seedUsage(t, b, mr, "150")

		st := b.Check(context.Background())
		assert.False(t, st.Allowed)
		assert.Equal(t, float64(150), st.Used)
		assert.Equal(t, float64(0), st.Remaining)
	})

	t.Run("zero limit disables enforcement", func(t *testing.T) {
		b, _ := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 0})
		assert.True(t, b.Check(context.Background()).Allowed)
	})

	t.Run("store down with fail mode closed denies", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{
			DailyLimitUSD: 100,
			FailMode:      config.FailModeClosed,
		})
		mr.Close()

		st := b.Check(context.Background())
		assert.False(t, st.Allowed)
	})

	t.Run("store down with fail mode open allows with full remaining", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{
			DailyLimitUSD: 100,
			FailMode:      config.FailModeOpen,
		})
		mr.Close()

		st := b.Check(context.Background())
		assert.True(t, st.Allowed)
		assert.Equal(t, float64(100), st.Remaining)
	})

	t.Run("corrupt counter value follows fail policy", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100})
		seedUsage(t, b, mr, "not-a-number")

		st := b.Check(context.Background())
		assert.False(t, st.Allowed, "default closed mode denies on unreadable counter")
	})
}

func TestCost(t *testing.T) {
	b, _ := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100, Prices: testPrices})

	t.Run("computes from unit prices", func(t *testing.T) {
		// 1M input at $2/M + 500k output at $10/M = 2 + 5 = 7.
		assert.InDelta(t, 7.0, b.Cost("gpt-large", 1_000_000, 500_000), 1e-9)
	})

	t.Run("zero units cost zero", func(t *testing.T) {
		assert.Equal(t, float64(0), b.Cost("gpt-large", 0, 0))
	})

	t.Run("unknown model costs zero", func(t *testing.T) {
		assert.Equal(t, float64(0), b.Cost("mystery", 1_000_000, 1_000_000))
	})
}

func TestIncrement(t *testing.T) {
	t.Run("adds cost and returns new total", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100, Prices: testPrices})
		seedUsage(t, b, mr, "10")

		total := b.Increment(context.Background(), "gpt-large", 1_000_000, 0)
		assert.InDelta(t, 12.0, total, 1e-9)

		st := b.Check(context.Background())
		assert.InDelta(t, 12.0, st.Used, 1e-9)
	})

	t.Run("zero units is a no-op with no observable write", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100, Prices: testPrices})

		total := b.Increment(context.Background(), "gpt-large", 0, 0)
		assert.Equal(t, float64(0), total)
		assert.False(t, mr.Exists(b.dayKey()), "counter must not be created")
	})

	t.Run("store failure returns zero rather than erroring", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100, Prices: testPrices})
		mr.Close()

		total := b.Increment(context.Background(), "gpt-large", 1_000_000, 0)
		assert.Equal(t, float64(0), total)
	})

	t.Run("first write pins a TTL on the day counter", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100, Prices: testPrices})

		b.Increment(context.Background(), "gpt-large", 1_000_000, 0)
		assert.Greater(t, mr.TTL(b.dayKey()), time.Duration(0))
	})
}

func TestReload(t *testing.T) {
	t.Run("new limit applies without touching the counter", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100})
		seedUsage(t, b, mr, "150")

		assert.False(t, b.Check(context.Background()).Allowed)

		b.Reload(config.BudgetConfig{DailyLimitUSD: 200})
		st := b.Check(context.Background())
		assert.True(t, st.Allowed)
		assert.Equal(t, float64(150), st.Used, "spend survives the reload")
	})

	t.Run("fail mode switch takes effect", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{
			DailyLimitUSD: 100,
			FailMode:      config.FailModeClosed,
		})
		mr.Close()

		assert.False(t, b.Check(context.Background()).Allowed)

		b.Reload(config.BudgetConfig{DailyLimitUSD: 100, FailMode: config.FailModeOpen})
		assert.True(t, b.Check(context.Background()).Allowed)
	})

	t.Run("new price table is used for cost", func(t *testing.T) {
		b, _ := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100, Prices: testPrices})

		b.Reload(config.BudgetConfig{
			DailyLimitUSD: 100,
			Prices: map[string]config.ModelPrice{
				"gpt-large": {InputPerMillion: 4.0, OutputPerMillion: 20.0},
			},
		})
		assert.InDelta(t, 4.0, b.Cost("gpt-large", 1_000_000, 0), 1e-9)
	})
}

func TestDayKey(t *testing.T) {
	t.Run("uses the UTC calendar day", func(t *testing.T) {
		b, _ := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100})
		// 23:30 in UTC-10 is already the next day in UTC+14; the key must
		// follow UTC regardless.
		b.now = func() time.Time {
			loc := time.FixedZone("UTC-10", -10*3600)
			return time.Date(2026, 3, 1, 23, 30, 0, 0, loc)
		}
		assert.Equal(t, "gg:budget:2026-03-02", b.dayKey())
	})

	t.Run("consecutive days use distinct counters", func(t *testing.T) {
		b, mr := newTestBreaker(t, config.BudgetConfig{DailyLimitUSD: 100, Prices: testPrices})

		day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		b.now = func() time.Time { return day }
		b.Increment(context.Background(), "gpt-large", 1_000_000, 0)

		b.now = func() time.Time { return day.Add(24 * time.Hour) }
		st := b.Check(context.Background())
		assert.Equal(t, float64(0), st.Used, "new day starts at zero")
		_ = mr
	})
}
