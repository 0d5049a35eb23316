package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// parseEnv is a test helper that applies env overrides to cfg using the same
// mechanism as Load(). It mirrors the GENGATE_ prefix used in production.
func parseEnv(t *testing.T, cfg *Config) {
	t.Helper()
	require.NoError(t, env.ParseWithOptions(cfg, env.Options{Prefix: "GENGATE_"}))
}

func TestDefaults(t *testing.T) {
	t.Run("returns non-nil config with sensible defaults", func(t *testing.T) {
		cfg := Defaults()

		assert.Equal(t, ":8080", cfg.Server.Address)
		assert.Equal(t, ":9090", cfg.Admin.Address)
		assert.Equal(t, RedisModeSingle, cfg.Redis.Mode)
		assert.Equal(t, []string{"localhost:6379"}, cfg.Redis.Endpoints)
		assert.Equal(t, 10, cfg.Redis.PoolSize)
		assert.Equal(t, "30s", cfg.RateLimit.Cooldown)
		assert.Equal(t, int64(10), cfg.RateLimit.Hourly)
		assert.Equal(t, int64(50), cfg.RateLimit.Daily)
		assert.Equal(t, float64(100), cfg.Budget.DailyLimitUSD)
		assert.Equal(t, FailModeClosed, cfg.Budget.FailMode)
		assert.Equal(t, "2m", cfg.Locks.GenerateTTL)
		assert.Equal(t, "10m", cfg.Locks.SyncTTL)
		assert.Equal(t, 2, cfg.Locks.AcquireRetries)
		assert.Equal(t, 1, cfg.Content.SchemaVersion)
		assert.Equal(t, int64(8), cfg.Generator.MaxConcurrent)
		assert.True(t, cfg.Refresh.Enabled)
		assert.Equal(t, LogLevelInfo, cfg.Logging.Level)
		assert.Equal(t, LogFormatJSON, cfg.Logging.Format)
		assert.Equal(t, "gengate", cfg.Tracing.ServiceName)
		assert.Equal(t, 0.1, cfg.Tracing.SampleRate)
	})
}

func TestLoadFromYAML(t *testing.T) {
	t.Run("parses valid YAML file", func(t *testing.T) {
		yamlContent := `
server:
  address: ":9999"
redis:
  endpoints:
    - "redis:6379"
  mode: "single"
rate_limit:
  cooldown: "1m"
  hourly: 20
  daily: 100
budget:
  daily_limit_usd: 250.5
  fail_mode: "open"
  prices:
    gpt-large:
      input_per_million: 2.5
      output_per_million: 10
logging:
  level: "debug"
  format: "text"
`
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "config.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte(yamlContent), 0o644))

		t.Setenv("GENGATE_CONFIG_FILE", cfgFile)

		cfg, err := Load()
		require.NoError(t, err)

		assert.Equal(t, ":9999", cfg.Server.Address)
		assert.Equal(t, "1m", cfg.RateLimit.Cooldown)
		assert.Equal(t, int64(20), cfg.RateLimit.Hourly)
		assert.Equal(t, int64(100), cfg.RateLimit.Daily)
		assert.Equal(t, 250.5, cfg.Budget.DailyLimitUSD)
		assert.Equal(t, FailModeOpen, cfg.Budget.FailMode)
		assert.Equal(t, 2.5, cfg.Budget.Prices["gpt-large"].InputPerMillion)
		assert.Equal(t, LogLevelDebug, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})

	t.Run("returns error for invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		cfgFile := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(cfgFile, []byte("{{invalid"), 0o644))

		t.Setenv("GENGATE_CONFIG_FILE", cfgFile)

		_, err := Load()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config file")
	})

	t.Run("uses defaults when config file does not exist", func(t *testing.T) {
		t.Setenv("GENGATE_CONFIG_FILE", "/nonexistent/config.yaml")
		t.Setenv("GENGATE_BUDGET_DAILY_LIMIT_USD", "42")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, float64(42), cfg.Budget.DailyLimitUSD)
		assert.Equal(t, ":8080", cfg.Server.Address) // default
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Run("env overrides string field", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("GENGATE_SERVER_ADDRESS", ":7777")
		t.Setenv("GENGATE_GENERATOR_HTTP_URL", "http://generator:9090/v1/generate")

		parseEnv(t, cfg)

		assert.Equal(t, ":7777", cfg.Server.Address)
		assert.Equal(t, "http://generator:9090/v1/generate", cfg.Generator.HTTP.URL)
	})

	t.Run("env overrides numeric fields", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("GENGATE_RATE_LIMIT_HOURLY", "99")
		t.Setenv("GENGATE_LOCKS_ACQUIRE_RETRIES", "5")
		t.Setenv("GENGATE_BUDGET_DAILY_LIMIT_USD", "12.75")

		parseEnv(t, cfg)

		assert.Equal(t, int64(99), cfg.RateLimit.Hourly)
		assert.Equal(t, 5, cfg.Locks.AcquireRetries)
		assert.Equal(t, 12.75, cfg.Budget.DailyLimitUSD)
	})

	t.Run("env overrides redis endpoints with separator", func(t *testing.T) {
		cfg := Defaults()

		t.Setenv("GENGATE_REDIS_ENDPOINTS", "r1:6379,r2:6379")
		t.Setenv("GENGATE_REDIS_MODE", "replication")

		parseEnv(t, cfg)

		assert.Equal(t, []string{"r1:6379", "r2:6379"}, cfg.Redis.Endpoints)
		assert.Equal(t, RedisModeReplication, cfg.Redis.Mode)
	})
}

func TestNormalize(t *testing.T) {
	t.Run("lowercases enum fields", func(t *testing.T) {
		cfg := Defaults()
		cfg.Budget.FailMode = "CLOSED"
		cfg.Redis.Mode = "Sentinel"
		cfg.Logging.Level = "WARN"
		cfg.Logging.Format = "Text"

		cfg.normalize()

		assert.Equal(t, FailModeClosed, cfg.Budget.FailMode)
		assert.Equal(t, RedisModeSentinel, cfg.Redis.Mode)
		assert.Equal(t, LogLevelWarn, cfg.Logging.Level)
		assert.Equal(t, LogFormatText, cfg.Logging.Format)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config { return Defaults() }

	t.Run("accepts defaults", func(t *testing.T) {
		assert.NoError(t, Validate(valid()))
	})

	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "negative hourly limit",
			mutate:  func(c *Config) { c.RateLimit.Hourly = -1 },
			wantErr: "rate_limit.hourly",
		},
		{
			name:    "negative daily budget",
			mutate:  func(c *Config) { c.Budget.DailyLimitUSD = -5 },
			wantErr: "budget.daily_limit_usd",
		},
		{
			name:    "invalid fail mode",
			mutate:  func(c *Config) { c.Budget.FailMode = "maybe" },
			wantErr: "budget.fail_mode",
		},
		{
			name: "negative model price",
			mutate: func(c *Config) {
				c.Budget.Prices = map[string]ModelPrice{"m": {InputPerMillion: -1}}
			},
			wantErr: "budget.prices.m",
		},
		{
			name:    "zero schema version",
			mutate:  func(c *Config) { c.Content.SchemaVersion = 0 },
			wantErr: "content.schema_version",
		},
		{
			name:    "negative acquire retries",
			mutate:  func(c *Config) { c.Locks.AcquireRetries = -1 },
			wantErr: "locks.acquire_retries",
		},
		{
			name:    "bad duration",
			mutate:  func(c *Config) { c.Locks.GenerateTTL = "soon" },
			wantErr: "locks.generate_ttl",
		},
		{
			name:    "invalid redis mode",
			mutate:  func(c *Config) { c.Redis.Mode = "mesh" },
			wantErr: "redis.mode",
		},
		{
			name:    "no redis endpoints",
			mutate:  func(c *Config) { c.Redis.Endpoints = nil },
			wantErr: "redis.endpoints",
		},
		{
			name: "single mode with multiple endpoints",
			mutate: func(c *Config) {
				c.Redis.Endpoints = []string{"a:6379", "b:6379"}
			},
			wantErr: "single mode requires exactly one endpoint",
		},
		{
			name: "sentinel without master name",
			mutate: func(c *Config) {
				c.Redis.Mode = RedisModeSentinel
			},
			wantErr: "redis.master_name",
		},
		{
			name: "replication with one endpoint",
			mutate: func(c *Config) {
				c.Redis.Mode = RedisModeReplication
			},
			wantErr: "replication mode requires at least 2 endpoints",
		},
		{
			name: "events enabled without URL",
			mutate: func(c *Config) {
				c.Events.Enabled = true
			},
			wantErr: "events.http.url",
		},
		{
			name: "tracing enabled without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
			},
			wantErr: "tracing.endpoint",
		},
		{
			name:    "invalid log level",
			mutate:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	t.Run("empty returns default", func(t *testing.T) {
		d, err := ParseDuration("", 5*time.Second)
		require.NoError(t, err)
		assert.Equal(t, 5*time.Second, d)
	})

	t.Run("valid string parses", func(t *testing.T) {
		d, err := ParseDuration("90s", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 90*time.Second, d)
	})

	t.Run("MustParseDuration falls back on garbage", func(t *testing.T) {
		assert.Equal(t, time.Minute, MustParseDuration("later", time.Minute))
	})
}

func TestRedactedString(t *testing.T) {
	t.Run("String masks non-empty value", func(t *testing.T) {
		s := RedactedString("hunter2")
		assert.Equal(t, "[REDACTED]", s.String())
		assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
		assert.Equal(t, "[REDACTED]", s.GoString())
		assert.Equal(t, "hunter2", s.Value())
	})

	t.Run("empty value stays empty", func(t *testing.T) {
		s := RedactedString("")
		assert.Equal(t, "", s.String())
	})

	t.Run("JSON marshals to placeholder", func(t *testing.T) {
		b, err := json.Marshal(struct {
			Password RedactedString `json:"password"`
		}{Password: "secret"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"password":"[REDACTED]"}`, string(b))
	})
}

func TestRequiresRestart(t *testing.T) {
	t.Run("nil old config needs no restart", func(t *testing.T) {
		assert.Empty(t, Defaults().RequiresRestart(nil))
	})

	t.Run("identical configs need no restart", func(t *testing.T) {
		assert.Empty(t, Defaults().RequiresRestart(Defaults()))
	})

	t.Run("address and topology changes need restart", func(t *testing.T) {
		old := Defaults()
		cur := Defaults()
		cur.Server.Address = ":8081"
		cur.Redis.Endpoints = []string{"other:6379"}

		fields := cur.RequiresRestart(old)
		assert.Contains(t, fields, "server.address")
		assert.Contains(t, fields, "redis.endpoints")
	})

	t.Run("rate limit changes are hot-swappable", func(t *testing.T) {
		old := Defaults()
		cur := Defaults()
		cur.RateLimit.Hourly = 500
		cur.Budget.DailyLimitUSD = 9000

		assert.Empty(t, cur.RequiresRestart(old))
	})
}
