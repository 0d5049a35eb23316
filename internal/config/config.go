// Package config handles loading and validation of GenGate configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// GENGATE_ prefix:
//
//	budget.daily_limit_usd → GENGATE_BUDGET_DAILY_LIMIT_USD
//	rate_limit.hourly → GENGATE_RATE_LIMIT_HOURLY
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via GENGATE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/gengate/config.yaml"

// ---------------------------------------------------------------------------
// Enum types — typed string constants replace scattered hard-coded values.
// All canonical forms are lowercase; Load() normalizes before validation.
// ---------------------------------------------------------------------------

// FailMode controls the budget breaker's behavior when Redis is unreachable.
// Closed (the default) denies generations to protect spend; open allows them
// and is intended only for non-production environments.
type FailMode string

const (
	FailModeClosed FailMode = "closed"
	FailModeOpen   FailMode = "open"
)

func (m FailMode) Valid() bool {
	switch m {
	case FailModeClosed, FailModeOpen:
		return true
	}
	return false
}

// RedisMode identifies the Redis deployment topology.
type RedisMode string

const (
	RedisModeSingle      RedisMode = "single"
	RedisModeReplication RedisMode = "replication"
	RedisModeSentinel    RedisMode = "sentinel"
	RedisModeCluster     RedisMode = "cluster"
)

func (m RedisMode) Valid() bool {
	switch m {
	case RedisModeSingle, RedisModeReplication, RedisModeSentinel, RedisModeCluster:
		return true
	}
	return false
}

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// Config is the top-level GenGate configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"     envPrefix:"SERVER_"`
	Admin     AdminConfig     `yaml:"admin"      envPrefix:"ADMIN_"`
	Redis     RedisConfig     `yaml:"redis"      envPrefix:"REDIS_"`
	RateLimit RateLimitConfig `yaml:"rate_limit" envPrefix:"RATE_LIMIT_"`
	Budget    BudgetConfig    `yaml:"budget"     envPrefix:"BUDGET_"`
	Locks     LocksConfig     `yaml:"locks"      envPrefix:"LOCKS_"`
	Content   ContentConfig   `yaml:"content"    envPrefix:"CONTENT_"`
	Generator GeneratorConfig `yaml:"generator"  envPrefix:"GENERATOR_"`
	Refresh   RefreshConfig   `yaml:"refresh"    envPrefix:"REFRESH_"`
	Events    EventsConfig    `yaml:"events"     envPrefix:"EVENTS_"`
	Logging   LoggingConfig   `yaml:"logging"    envPrefix:"LOGGING_"`
	Tracing   TracingConfig   `yaml:"tracing"    envPrefix:"TRACING_"`
}

// ServerConfig holds the API server settings.
type ServerConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
	DrainTimeout string `yaml:"drain_timeout" env:"DRAIN_TIMEOUT"`
}

// AdminConfig holds the admin/observability server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// RateLimitConfig holds the per-identity generation rate tiers. A tier with
// a zero value is not enforced.
type RateLimitConfig struct {
	// Cooldown is the minimum spacing between generations for one identity
	// (a window with limit 1), e.g. "30s". Empty disables the tier.
	Cooldown string `yaml:"cooldown" env:"COOLDOWN"`
	// Hourly caps generations per identity per hour window.
	Hourly int64 `yaml:"hourly" env:"HOURLY"`
	// Daily caps generations per identity per 24h window.
	Daily int64 `yaml:"daily" env:"DAILY"`
	// KeyPrefix namespaces rate-limit keys in Redis. Default "gg".
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// BudgetConfig holds the global daily spend ceiling.
type BudgetConfig struct {
	// DailyLimitUSD is the global spend ceiling per UTC calendar day.
	// Zero disables budget enforcement.
	DailyLimitUSD float64 `yaml:"daily_limit_usd" env:"DAILY_LIMIT_USD"`
	// FailMode governs behavior when Redis is unreachable: "closed" denies
	// generations (protects spend, the default), "open" allows them. Open
	// mode is for non-production environments only.
	FailMode FailMode `yaml:"fail_mode" env:"FAIL_MODE"`
	// Prices maps a model identifier to its unit prices. Models absent from
	// the table are charged at zero and logged.
	Prices map[string]ModelPrice `yaml:"prices"`
}

// ModelPrice holds per-model unit prices in USD per million units.
type ModelPrice struct {
	InputPerMillion  float64 `yaml:"input_per_million"  json:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million" json:"output_per_million"`
}

// LocksConfig holds lock lease tuning per use-site.
type LocksConfig struct {
	// GenerateTTL bounds a generation lock lease; choose ≥ worst-case
	// generation latency plus margin. Default "2m".
	GenerateTTL string `yaml:"generate_ttl" env:"GENERATE_TTL"`
	// SyncTTL bounds a background-sync lock lease; longer than the sync's
	// expected duration so a crashed sync self-heals. Default "10m".
	SyncTTL string `yaml:"sync_ttl" env:"SYNC_TTL"`
	// AcquireRetries is the number of extra acquire attempts before a
	// generation request gives up with a busy response. Default 2.
	AcquireRetries int `yaml:"acquire_retries" env:"ACQUIRE_RETRIES"`
	// AcquireBackoff is the pause between acquire attempts. Default "150ms".
	AcquireBackoff string `yaml:"acquire_backoff" env:"ACQUIRE_BACKOFF"`
}

// ContentConfig holds content store settings.
type ContentConfig struct {
	// TTL is an optional Redis-side expiry for content entries. Empty or "0"
	// stores entries without expiry; entries are superseded, not deleted.
	TTL string `yaml:"ttl" env:"TTL"`
	// KeyPrefix namespaces content keys in Redis. Default "gg".
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	// SchemaVersion tags entries written by this deployment; bump it whenever
	// the payload shape or computation changes to force regeneration.
	SchemaVersion int `yaml:"schema_version" env:"SCHEMA_VERSION"`
}

// GeneratorConfig holds settings for the external generation provider.
type GeneratorConfig struct {
	HTTP GeneratorHTTPConfig `yaml:"http" envPrefix:"HTTP_"`
	// Timeout bounds a single provider call. Default "60s".
	Timeout string `yaml:"timeout" env:"TIMEOUT"`
	// MaxConcurrent caps in-flight provider calls per process. Default 8.
	MaxConcurrent int64 `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// Model is the provider model identifier used for cost accounting.
	Model string `yaml:"model" env:"MODEL"`
}

// GeneratorHTTPConfig holds the HTTP generation provider endpoint.
type GeneratorHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// RefreshConfig holds background refresh settings.
type RefreshConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// HTTP points at the profile-sync service invoked for stale identities.
	// An empty URL disables background refresh even when Enabled is true.
	HTTP RefreshHTTPConfig `yaml:"http" envPrefix:"HTTP_"`
	// Timeout bounds one background refresh run. Default "5m".
	Timeout string `yaml:"timeout" env:"TIMEOUT"`
}

// RefreshHTTPConfig holds the profile-sync service endpoint.
type RefreshHTTPConfig struct {
	URL string `yaml:"url" env:"URL"`
}

// EventsConfig holds optional usage event emission settings. When enabled,
// GenGate batches generation decisions and ships them to an external HTTP
// receiver.
type EventsConfig struct {
	Enabled       bool             `yaml:"enabled"        env:"ENABLED"`
	HTTP          EventsHTTPConfig `yaml:"http"           envPrefix:"HTTP_"`
	BatchSize     int              `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval string           `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	BufferSize    int              `yaml:"buffer_size"    env:"BUFFER_SIZE"`
	MaxRetries    int              `yaml:"max_retries"    env:"MAX_RETRIES"`
	RetryBackoff  string           `yaml:"retry_backoff"  env:"RETRY_BACKOFF"`
}

// EventsHTTPConfig holds HTTP event collector settings. Headers are applied
// verbatim to every batch request, so credentials go in as full values
// ("Authorization: Bearer ...").
type EventsHTTPConfig struct {
	URL     string                    `yaml:"url"     env:"URL"`
	Headers map[string]RedactedString `yaml:"headers"`
}

// RedisConfig holds Redis connection and topology settings.
type RedisConfig struct {
	Endpoints        []string       `yaml:"endpoints"         env:"ENDPOINTS" envSeparator:","`
	Mode             RedisMode      `yaml:"mode"              env:"MODE"`
	MasterName       string         `yaml:"master_name"       env:"MASTER_NAME"`
	Username         string         `yaml:"username"          env:"USERNAME"`
	Password         RedactedString `yaml:"password"          env:"PASSWORD"`
	DB               int            `yaml:"db"                env:"DB"`
	PoolSize         int            `yaml:"pool_size"         env:"POOL_SIZE"`
	DialTimeout      string         `yaml:"dial_timeout"      env:"DIAL_TIMEOUT"`
	ReadTimeout      string         `yaml:"read_timeout"      env:"READ_TIMEOUT"`
	WriteTimeout     string         `yaml:"write_timeout"     env:"WRITE_TIMEOUT"`
	TLS              RedisTLSConfig `yaml:"tls"               envPrefix:"TLS_"`
	SentinelUsername string         `yaml:"sentinel_username" env:"SENTINEL_USERNAME"`
	SentinelPassword RedactedString `yaml:"sentinel_password" env:"SENTINEL_PASSWORD"`
}

// RedactedString is a string that masks its value in String(), GoString(), and
// MarshalJSON() to prevent accidental leakage in logs or serialized output.
// Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// RedisTLSConfig holds Redis TLS settings.
type RedisTLSConfig struct {
	Enabled            bool `yaml:"enabled"              env:"ENABLED"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify" env:"INSECURE_SKIP_VERIFY"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  "30s",
			WriteTimeout: "120s",
			IdleTimeout:  "120s",
			DrainTimeout: "30s",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Redis: RedisConfig{
			Endpoints:    []string{"localhost:6379"},
			Mode:         RedisModeSingle,
			PoolSize:     10,
			DialTimeout:  "5s",
			ReadTimeout:  "3s",
			WriteTimeout: "3s",
		},
		RateLimit: RateLimitConfig{
			Cooldown:  "30s",
			Hourly:    10,
			Daily:     50,
			KeyPrefix: "gg",
		},
		Budget: BudgetConfig{
			DailyLimitUSD: 100,
			FailMode:      FailModeClosed,
		},
		Locks: LocksConfig{
			GenerateTTL:    "2m",
			SyncTTL:        "10m",
			AcquireRetries: 2,
			AcquireBackoff: "150ms",
		},
		Content: ContentConfig{
			KeyPrefix:     "gg",
			SchemaVersion: 1,
		},
		Generator: GeneratorConfig{
			Timeout:       "60s",
			MaxConcurrent: 8,
		},
		Refresh: RefreshConfig{
			Enabled: true,
			Timeout: "5m",
		},
		Events: EventsConfig{
			BatchSize:     64,
			FlushInterval: "5s",
			BufferSize:    1024,
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "gengate",
			SampleRate:  0.1,
		},
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("GENGATE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment variable
// overrides. The config file path defaults to /etc/gengate/config.yaml and
// can be overridden via GENGATE_CONFIG_FILE.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}
	// If the file doesn't exist, we continue with defaults + env overrides.

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "GENGATE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases all enum fields so that YAML values like "Closed"
// or env values like "OPEN" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Budget.FailMode = FailMode(strings.ToLower(string(cfg.Budget.FailMode)))
	cfg.Redis.Mode = RedisMode(strings.ToLower(string(cfg.Redis.Mode)))
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
func Validate(cfg *Config) error {
	if err := validateDurations(cfg); err != nil {
		return err
	}
	if err := validateRateLimit(cfg); err != nil {
		return err
	}
	if err := validateBudget(cfg); err != nil {
		return err
	}
	if err := validateContent(cfg); err != nil {
		return err
	}
	if err := validateLocks(cfg); err != nil {
		return err
	}
	if err := validateEvents(cfg); err != nil {
		return err
	}
	if err := validateRedis(cfg); err != nil {
		return err
	}
	if err := validateLogging(cfg); err != nil {
		return err
	}
	return validateTracing(cfg)
}

func validateDurations(cfg *Config) error {
	durations := []struct {
		name, val string
	}{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"server.idle_timeout", cfg.Server.IdleTimeout},
		{"server.drain_timeout", cfg.Server.DrainTimeout},
		{"admin.read_timeout", cfg.Admin.ReadTimeout},
		{"admin.write_timeout", cfg.Admin.WriteTimeout},
		{"admin.idle_timeout", cfg.Admin.IdleTimeout},
		{"redis.dial_timeout", cfg.Redis.DialTimeout},
		{"redis.read_timeout", cfg.Redis.ReadTimeout},
		{"redis.write_timeout", cfg.Redis.WriteTimeout},
		{"rate_limit.cooldown", cfg.RateLimit.Cooldown},
		{"locks.generate_ttl", cfg.Locks.GenerateTTL},
		{"locks.sync_ttl", cfg.Locks.SyncTTL},
		{"locks.acquire_backoff", cfg.Locks.AcquireBackoff},
		{"content.ttl", cfg.Content.TTL},
		{"generator.timeout", cfg.Generator.Timeout},
		{"refresh.timeout", cfg.Refresh.Timeout},
		{"events.flush_interval", cfg.Events.FlushInterval},
	}

	for _, d := range durations {
		if d.val == "" || d.val == "0" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("invalid %s %q: %w", d.name, d.val, err)
		}
	}
	return nil
}

func validateRateLimit(cfg *Config) error {
	if cfg.RateLimit.Hourly < 0 {
		return fmt.Errorf("rate_limit.hourly must be >= 0")
	}
	if cfg.RateLimit.Daily < 0 {
		return fmt.Errorf("rate_limit.daily must be >= 0")
	}
	return nil
}

func validateBudget(cfg *Config) error {
	if cfg.Budget.DailyLimitUSD < 0 {
		return fmt.Errorf("budget.daily_limit_usd must be >= 0")
	}
	if m := cfg.Budget.FailMode; m != "" && !m.Valid() {
		return fmt.Errorf("invalid budget.fail_mode %q: must be open or closed", m)
	}
	for model, p := range cfg.Budget.Prices {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return fmt.Errorf("budget.prices.%s: unit prices must be >= 0", model)
		}
	}
	return nil
}

func validateContent(cfg *Config) error {
	if cfg.Content.SchemaVersion < 1 {
		return fmt.Errorf("content.schema_version must be >= 1")
	}
	return nil
}

func validateLocks(cfg *Config) error {
	if cfg.Locks.AcquireRetries < 0 {
		return fmt.Errorf("locks.acquire_retries must be >= 0")
	}
	return nil
}

func validateEvents(cfg *Config) error {
	if !cfg.Events.Enabled {
		return nil
	}
	if cfg.Events.HTTP.URL == "" {
		return fmt.Errorf("events.http.url is required when events are enabled")
	}
	if cfg.Events.BatchSize < 1 {
		return fmt.Errorf("events.batch_size must be >= 1")
	}
	if cfg.Events.BufferSize < 1 {
		return fmt.Errorf("events.buffer_size must be >= 1")
	}
	if cfg.Events.MaxRetries < 0 {
		return fmt.Errorf("events.max_retries must be >= 0")
	}
	if cfg.Events.RetryBackoff != "" {
		if _, err := time.ParseDuration(cfg.Events.RetryBackoff); err != nil {
			return fmt.Errorf("events.retry_backoff: %w", err)
		}
	}
	return nil
}

func validateRedis(cfg *Config) error {
	rc := cfg.Redis
	if !rc.Mode.Valid() {
		return fmt.Errorf("invalid redis.mode %q", rc.Mode)
	}
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("redis.endpoints: at least one endpoint is required")
	}
	if rc.Mode == RedisModeSingle && len(rc.Endpoints) > 1 {
		return fmt.Errorf("redis.endpoints: single mode requires exactly one endpoint, got %d", len(rc.Endpoints))
	}
	if rc.Mode == RedisModeSentinel && rc.MasterName == "" {
		return fmt.Errorf("redis.master_name is required for sentinel mode")
	}
	if rc.Mode == RedisModeReplication && len(rc.Endpoints) < 2 {
		return fmt.Errorf("redis.endpoints: replication mode requires at least 2 endpoints, got %d", len(rc.Endpoints))
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	return nil
}

func validateTracing(cfg *Config) error {
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing.endpoint is required when tracing is enabled")
	}
	return nil
}

// ParseDuration parses a duration string, returning def if the string is
// empty or "0".
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	return time.ParseDuration(s)
}

// MustParseDuration parses a duration string, returning def on empty or error.
func MustParseDuration(s string, def time.Duration) time.Duration {
	d, err := ParseDuration(s, def)
	if err != nil {
		return def
	}
	return d
}

// RequiresRestart compares this config to old and returns the field paths
// that changed and require a process restart. Empty means the new config can
// be hot-swapped safely.
func (c *Config) RequiresRestart(old *Config) []string {
	if old == nil {
		return nil
	}
	var fields []string
	if c.Server.Address != old.Server.Address {
		fields = append(fields, "server.address")
	}
	if c.Admin.Address != old.Admin.Address {
		fields = append(fields, "admin.address")
	}
	if c.Redis.Mode != old.Redis.Mode {
		fields = append(fields, "redis.mode")
	}
	if !equalStrings(c.Redis.Endpoints, old.Redis.Endpoints) {
		fields = append(fields, "redis.endpoints")
	}
	return fields
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
