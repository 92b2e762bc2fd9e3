package domain

import "time"

// Config holds the complete clinscore configuration.
type Config struct {
	// Server settings
	Server ServerConfig `mapstructure:"server"`

	// Tier determines which backing services are used
	Tier Tier `mapstructure:"tier"`

	// Component configurations
	Repository RepositoryConfig `mapstructure:"repository"`
	Cache      CacheConfig      `mapstructure:"cache"`
	EventBus   EventBusConfig   `mapstructure:"event_bus"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`

	// Observability
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout"`  // seconds
	WriteTimeout int    `mapstructure:"write_timeout"` // seconds
}

// CatalogConfig controls where scoring definitions come from.
type CatalogConfig struct {
	// Bundled loads the definitions embedded in the binary.
	Bundled bool `mapstructure:"bundled"`

	// Dir is an optional directory of definition documents.
	Dir string `mapstructure:"dir"`

	// Pattern is the doublestar glob matched inside Dir.
	Pattern string `mapstructure:"pattern"`

	// Watch reloads the catalog when Dir changes.
	Watch bool `mapstructure:"watch"`

	// Workers bounds parallel compilation. Zero means runtime.NumCPU().
	Workers int `mapstructure:"workers"`
}

// EvaluationConfig tunes the evaluation service.
type EvaluationConfig struct {
	// ResultTTL is how long memoised results stay cached. Zero disables memoisation.
	ResultTTL time.Duration `mapstructure:"result_ttl"`

	// LastResultTTL is how long the last result per tenant and definition is kept.
	LastResultTTL time.Duration `mapstructure:"last_result_ttl"`

	// UsageWindow is the rolling window of per-definition usage counters.
	UsageWindow time.Duration `mapstructure:"usage_window"`

	// Tenants restricts the async worker to these tenants. Empty subscribes globally.
	Tenants []string `mapstructure:"tenants"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// AuditConfig controls the rotating evaluation audit log.
type AuditConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-memory cache and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./clinscore.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Catalog: CatalogConfig{
			Bundled: true,
			Pattern: "**/*.{yaml,yml,json}",
		},
		Evaluation: EvaluationConfig{
			ResultTTL:     10 * time.Minute,
			LastResultTTL: 24 * time.Hour,
			UsageWindow:   24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "clinscore",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Audit: AuditConfig{
			Enabled:    false,
			File:       "./audit/evaluations.jsonl",
			MaxSizeMB:  100,
			MaxBackups: 10,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "clinscore",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	cfg.Audit.Enabled = true
	return cfg
}
