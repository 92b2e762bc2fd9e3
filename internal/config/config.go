// Package config loads clinscore configuration from an optional YAML file
// and CLINSCORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/viper"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. CLINSCORE_SERVER_PORT.
const EnvPrefix = "CLINSCORE"

// Load reads configuration into a fresh viper instance.
func Load(path string) (*domain.Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith reads configuration using v, which may already carry bound
// command-line flags. The tier, from the file or CLINSCORE_TIER, selects
// the defaults: community or pro.
func LoadWith(v *viper.Viper, path string) (*domain.Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	}

	base := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		base = domain.ProConfig()
	}
	setDefaults(v, base)

	var cfg domain.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	cfg.Tier = domain.Tier(strings.ToLower(string(cfg.Tier)))

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, c *domain.Config) {
	v.SetDefault("tier", string(c.Tier))

	v.SetDefault("server.host", c.Server.Host)
	v.SetDefault("server.port", c.Server.Port)
	v.SetDefault("server.read_timeout", c.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", c.Server.WriteTimeout)

	v.SetDefault("repository.driver", c.Repository.Driver)
	v.SetDefault("repository.sqlite_path", c.Repository.SQLitePath)
	v.SetDefault("repository.postgres_host", c.Repository.PostgresHost)
	v.SetDefault("repository.postgres_port", c.Repository.PostgresPort)
	v.SetDefault("repository.postgres_user", c.Repository.PostgresUser)
	v.SetDefault("repository.postgres_password", c.Repository.PostgresPassword)
	v.SetDefault("repository.postgres_db", c.Repository.PostgresDB)
	v.SetDefault("repository.postgres_ssl_mode", c.Repository.PostgresSSLMode)
	v.SetDefault("repository.max_open_conns", c.Repository.MaxOpenConns)
	v.SetDefault("repository.max_idle_conns", c.Repository.MaxIdleConns)
	v.SetDefault("repository.conn_max_lifetime", c.Repository.ConnMaxLifetime)

	v.SetDefault("cache.type", c.Cache.Type)
	v.SetDefault("cache.local_max_size", c.Cache.LocalMaxSize)
	v.SetDefault("cache.local_ttl", c.Cache.LocalTTL)
	v.SetDefault("cache.redis_addr", c.Cache.RedisAddr)
	v.SetDefault("cache.redis_password", c.Cache.RedisPassword)
	v.SetDefault("cache.redis_db", c.Cache.RedisDB)
	v.SetDefault("cache.enable_two_phase", c.Cache.EnableTwoPhase)

	v.SetDefault("event_bus.type", c.EventBus.Type)
	v.SetDefault("event_bus.channel_buffer_size", c.EventBus.ChannelBufferSize)
	v.SetDefault("event_bus.nats_url", c.EventBus.NATSUrl)
	v.SetDefault("event_bus.nats_token", c.EventBus.NATSToken)
	v.SetDefault("event_bus.nats_max_reconnects", c.EventBus.NATSMaxReconnects)
	v.SetDefault("event_bus.nats_reconnect_wait", c.EventBus.NATSReconnectWait)

	v.SetDefault("catalog.bundled", c.Catalog.Bundled)
	v.SetDefault("catalog.dir", c.Catalog.Dir)
	v.SetDefault("catalog.pattern", c.Catalog.Pattern)
	v.SetDefault("catalog.watch", c.Catalog.Watch)
	v.SetDefault("catalog.workers", c.Catalog.Workers)

	v.SetDefault("evaluation.result_ttl", c.Evaluation.ResultTTL)
	v.SetDefault("evaluation.last_result_ttl", c.Evaluation.LastResultTTL)
	v.SetDefault("evaluation.usage_window", c.Evaluation.UsageWindow)
	if len(c.Evaluation.Tenants) > 0 {
		v.SetDefault("evaluation.tenants", c.Evaluation.Tenants)
	} else {
		_ = v.BindEnv("evaluation.tenants")
	}

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)

	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.path", c.Metrics.Path)

	v.SetDefault("audit.enabled", c.Audit.Enabled)
	v.SetDefault("audit.file", c.Audit.File)
	v.SetDefault("audit.max_size_mb", c.Audit.MaxSizeMB)
	v.SetDefault("audit.max_backups", c.Audit.MaxBackups)
	v.SetDefault("audit.max_age_days", c.Audit.MaxAgeDays)
	v.SetDefault("audit.compress", c.Audit.Compress)
}

// Validate checks every section and reports all problems at once.
func Validate(c *domain.Config) error {
	return errors.Join(
		validateTier(c.Tier),
		validateServer(&c.Server),
		validateRepository(&c.Repository),
		validateCache(&c.Cache),
		validateEventBus(&c.EventBus),
		validateCatalog(&c.Catalog),
		validateEvaluation(&c.Evaluation),
		validateLogging(&c.Logging),
		validateMetrics(&c.Metrics),
		validateAudit(&c.Audit),
	)
}

func validateTier(t domain.Tier) error {
	switch t {
	case domain.TierCommunity, domain.TierPro:
		return nil
	}
	return fmt.Errorf("tier: unsupported tier '%s'", t)
}

func validateServer(s *domain.ServerConfig) error {
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", s.Port)
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return errors.New("server: timeouts must not be negative")
	}
	return nil
}

func validateRepository(r *domain.RepositoryConfig) error {
	switch r.Driver {
	case "sqlite":
		if r.SQLitePath == "" {
			return errors.New("repository.sqlite_path: must be specified")
		}
	case "postgres":
		if r.PostgresHost == "" {
			return errors.New("repository.postgres_host: must be specified")
		}
	default:
		return fmt.Errorf("repository.driver: unsupported driver '%s'", r.Driver)
	}
	return nil
}

func validateCache(c *domain.CacheConfig) error {
	switch c.Type {
	case "memory":
		if c.LocalMaxSize < 1 {
			return errors.New("cache.local_max_size: must be at least 1")
		}
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("cache.redis_addr: must be specified")
		}
	default:
		return fmt.Errorf("cache.type: unsupported type '%s'", c.Type)
	}
	return nil
}

func validateEventBus(b *domain.EventBusConfig) error {
	switch b.Type {
	case "channel":
	case "nats":
		if b.NATSUrl == "" {
			return errors.New("event_bus.nats_url: must be specified")
		}
	default:
		return fmt.Errorf("event_bus.type: unsupported type '%s'", b.Type)
	}
	return nil
}

func validateCatalog(c *domain.CatalogConfig) error {
	if !c.Bundled && c.Dir == "" {
		return errors.New("catalog: no definition source, enable bundled or set dir")
	}
	if c.Watch && c.Dir == "" {
		return errors.New("catalog.watch: requires catalog.dir")
	}
	if c.Pattern != "" && !doublestar.ValidatePattern(c.Pattern) {
		return fmt.Errorf("catalog.pattern: invalid glob '%s'", c.Pattern)
	}
	if c.Workers < 0 {
		return errors.New("catalog.workers: must not be negative")
	}
	return nil
}

func validateEvaluation(e *domain.EvaluationConfig) error {
	if e.ResultTTL < 0 || e.LastResultTTL < 0 || e.UsageWindow < 0 {
		return errors.New("evaluation: durations must not be negative")
	}
	return nil
}

func validateLogging(l *domain.LoggingConfig) error {
	if _, err := ParseLevel(l.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch strings.ToLower(l.Format) {
	case "json", "text":
		return nil
	}
	return fmt.Errorf("logging.format: unsupported format '%s'", l.Format)
}

func validateMetrics(m *domain.MetricsConfig) error {
	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		return fmt.Errorf("metrics.path: '%s' must start with /", m.Path)
	}
	return nil
}

func validateAudit(a *domain.AuditConfig) error {
	if a.Enabled && a.File == "" {
		return errors.New("audit.file: must be specified when audit is enabled")
	}
	return nil
}

// ParseLevel parses debug, info, warn (or warning) and error.
func ParseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unsupported level '%s'", level)
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}
