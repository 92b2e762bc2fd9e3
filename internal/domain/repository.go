// Package domain defines the core interfaces and types for clinscore.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// It is the optional storage collaborator: the scoring engine never
// touches it. All methods require tenantID for tenant isolation.
type Repository interface {
	// Custom scoring definitions
	SaveDefinition(ctx context.Context, tenantID string, def *ScoringDefinition) error
	GetDefinition(ctx context.Context, tenantID string, definitionID string) (*ScoringDefinition, error)
	ListDefinitions(ctx context.Context, tenantID string) ([]*ScoringDefinition, error)
	DeleteDefinition(ctx context.Context, tenantID string, definitionID string) error

	// AllDefinitions returns the custom definitions of every tenant.
	// Used by the catalog loader only.
	AllDefinitions(ctx context.Context) ([]*ScoringDefinition, error)

	// Evaluation audit records
	SaveEvaluation(ctx context.Context, tenantID string, eval *Evaluation) error
	GetEvaluation(ctx context.Context, tenantID string, evalID string) (*Evaluation, error)

	// Per-calculator notes
	SaveNote(ctx context.Context, tenantID string, note *Note) error
	ListNotes(ctx context.Context, tenantID string, definitionID string) ([]*Note, error)

	// Recent usage
	RecordUsage(ctx context.Context, tenantID string, definitionID string, at time.Time) error
	RecentUsage(ctx context.Context, tenantID string, limit int) ([]*Usage, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `mapstructure:"driver"`

	// SQLite specific
	SQLitePath string `mapstructure:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `mapstructure:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresDB       string `mapstructure:"postgres_db"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode"`

	// Connection pool settings
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// GlobalTenantID owns definitions that apply to every tenant.
const GlobalTenantID = "*"
