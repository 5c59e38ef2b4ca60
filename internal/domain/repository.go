// Package domain defines the core interfaces and types for LinkLock.
package domain

import (
	"context"
	"time"
)

// EventStore is the durable history of login and transaction events.
// Events are append-only: there is no update path.
type EventStore interface {
	// Event history
	InsertEvent(ctx context.Context, ev *Event) error
	GetEvent(ctx context.Context, id string) (*Event, error)

	// FindPreviousEvent returns the actor's most recent event of the given kind.
	// Returns nil, nil if the actor has no such event.
	FindPreviousEvent(ctx context.Context, actorID string, kind EventKind, onlySuccessful bool) (*Event, error)
	CountEvents(ctx context.Context, actorID string, kind EventKind) (int64, error)
	ListDevices(ctx context.Context, actorID string) ([]*DeviceSummary, error)
	ListSuspicious(ctx context.Context, actorID string, since time.Time, threshold int) ([]*Event, error)
	ActorStats(ctx context.Context, actorID string, since time.Time) (*ActorStats, error)
	AmountBaseline(ctx context.Context, actorID string, category string) (*AmountBaseline, error)

	// Anomalies
	UpsertAnomaly(ctx context.Context, rec *AnomalyRecord) error
	GetAnomaly(ctx context.Context, id string) (*AnomalyRecord, error)
	ListAnomalies(ctx context.Context, limit int) ([]*AnomalyRecord, error)

	// Custom rule configuration
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
