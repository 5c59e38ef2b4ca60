package domain

import "time"

// Config holds the complete LinkLock configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing stores are used
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Geo        GeoConfig        `json:"geo"`

	// Core behavior
	Tracker TrackerConfig `json:"tracker"`
	Scoring ScoringConfig `json:"scoring"`
	Queue   QueueConfig   `json:"queue"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds

	// RateLimitPerMinute caps event ingestion per client IP. 0 disables it.
	RateLimitPerMinute int `json:"rateLimitPerMinute"`
}

// TrackerConfig holds settings for the event-handling path.
type TrackerConfig struct {
	// StoreTimeout bounds each optional collaborator read.
	StoreTimeout time.Duration `json:"storeTimeout"`

	// AttemptWindow is the TTL of the sliding attempt window.
	AttemptWindow time.Duration `json:"attemptWindow"`

	// RecentLimit and RecentTTL bound the recent-activity ring buffer.
	RecentLimit int           `json:"recentLimit"`
	RecentTTL   time.Duration `json:"recentTTL"`

	// SuspiciousDays is the default look-back for suspicious activity.
	SuspiciousDays int `json:"suspiciousDays"`
}

// ScoringConfig holds signal weights and thresholds for the risk scorer.
type ScoringConfig struct {
	NewDeviceWeight        int `json:"newDeviceWeight"`
	ImpossibleTravelWeight int `json:"impossibleTravelWeight"`
	RapidSuccessionWeight  int `json:"rapidSuccessionWeight"`
	BotWeight              int `json:"botWeight"`
	HeadlessWeight         int `json:"headlessWeight"`
	ScreenAnomalyWeight    int `json:"screenAnomalyWeight"`
	UnusualAmountWeight    int `json:"unusualAmountWeight"`

	// FlagThreshold marks an event anomalous at or above this score.
	FlagThreshold int `json:"flagThreshold"`

	// MaxTravelSpeedKmh is the fastest plausible travel between two events.
	MaxTravelSpeedKmh float64 `json:"maxTravelSpeedKmh"`

	// MinTravelDistanceKm ignores geolocation jitter between nearby points.
	MinTravelDistanceKm float64 `json:"minTravelDistanceKm"`

	// RapidAttemptThreshold fires rapid succession when the window count exceeds it.
	RapidAttemptThreshold int64 `json:"rapidAttemptThreshold"`

	// Unusual amount: N standard deviations once AmountMinSamples prior amounts
	// exist, otherwise AmountMeanMultiple times the mean for any non-empty history.
	AmountStdDevs      float64 `json:"amountStdDevs"`
	AmountMinSamples   int64   `json:"amountMinSamples"`
	AmountMeanMultiple float64 `json:"amountMeanMultiple"`
}

// QueueConfig holds settings for the anomaly queue and persistence worker.
type QueueConfig struct {
	Interval          time.Duration `json:"interval"`
	BatchSize         int           `json:"batchSize"`
	VisibilityTimeout time.Duration `json:"visibilityTimeout"`
	WriteTimeout      time.Duration `json:"writeTimeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`

	// Endpoint is the OTLP/gRPC collector address, e.g. "localhost:4317".
	Endpoint string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite, an in-memory KV store and channels
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL, Redis and NATS
	TierPro Tier = "pro"
)

// DefaultScoringConfig returns the default weights and thresholds.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		NewDeviceWeight:        30,
		ImpossibleTravelWeight: 40,
		RapidSuccessionWeight:  25,
		BotWeight:              25,
		HeadlessWeight:         25,
		ScreenAnomalyWeight:    10,
		UnusualAmountWeight:    30,
		FlagThreshold:          50,
		MaxTravelSpeedKmh:      900,
		MinTravelDistanceKm:    100,
		RapidAttemptThreshold:  5,
		AmountStdDevs:          3,
		AmountMinSamples:       5,
		AmountMeanMultiple:     3,
	}
}

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        30,
			WriteTimeout:       30,
			RateLimitPerMinute: 120,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./linklock.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxKeys: 100000,
			KeyPrefix:    "linklock:",
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Geo: GeoConfig{
			Type: "static",
		},
		Tracker: TrackerConfig{
			StoreTimeout:   500 * time.Millisecond,
			AttemptWindow:  60 * time.Second,
			RecentLimit:    10,
			RecentTTL:      7 * 24 * time.Hour,
			SuspiciousDays: 30,
		},
		Scoring: DefaultScoringConfig(),
		Queue: QueueConfig{
			Interval:          5 * time.Second,
			BatchSize:         50,
			VisibilityTimeout: time.Minute,
			WriteTimeout:      5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "linklock",
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
		PostgresDB:   "linklock",
	}
	cfg.Cache = CacheConfig{
		Type:      "redis",
		RedisAddr: "localhost:6379",
		KeyPrefix: "linklock:",
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Geo = GeoConfig{
		Type:         "maxmind",
		DatabasePath: "./GeoLite2-City.mmdb",
	}
	cfg.Tracing.Enabled = true
	cfg.Tracing.Endpoint = "localhost:4317"
	return cfg
}
