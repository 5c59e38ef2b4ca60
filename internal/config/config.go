// Package config loads LinkLock configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/opensource-finance/linklock/internal/domain"
)

// Load reads an optional .env file and builds the configuration for the
// tier selected by LINKLOCK_TIER, then applies LINKLOCK_* overrides.
func Load() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := domain.DefaultConfig()
	if getEnv("LINKLOCK_TIER", "") == string(domain.TierPro) {
		cfg = domain.ProConfig()
	}

	applyEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *domain.Config) {
	// Server
	cfg.Server.Host = getEnv("LINKLOCK_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("LINKLOCK_PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = getEnvInt("LINKLOCK_READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = getEnvInt("LINKLOCK_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.RateLimitPerMinute = getEnvInt("LINKLOCK_RATE_LIMIT", cfg.Server.RateLimitPerMinute)

	// Repository
	cfg.Repository.Driver = getEnv("LINKLOCK_DB_DRIVER", cfg.Repository.Driver)
	cfg.Repository.SQLitePath = getEnv("LINKLOCK_SQLITE_PATH", cfg.Repository.SQLitePath)
	cfg.Repository.PostgresHost = getEnv("LINKLOCK_DB_HOST", cfg.Repository.PostgresHost)
	cfg.Repository.PostgresPort = getEnvInt("LINKLOCK_DB_PORT", cfg.Repository.PostgresPort)
	cfg.Repository.PostgresUser = getEnv("LINKLOCK_DB_USER", cfg.Repository.PostgresUser)
	cfg.Repository.PostgresPassword = getEnv("LINKLOCK_DB_PASSWORD", cfg.Repository.PostgresPassword)
	cfg.Repository.PostgresDB = getEnv("LINKLOCK_DB_NAME", cfg.Repository.PostgresDB)
	cfg.Repository.PostgresSSLMode = getEnv("LINKLOCK_DB_SSLMODE", cfg.Repository.PostgresSSLMode)
	cfg.Repository.MaxOpenConns = getEnvInt("LINKLOCK_DB_MAX_OPEN_CONNS", cfg.Repository.MaxOpenConns)
	cfg.Repository.MaxIdleConns = getEnvInt("LINKLOCK_DB_MAX_IDLE_CONNS", cfg.Repository.MaxIdleConns)
	cfg.Repository.ConnMaxLifetime = getEnvDuration("LINKLOCK_DB_CONN_MAX_LIFETIME", cfg.Repository.ConnMaxLifetime)

	// KV store
	cfg.Cache.Type = getEnv("LINKLOCK_CACHE_TYPE", cfg.Cache.Type)
	cfg.Cache.LocalMaxKeys = getEnvInt("LINKLOCK_CACHE_MAX_KEYS", cfg.Cache.LocalMaxKeys)
	cfg.Cache.RedisAddr = getEnv("LINKLOCK_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("LINKLOCK_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("LINKLOCK_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.KeyPrefix = getEnv("LINKLOCK_KEY_PREFIX", cfg.Cache.KeyPrefix)

	// Event bus
	cfg.EventBus.Type = getEnv("LINKLOCK_BUS_TYPE", cfg.EventBus.Type)
	cfg.EventBus.ChannelBufferSize = getEnvInt("LINKLOCK_BUS_BUFFER", cfg.EventBus.ChannelBufferSize)
	cfg.EventBus.NATSUrl = getEnv("LINKLOCK_NATS_URL", cfg.EventBus.NATSUrl)
	cfg.EventBus.NATSToken = getEnv("LINKLOCK_NATS_TOKEN", cfg.EventBus.NATSToken)

	// Geolocation
	cfg.Geo.Type = getEnv("LINKLOCK_GEO_TYPE", cfg.Geo.Type)
	cfg.Geo.DatabasePath = getEnv("LINKLOCK_GEOIP_DB", cfg.Geo.DatabasePath)
	cfg.Geo.StaticFile = getEnv("LINKLOCK_GEO_STATIC_FILE", cfg.Geo.StaticFile)

	// Tracker
	cfg.Tracker.StoreTimeout = getEnvDuration("LINKLOCK_STORE_TIMEOUT", cfg.Tracker.StoreTimeout)
	cfg.Tracker.AttemptWindow = getEnvDuration("LINKLOCK_ATTEMPT_WINDOW", cfg.Tracker.AttemptWindow)
	cfg.Tracker.RecentLimit = getEnvInt("LINKLOCK_RECENT_LIMIT", cfg.Tracker.RecentLimit)
	cfg.Tracker.RecentTTL = getEnvDuration("LINKLOCK_RECENT_TTL", cfg.Tracker.RecentTTL)
	cfg.Tracker.SuspiciousDays = getEnvInt("LINKLOCK_SUSPICIOUS_DAYS", cfg.Tracker.SuspiciousDays)

	// Scoring
	s := &cfg.Scoring
	s.NewDeviceWeight = getEnvInt("LINKLOCK_WEIGHT_NEW_DEVICE", s.NewDeviceWeight)
	s.ImpossibleTravelWeight = getEnvInt("LINKLOCK_WEIGHT_IMPOSSIBLE_TRAVEL", s.ImpossibleTravelWeight)
	s.RapidSuccessionWeight = getEnvInt("LINKLOCK_WEIGHT_RAPID_SUCCESSION", s.RapidSuccessionWeight)
	s.BotWeight = getEnvInt("LINKLOCK_WEIGHT_BOT", s.BotWeight)
	s.HeadlessWeight = getEnvInt("LINKLOCK_WEIGHT_HEADLESS", s.HeadlessWeight)
	s.ScreenAnomalyWeight = getEnvInt("LINKLOCK_WEIGHT_SCREEN_ANOMALY", s.ScreenAnomalyWeight)
	s.UnusualAmountWeight = getEnvInt("LINKLOCK_WEIGHT_UNUSUAL_AMOUNT", s.UnusualAmountWeight)
	s.FlagThreshold = getEnvInt("LINKLOCK_FLAG_THRESHOLD", s.FlagThreshold)
	s.MaxTravelSpeedKmh = getEnvFloat("LINKLOCK_MAX_TRAVEL_SPEED_KMH", s.MaxTravelSpeedKmh)
	s.MinTravelDistanceKm = getEnvFloat("LINKLOCK_MIN_TRAVEL_DISTANCE_KM", s.MinTravelDistanceKm)
	s.RapidAttemptThreshold = int64(getEnvInt("LINKLOCK_RAPID_ATTEMPTS", int(s.RapidAttemptThreshold)))
	s.AmountStdDevs = getEnvFloat("LINKLOCK_AMOUNT_STDDEVS", s.AmountStdDevs)
	s.AmountMinSamples = int64(getEnvInt("LINKLOCK_AMOUNT_MIN_SAMPLES", int(s.AmountMinSamples)))
	s.AmountMeanMultiple = getEnvFloat("LINKLOCK_AMOUNT_MEAN_MULTIPLE", s.AmountMeanMultiple)

	// Anomaly queue
	cfg.Queue.Interval = getEnvDuration("LINKLOCK_PERSIST_INTERVAL", cfg.Queue.Interval)
	cfg.Queue.BatchSize = getEnvInt("LINKLOCK_PERSIST_BATCH", cfg.Queue.BatchSize)
	cfg.Queue.VisibilityTimeout = getEnvDuration("LINKLOCK_VISIBILITY_TIMEOUT", cfg.Queue.VisibilityTimeout)
	cfg.Queue.WriteTimeout = getEnvDuration("LINKLOCK_PERSIST_WRITE_TIMEOUT", cfg.Queue.WriteTimeout)

	// Observability
	cfg.Logging.Level = strings.ToLower(getEnv("LINKLOCK_LOG_LEVEL", cfg.Logging.Level))
	if getEnvBool("LINKLOCK_DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Format = strings.ToLower(getEnv("LINKLOCK_LOG_FORMAT", cfg.Logging.Format))
	cfg.Tracing.Enabled = getEnvBool("LINKLOCK_TRACING", cfg.Tracing.Enabled)
	cfg.Tracing.ServiceName = getEnv("LINKLOCK_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Endpoint = getEnv("LINKLOCK_OTLP_ENDPOINT", getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.Endpoint))
}

// Validate rejects inconsistent settings.
func Validate(cfg *domain.Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Server.Port)
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}

	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver: %s", cfg.Repository.Driver)
	}
	switch cfg.Cache.Type {
	case "memory", "redis":
	default:
		return fmt.Errorf("unsupported cache type: %s", cfg.Cache.Type)
	}
	switch cfg.EventBus.Type {
	case "channel", "nats":
	default:
		return fmt.Errorf("unsupported event bus type: %s", cfg.EventBus.Type)
	}
	switch cfg.Geo.Type {
	case "static", "maxmind":
	default:
		return fmt.Errorf("unsupported geolocation type: %s", cfg.Geo.Type)
	}

	s := cfg.Scoring
	if s.FlagThreshold < 0 || s.FlagThreshold > 100 {
		return fmt.Errorf("flag threshold must be within 0..100, got %d", s.FlagThreshold)
	}
	for name, w := range map[string]int{
		"new_device":        s.NewDeviceWeight,
		"impossible_travel": s.ImpossibleTravelWeight,
		"rapid_succession":  s.RapidSuccessionWeight,
		"bot":               s.BotWeight,
		"headless":          s.HeadlessWeight,
		"screen_anomaly":    s.ScreenAnomalyWeight,
		"unusual_amount":    s.UnusualAmountWeight,
	} {
		if w < 0 || w > 100 {
			return fmt.Errorf("weight for %s must be within 0..100, got %d", name, w)
		}
	}
	if s.MaxTravelSpeedKmh <= 0 {
		return fmt.Errorf("max travel speed must be positive")
	}
	if s.MinTravelDistanceKm < 0 {
		return fmt.Errorf("min travel distance must not be negative")
	}
	if s.AmountStdDevs <= 0 || s.AmountMeanMultiple <= 0 {
		return fmt.Errorf("amount thresholds must be positive")
	}

	if cfg.Tracker.AttemptWindow <= 0 {
		return fmt.Errorf("attempt window must be positive")
	}
	if cfg.Tracker.RecentLimit <= 0 {
		return fmt.Errorf("recent limit must be positive")
	}
	if cfg.Queue.BatchSize <= 0 {
		return fmt.Errorf("persist batch size must be positive")
	}

	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log format: %s", cfg.Logging.Format)
	}
	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		return err
	}
	return nil
}

// NewLogger builds the process logger from the logging settings.
func NewLogger(cfg domain.LoggingConfig, w io.Writer) *slog.Logger {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unsupported log level: %s", s)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}
