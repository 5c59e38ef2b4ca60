package cache

import (
	"fmt"

	"github.com/opensource-finance/linklock/internal/domain"
)

// New creates a key-value store based on configuration.
// For Community tier: returns MemoryStore.
// For Pro tier: returns RedisStore.
func New(cfg domain.CacheConfig) (domain.KeyValueStore, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(cfg.LocalMaxKeys, cfg.KeyPrefix), nil

	case "redis":
		store, err := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.KeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}
