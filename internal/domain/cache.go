package domain

import (
	"context"
	"time"
)

// KeyValueStore is the ephemeral per-actor aggregate store.
// Every method is a single atomic operation against the backing store;
// nothing here spans more than one key except SortedMove.
type KeyValueStore interface {
	// ListPush prepends value, trims the list to maxLen entries when maxLen > 0,
	// refreshes the key's TTL and returns the resulting length.
	ListPush(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) (int64, error)

	// ListRange returns up to limit entries, head first. limit <= 0 means all.
	ListRange(ctx context.Context, key string, limit int) ([][]byte, error)

	// ListLen returns the number of entries, 0 for a missing key.
	ListLen(ctx context.Context, key string) (int64, error)

	// HashSet stores field in the hash at key.
	HashSet(ctx context.Context, key, field string, value []byte) error

	// HashGet returns nil, nil if the field is not set.
	HashGet(ctx context.Context, key, field string) ([]byte, error)

	// HashDelete removes field from the hash at key.
	HashDelete(ctx context.Context, key, field string) error

	// SortedAdd inserts or rescores member.
	SortedAdd(ctx context.Context, key, member string, score float64) error

	// SortedRevRange returns up to limit members by descending score.
	// Equal scores are ordered by descending member.
	SortedRevRange(ctx context.Context, key string, limit int) ([]ScoredMember, error)

	// SortedRangeByScore returns up to limit members with min <= score <= max, ascending.
	SortedRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]ScoredMember, error)

	// SortedMove atomically removes member from src and adds it to dst with score.
	// It reports false, and changes nothing, when member is not in src.
	SortedMove(ctx context.Context, src, dst, member string, score float64) (bool, error)

	// SortedRemove removes member and reports whether it was present.
	SortedRemove(ctx context.Context, key, member string) (bool, error)

	// SortedCard returns the number of members.
	SortedCard(ctx context.Context, key string) (int64, error)

	// Incr atomically increments a counter and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ScoredMember is one sorted-set entry.
type ScoredMember struct {
	Member string
	Score  float64
}

// CacheConfig holds configuration for KV store initialization.
type CacheConfig struct {
	// Type is the store type: "memory" or "redis"
	Type string

	// In-memory store settings (Community tier)
	LocalMaxKeys int

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// KeyPrefix namespaces every key.
	KeyPrefix string
}
