package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/redis/go-redis/v9"
)

// moveScript atomically moves a sorted-set member between keys.
var moveScript = redis.NewScript(`
	if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
		return 0
	end
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
	return 1
`)

// RedisStore implements KeyValueStore using Redis.
// Used as the Pro tier store.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store and verifies the connection.
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: prefix}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// ListPush runs LPUSH, LTRIM and EXPIRE in one MULTI block.
func (s *RedisStore) ListPush(ctx context.Context, key string, value []byte, maxLen int, ttl time.Duration) (int64, error) {
	fullKey := s.makeKey(key)

	var llen *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, fullKey, value)
		if maxLen > 0 {
			pipe.LTrim(ctx, fullKey, 0, int64(maxLen-1))
		}
		if ttl > 0 {
			pipe.Expire(ctx, fullKey, ttl)
		}
		llen = pipe.LLen(ctx, fullKey)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return llen.Val(), nil
}

// ListRange returns up to limit entries, head first.
func (s *RedisStore) ListRange(ctx context.Context, key string, limit int) ([][]byte, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	vals, err := s.client.LRange(ctx, s.makeKey(key), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// ListLen returns the list length.
func (s *RedisStore) ListLen(ctx context.Context, key string) (int64, error) {
	return s.client.LLen(ctx, s.makeKey(key)).Result()
}

// HashSet stores a hash field.
func (s *RedisStore) HashSet(ctx context.Context, key, field string, value []byte) error {
	return s.client.HSet(ctx, s.makeKey(key), field, value).Err()
}

// HashGet returns a hash field or nil.
func (s *RedisStore) HashGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := s.client.HGet(ctx, s.makeKey(key), field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// HashDelete removes a hash field.
func (s *RedisStore) HashDelete(ctx context.Context, key, field string) error {
	return s.client.HDel(ctx, s.makeKey(key), field).Err()
}

// SortedAdd inserts or rescores a member.
func (s *RedisStore) SortedAdd(ctx context.Context, key, member string, score float64) error {
	return s.client.ZAdd(ctx, s.makeKey(key), redis.Z{Score: score, Member: member}).Err()
}

// SortedRevRange returns members by descending score.
func (s *RedisStore) SortedRevRange(ctx context.Context, key string, limit int) ([]domain.ScoredMember, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	zs, err := s.client.ZRevRangeWithScores(ctx, s.makeKey(key), 0, stop).Result()
	if err != nil {
		return nil, err
	}
	return toScored(zs), nil
}

// SortedRangeByScore returns members with min <= score <= max, ascending.
func (s *RedisStore) SortedRangeByScore(ctx context.Context, key string, min, max float64, limit int) ([]domain.ScoredMember, error) {
	opt := &redis.ZRangeBy{
		Min: strconv.FormatFloat(min, 'f', -1, 64),
		Max: strconv.FormatFloat(max, 'f', -1, 64),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	zs, err := s.client.ZRangeByScoreWithScores(ctx, s.makeKey(key), opt).Result()
	if err != nil {
		return nil, err
	}
	return toScored(zs), nil
}

// SortedMove moves member from src to dst with a Lua script.
func (s *RedisStore) SortedMove(ctx context.Context, src, dst, member string, score float64) (bool, error) {
	keys := []string{s.makeKey(src), s.makeKey(dst)}
	moved, err := moveScript.Run(ctx, s.client, keys, member, score).Int64()
	if err != nil {
		return false, err
	}
	return moved == 1, nil
}

// SortedRemove removes a member.
func (s *RedisStore) SortedRemove(ctx context.Context, key, member string) (bool, error) {
	n, err := s.client.ZRem(ctx, s.makeKey(key), member).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// SortedCard returns the member count.
func (s *RedisStore) SortedCard(ctx context.Context, key string) (int64, error) {
	return s.client.ZCard(ctx, s.makeKey(key)).Result()
}

// Incr atomically increments a counter.
func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, s.makeKey(key)).Result()
}

// Ping checks Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) makeKey(key string) string {
	return s.prefix + key
}

func toScored(zs []redis.Z) []domain.ScoredMember {
	out := make([]domain.ScoredMember, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		out = append(out, domain.ScoredMember{Member: member, Score: z.Score})
	}
	return out
}
