package cache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newMiniredisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStoreFromClient(client, "linklock:"), mr
}

// testStoreContract runs the behavior both implementations must share.
func testStoreContract(t *testing.T, store domain.KeyValueStore) {
	ctx := context.Background()

	t.Run("ListPushTrims", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			n, err := store.ListPush(ctx, "list:trim", []byte(fmt.Sprintf("item-%d", i)), 3, time.Hour)
			if err != nil {
				t.Fatalf("ListPush failed: %v", err)
			}
			if n > 3 {
				t.Errorf("expected length <= 3, got %d", n)
			}
		}

		items, err := store.ListRange(ctx, "list:trim", 0)
		if err != nil {
			t.Fatalf("ListRange failed: %v", err)
		}
		if len(items) != 3 {
			t.Fatalf("expected 3 items, got %d", len(items))
		}
		for i, want := range []string{"item-4", "item-3", "item-2"} {
			if string(items[i]) != want {
				t.Errorf("expected %s at %d, got %s", want, i, items[i])
			}
		}
	})

	t.Run("ListPushUnbounded", func(t *testing.T) {
		for i := 1; i <= 4; i++ {
			n, err := store.ListPush(ctx, "list:open", []byte("x"), 0, time.Minute)
			if err != nil {
				t.Fatalf("ListPush failed: %v", err)
			}
			if n != int64(i) {
				t.Errorf("expected length %d, got %d", i, n)
			}
		}
		n, err := store.ListLen(ctx, "list:open")
		if err != nil {
			t.Fatalf("ListLen failed: %v", err)
		}
		if n != 4 {
			t.Errorf("expected 4, got %d", n)
		}
	})

	t.Run("ListMissing", func(t *testing.T) {
		items, err := store.ListRange(ctx, "list:none", 10)
		if err != nil {
			t.Fatalf("ListRange failed: %v", err)
		}
		if len(items) != 0 {
			t.Errorf("expected empty list, got %d items", len(items))
		}
		n, _ := store.ListLen(ctx, "list:none")
		if n != 0 {
			t.Errorf("expected 0, got %d", n)
		}
	})

	t.Run("Hash", func(t *testing.T) {
		if err := store.HashSet(ctx, "hash", "a", []byte("1")); err != nil {
			t.Fatalf("HashSet failed: %v", err)
		}
		val, err := store.HashGet(ctx, "hash", "a")
		if err != nil {
			t.Fatalf("HashGet failed: %v", err)
		}
		if string(val) != "1" {
			t.Errorf("expected '1', got '%s'", val)
		}

		val, err = store.HashGet(ctx, "hash", "missing")
		if err != nil {
			t.Fatalf("HashGet failed: %v", err)
		}
		if val != nil {
			t.Errorf("expected nil for missing field, got %s", val)
		}

		if err := store.HashDelete(ctx, "hash", "a"); err != nil {
			t.Fatalf("HashDelete failed: %v", err)
		}
		val, _ = store.HashGet(ctx, "hash", "a")
		if val != nil {
			t.Error("expected nil after delete")
		}
	})

	t.Run("SortedOrdering", func(t *testing.T) {
		_ = store.SortedAdd(ctx, "zset", "low", 10)
		_ = store.SortedAdd(ctx, "zset", "high", 90)
		_ = store.SortedAdd(ctx, "zset", "mid", 50)
		_ = store.SortedAdd(ctx, "zset", "mid-b", 50)

		members, err := store.SortedRevRange(ctx, "zset", 0)
		if err != nil {
			t.Fatalf("SortedRevRange failed: %v", err)
		}
		want := []string{"high", "mid-b", "mid", "low"}
		if len(members) != len(want) {
			t.Fatalf("expected %d members, got %d", len(want), len(members))
		}
		for i, m := range members {
			if m.Member != want[i] {
				t.Errorf("expected %s at %d, got %s", want[i], i, m.Member)
			}
		}

		top, _ := store.SortedRevRange(ctx, "zset", 2)
		if len(top) != 2 {
			t.Errorf("expected 2 members with limit, got %d", len(top))
		}

		card, _ := store.SortedCard(ctx, "zset")
		if card != 4 {
			t.Errorf("expected card 4, got %d", card)
		}
	})

	t.Run("SortedRangeByScore", func(t *testing.T) {
		_ = store.SortedAdd(ctx, "byscore", "a", 100)
		_ = store.SortedAdd(ctx, "byscore", "b", 200)
		_ = store.SortedAdd(ctx, "byscore", "c", 300)

		members, err := store.SortedRangeByScore(ctx, "byscore", 0, 200, 0)
		if err != nil {
			t.Fatalf("SortedRangeByScore failed: %v", err)
		}
		if len(members) != 2 || members[0].Member != "a" || members[1].Member != "b" {
			t.Errorf("expected [a b], got %v", members)
		}
	})

	t.Run("SortedMove", func(t *testing.T) {
		_ = store.SortedAdd(ctx, "move:src", "m1", 42)

		moved, err := store.SortedMove(ctx, "move:src", "move:dst", "m1", 7)
		if err != nil {
			t.Fatalf("SortedMove failed: %v", err)
		}
		if !moved {
			t.Fatal("expected member to move")
		}

		moved, err = store.SortedMove(ctx, "move:src", "move:dst", "m1", 7)
		if err != nil {
			t.Fatalf("SortedMove failed: %v", err)
		}
		if moved {
			t.Error("second move of the same member must report false")
		}

		dst, _ := store.SortedRevRange(ctx, "move:dst", 0)
		if len(dst) != 1 || dst[0].Member != "m1" || dst[0].Score != 7 {
			t.Errorf("expected m1 with score 7 in dst, got %v", dst)
		}
		src, _ := store.SortedCard(ctx, "move:src")
		if src != 0 {
			t.Errorf("expected empty src, got %d", src)
		}
	})

	t.Run("SortedRemove", func(t *testing.T) {
		_ = store.SortedAdd(ctx, "remove", "x", 1)
		removed, err := store.SortedRemove(ctx, "remove", "x")
		if err != nil {
			t.Fatalf("SortedRemove failed: %v", err)
		}
		if !removed {
			t.Error("expected member removed")
		}
		removed, _ = store.SortedRemove(ctx, "remove", "x")
		if removed {
			t.Error("expected false for absent member")
		}
	})

	t.Run("Incr", func(t *testing.T) {
		for i := int64(1); i <= 3; i++ {
			n, err := store.Incr(ctx, "counter")
			if err != nil {
				t.Fatalf("Incr failed: %v", err)
			}
			if n != i {
				t.Errorf("expected %d, got %d", i, n)
			}
		}
	})

	t.Run("Ping", func(t *testing.T) {
		if err := store.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(100, "linklock:")
	testStoreContract(t, store)

	ctx := context.Background()

	t.Run("TTLExpiration", func(t *testing.T) {
		now := time.Now()
		store.now = func() time.Time { return now }

		_, _ = store.ListPush(ctx, "expiring", []byte("a"), 0, time.Minute)

		now = now.Add(30 * time.Second)
		_, _ = store.ListPush(ctx, "expiring", []byte("b"), 0, time.Minute)

		// first push is past its original TTL but the second refreshed it
		now = now.Add(45 * time.Second)
		n, _ := store.ListLen(ctx, "expiring")
		if n != 2 {
			t.Errorf("expected refreshed list of 2, got %d", n)
		}

		now = now.Add(time.Minute)
		n, _ = store.ListLen(ctx, "expiring")
		if n != 0 {
			t.Errorf("expected expired list, got %d", n)
		}
		store.now = time.Now
	})

	t.Run("LRUEviction", func(t *testing.T) {
		small := NewMemoryStore(3, "")

		_, _ = small.ListPush(ctx, "a", []byte("1"), 0, time.Hour)
		_, _ = small.ListPush(ctx, "b", []byte("2"), 0, time.Hour)
		_, _ = small.ListPush(ctx, "c", []byte("3"), 0, time.Hour)

		// Touch "a" so it becomes most recently used
		_, _ = small.ListRange(ctx, "a", 0)

		_, _ = small.ListPush(ctx, "d", []byte("4"), 0, time.Hour)

		if n, _ := small.ListLen(ctx, "b"); n != 0 {
			t.Error("expected 'b' to be evicted")
		}
		if n, _ := small.ListLen(ctx, "a"); n != 1 {
			t.Error("expected 'a' to survive eviction")
		}

		size, capacity := small.Stats()
		if size != 3 || capacity != 3 {
			t.Errorf("expected size 3 capacity 3, got %d %d", size, capacity)
		}
	})

	t.Run("KeysWithoutTTLAreNotEvicted", func(t *testing.T) {
		small := NewMemoryStore(3, "")

		_ = small.HashSet(ctx, "pinned", "f", []byte("1"))
		_ = small.SortedAdd(ctx, "queue", "m", 1)
		for i := range 10 {
			_, _ = small.ListPush(ctx, fmt.Sprintf("window-%d", i), []byte("x"), 0, time.Hour)
		}

		if val, _ := small.HashGet(ctx, "pinned", "f"); string(val) != "1" {
			t.Errorf("expected pinned hash to survive, got %q", val)
		}
		if n, _ := small.SortedCard(ctx, "queue"); n != 1 {
			t.Errorf("expected sorted set to survive, got %d members", n)
		}
		if n, _ := small.ListLen(ctx, "window-9"); n != 1 {
			t.Error("expected the newest expiring key to be kept")
		}
		if n, _ := small.ListLen(ctx, "window-0"); n != 0 {
			t.Error("expected the oldest expiring key to be evicted")
		}

		size, _ := small.Stats()
		if size != 3 {
			t.Errorf("expected size 3, got %d", size)
		}

		// once no expiring key is left the store grows past capacity
		_ = small.HashSet(ctx, "pinned-2", "f", []byte("2"))
		_ = small.HashSet(ctx, "pinned-3", "f", []byte("3"))
		if val, _ := small.HashGet(ctx, "pinned", "f"); string(val) != "1" {
			t.Errorf("expected pinned hash to survive, got %q", val)
		}
		if size, _ := small.Stats(); size != 4 {
			t.Errorf("expected size 4, got %d", size)
		}
	})

	t.Run("WrongType", func(t *testing.T) {
		_ = store.HashSet(ctx, "typed", "f", []byte("1"))
		if _, err := store.ListLen(ctx, "typed"); err == nil {
			t.Error("expected error reading a hash as a list")
		}
	})
}

func TestRedisStore(t *testing.T) {
	store, mr := newMiniredisStore(t)
	testStoreContract(t, store)

	ctx := context.Background()

	t.Run("KeyPrefix", func(t *testing.T) {
		_ = store.HashSet(ctx, "prefixed", "f", []byte("v"))
		if !mr.Exists("linklock:prefixed") {
			t.Error("expected key to be stored under the linklock: prefix")
		}
	})

	t.Run("TTLRefresh", func(t *testing.T) {
		_, _ = store.ListPush(ctx, "expiring", []byte("a"), 0, time.Minute)
		mr.FastForward(30 * time.Second)
		_, _ = store.ListPush(ctx, "expiring", []byte("b"), 0, time.Minute)
		mr.FastForward(45 * time.Second)

		n, _ := store.ListLen(ctx, "expiring")
		if n != 2 {
			t.Errorf("expected refreshed list of 2, got %d", n)
		}

		mr.FastForward(time.Minute)
		n, _ = store.ListLen(ctx, "expiring")
		if n != 0 {
			t.Errorf("expected expired list, got %d", n)
		}
	})

	t.Run("Unavailable", func(t *testing.T) {
		mr.SetError("LOADING")
		defer mr.SetError("")

		if _, err := store.ListPush(ctx, "down", []byte("x"), 0, time.Minute); err == nil {
			t.Error("expected error when redis is failing")
		}
	})
}

func TestNewStore(t *testing.T) {
	t.Run("Memory", func(t *testing.T) {
		store, err := New(domain.CacheConfig{Type: "memory", LocalMaxKeys: 10})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if _, ok := store.(*MemoryStore); !ok {
			t.Errorf("expected *MemoryStore, got %T", store)
		}
	})

	t.Run("Redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		store, err := New(domain.CacheConfig{Type: "redis", RedisAddr: mr.Addr()})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		defer store.Close()
		if _, ok := store.(*RedisStore); !ok {
			t.Errorf("expected *RedisStore, got %T", store)
		}
	})

	t.Run("Unsupported", func(t *testing.T) {
		if _, err := New(domain.CacheConfig{Type: "memcached"}); err == nil {
			t.Error("expected error for unsupported type")
		}
	})
}
