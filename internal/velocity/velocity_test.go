package velocity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/opensource-finance/linklock/internal/cache"
	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return cache.NewRedisStoreFromClient(client, "linklock:"), mr
}

func loginEvent(id string) *domain.Event {
	actor := "user-001"
	return &domain.Event{
		ID:         id,
		ActorID:    &actor,
		Kind:       domain.KindLogin,
		Status:     domain.StatusSuccess,
		OccurredAt: time.Now().UTC(),
	}
}

func TestAttemptCounter(t *testing.T) {
	store, mr := newRedisStore(t)
	counter := NewAttemptCounter(store, time.Minute)
	ctx := context.Background()

	t.Run("CountsUpToK", func(t *testing.T) {
		key := AttemptKey("user-001")
		var last int64
		for k := int64(1); k <= 7; k++ {
			count, err := counter.RecordAttempt(ctx, key)
			if err != nil {
				t.Fatalf("RecordAttempt failed: %v", err)
			}
			if count < last {
				t.Errorf("count decreased from %d to %d", last, count)
			}
			if count != k {
				t.Errorf("expected %d after %d calls, got %d", k, k, count)
			}
			last = count
		}

		count, err := counter.CountAttempts(ctx, key)
		if err != nil {
			t.Fatalf("CountAttempts failed: %v", err)
		}
		if count != 7 {
			t.Errorf("expected 7, got %d", count)
		}
	})

	t.Run("WindowExpires", func(t *testing.T) {
		key := AttemptKey("user-002")
		_, _ = counter.RecordAttempt(ctx, key)
		_, _ = counter.RecordAttempt(ctx, key)

		mr.FastForward(61 * time.Second)

		count, err := counter.RecordAttempt(ctx, key)
		if err != nil {
			t.Fatalf("RecordAttempt failed: %v", err)
		}
		if count != 1 {
			t.Errorf("expected fresh window with 1 attempt, got %d", count)
		}
	})

	t.Run("TTLRefreshedByLatestAttempt", func(t *testing.T) {
		key := AttemptKey("user-003")
		_, _ = counter.RecordAttempt(ctx, key)
		mr.FastForward(50 * time.Second)
		_, _ = counter.RecordAttempt(ctx, key)
		mr.FastForward(50 * time.Second)

		// the first attempt is 100s old but the window was refreshed
		count, _ := counter.CountAttempts(ctx, key)
		if count != 2 {
			t.Errorf("expected 2 attempts in refreshed window, got %d", count)
		}
	})

	t.Run("UnknownKey", func(t *testing.T) {
		count, err := counter.CountAttempts(ctx, AttemptKey("nobody"))
		if err != nil {
			t.Fatalf("CountAttempts failed: %v", err)
		}
		if count != 0 {
			t.Errorf("expected 0, got %d", count)
		}
	})

	t.Run("EmptyKey", func(t *testing.T) {
		if _, err := counter.RecordAttempt(ctx, ""); err == nil {
			t.Error("expected error for empty key")
		}
	})

	t.Run("StoreFailure", func(t *testing.T) {
		mr.SetError("connection refused")
		defer mr.SetError("")
		if _, err := counter.RecordAttempt(ctx, AttemptKey("user-004")); err == nil {
			t.Error("expected error when store fails")
		}
	})
}

func TestRecentActivity(t *testing.T) {
	store := cache.NewMemoryStore(100, "")
	recent := NewRecentActivity(store, 10, time.Hour)
	ctx := context.Background()

	t.Run("KeepsLastThreeNewestFirst", func(t *testing.T) {
		for i := 1; i <= 5; i++ {
			if err := recent.PushRecent(ctx, "user-001", loginEvent(fmt.Sprintf("ev-%d", i)), 3); err != nil {
				t.Fatalf("PushRecent failed: %v", err)
			}
		}

		events, err := recent.GetRecent(ctx, "user-001", domain.KindLogin)
		if err != nil {
			t.Fatalf("GetRecent failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, want := range []string{"ev-5", "ev-4", "ev-3"} {
			if events[i].ID != want {
				t.Errorf("expected %s at %d, got %s", want, i, events[i].ID)
			}
		}
	})

	t.Run("KindsAreSeparate", func(t *testing.T) {
		tx := loginEvent("tx-1")
		tx.Kind = domain.KindTransaction
		_ = recent.PushRecent(ctx, "user-002", tx, 0)

		logins, _ := recent.GetRecent(ctx, "user-002", domain.KindLogin)
		if len(logins) != 0 {
			t.Errorf("expected no logins, got %d", len(logins))
		}
		txns, _ := recent.GetRecent(ctx, "user-002", domain.KindTransaction)
		if len(txns) != 1 {
			t.Errorf("expected 1 transaction, got %d", len(txns))
		}
	})

	t.Run("NoHistory", func(t *testing.T) {
		events, err := recent.GetRecent(ctx, "nobody", domain.KindLogin)
		if err != nil {
			t.Fatalf("GetRecent failed: %v", err)
		}
		if events == nil || len(events) != 0 {
			t.Errorf("expected empty non-nil slice, got %v", events)
		}
	})

	t.Run("DefaultLimit", func(t *testing.T) {
		small := NewRecentActivity(store, 2, time.Hour)
		for i := 0; i < 4; i++ {
			_ = small.PushRecent(ctx, "user-003", loginEvent(fmt.Sprintf("ev-%d", i)), 0)
		}
		events, _ := small.GetRecent(ctx, "user-003", domain.KindLogin)
		if len(events) != 2 {
			t.Errorf("expected default limit 2, got %d", len(events))
		}
	})
}

func TestRecentActivityProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("buffer never exceeds limit and keeps the newest", prop.ForAll(
		func(limit, pushes int) bool {
			store := cache.NewMemoryStore(10, "")
			recent := NewRecentActivity(store, limit, time.Hour)
			ctx := context.Background()

			for i := 0; i < pushes; i++ {
				if err := recent.PushRecent(ctx, "actor", loginEvent(fmt.Sprintf("ev-%d", i)), limit); err != nil {
					return false
				}
			}

			events, err := recent.GetRecent(ctx, "actor", domain.KindLogin)
			if err != nil {
				return false
			}

			want := pushes
			if want > limit {
				want = limit
			}
			if len(events) != want {
				return false
			}
			for i, ev := range events {
				if ev.ID != fmt.Sprintf("ev-%d", pushes-1-i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}

func TestLastSeen(t *testing.T) {
	store, _ := newRedisStore(t)
	last := NewLastSeen(store)
	ctx := context.Background()

	t.Run("Unknown", func(t *testing.T) {
		dev, ip, err := last.Get(ctx, "user-001")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if dev != "" || ip != "" {
			t.Errorf("expected empty values, got %q %q", dev, ip)
		}
	})

	t.Run("RecordAndGet", func(t *testing.T) {
		if err := last.Record(ctx, "user-001", "device-abc", "203.0.113.7"); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		_ = last.Record(ctx, "user-001", "device-def", "")

		dev, ip, err := last.Get(ctx, "user-001")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if dev != "device-def" {
			t.Errorf("expected device-def, got %s", dev)
		}
		if ip != "203.0.113.7" {
			t.Errorf("expected 203.0.113.7, got %s", ip)
		}
	})
}
