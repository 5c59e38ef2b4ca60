// Package velocity tracks per-actor activity in the key-value store:
// the sliding attempt window, the recent-activity ring buffer and the
// last seen device and IP.
package velocity

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
)

const (
	// DefaultWindow is the TTL of an attempt window.
	DefaultWindow = 60 * time.Second

	// DefaultRecentLimit is the ring buffer size.
	DefaultRecentLimit = 10

	// DefaultRecentTTL is how long an idle ring buffer survives.
	DefaultRecentTTL = 7 * 24 * time.Hour
)

// AttemptKey is the window key for an actor's logins.
func AttemptKey(actorKey string) string {
	return "user:" + actorKey + ":attempts"
}

// TransactionAttemptKey is the window key for an actor's transactions.
func TransactionAttemptKey(actorKey string) string {
	return "user:" + actorKey + ":txn_attempts"
}

// RecentKey is the ring buffer key for an actor and event kind.
func RecentKey(actorKey string, kind domain.EventKind) string {
	if kind == domain.KindTransaction {
		return "user:" + actorKey + ":recent_txn"
	}
	return "user:" + actorKey + ":recent_logins"
}

// AttemptCounter is a TTL-refreshed attempt log per key.
// Each record expires one window after its latest attempt, so the count
// can briefly include attempts slightly older than the window.
type AttemptCounter struct {
	store  domain.KeyValueStore
	window time.Duration
	now    func() time.Time
}

// NewAttemptCounter creates a counter with the given window TTL.
func NewAttemptCounter(store domain.KeyValueStore, window time.Duration) *AttemptCounter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &AttemptCounter{store: store, window: window, now: time.Now}
}

// RecordAttempt appends the current time to key's window and returns the
// number of entries it now holds.
func (c *AttemptCounter) RecordAttempt(ctx context.Context, key string) (int64, error) {
	if key == "" {
		return 0, fmt.Errorf("attempt key is required")
	}

	stamp := strconv.FormatInt(c.now().UnixMilli(), 10)
	count, err := c.store.ListPush(ctx, key, []byte(stamp), 0, c.window)
	if err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}
	return count, nil
}

// CountAttempts returns the number of entries in key's window.
func (c *AttemptCounter) CountAttempts(ctx context.Context, key string) (int64, error) {
	count, err := c.store.ListLen(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to count attempts: %w", err)
	}
	return count, nil
}

// RecentActivity is a bounded, newest-first list of an actor's recent events.
// It is a read-through aid; the event store is authoritative.
type RecentActivity struct {
	store domain.KeyValueStore
	limit int
	ttl   time.Duration
}

// NewRecentActivity creates a ring buffer with a default limit and TTL.
func NewRecentActivity(store domain.KeyValueStore, limit int, ttl time.Duration) *RecentActivity {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	if ttl <= 0 {
		ttl = DefaultRecentTTL
	}
	return &RecentActivity{store: store, limit: limit, ttl: ttl}
}

// PushRecent prepends ev to the actor's buffer and trims it to limit entries.
// A limit <= 0 uses the buffer's default.
func (r *RecentActivity) PushRecent(ctx context.Context, actorKey string, ev *domain.Event, limit int) error {
	if limit <= 0 {
		limit = r.limit
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal recent event: %w", err)
	}

	if _, err := r.store.ListPush(ctx, RecentKey(actorKey, ev.Kind), data, limit, r.ttl); err != nil {
		return fmt.Errorf("failed to push recent event: %w", err)
	}
	return nil
}

// GetRecent returns the actor's buffered events of kind, newest first.
// An actor with no history yields an empty slice.
func (r *RecentActivity) GetRecent(ctx context.Context, actorKey string, kind domain.EventKind) ([]*domain.Event, error) {
	items, err := r.store.ListRange(ctx, RecentKey(actorKey, kind), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to read recent events: %w", err)
	}

	events := make([]*domain.Event, 0, len(items))
	for _, item := range items {
		var ev domain.Event
		if err := json.Unmarshal(item, &ev); err != nil {
			// skip entries written by an incompatible version
			continue
		}
		events = append(events, &ev)
	}
	return events, nil
}

const (
	lastDeviceKey = "user:last_device"
	lastIPKey     = "user:last_ip"
)

// LastSeen keeps the most recent device and IP per actor for quick reads.
type LastSeen struct {
	store domain.KeyValueStore
}

// NewLastSeen creates a LastSeen tracker.
func NewLastSeen(store domain.KeyValueStore) *LastSeen {
	return &LastSeen{store: store}
}

// Record stores the actor's latest device and IP.
func (l *LastSeen) Record(ctx context.Context, actorKey, deviceID, ip string) error {
	if deviceID != "" {
		if err := l.store.HashSet(ctx, lastDeviceKey, actorKey, []byte(deviceID)); err != nil {
			return fmt.Errorf("failed to set last device: %w", err)
		}
	}
	if ip != "" {
		if err := l.store.HashSet(ctx, lastIPKey, actorKey, []byte(ip)); err != nil {
			return fmt.Errorf("failed to set last ip: %w", err)
		}
	}
	return nil
}

// Get returns the actor's latest device and IP; empty strings when unknown.
func (l *LastSeen) Get(ctx context.Context, actorKey string) (deviceID, ip string, err error) {
	dev, err := l.store.HashGet(ctx, lastDeviceKey, actorKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to get last device: %w", err)
	}
	addr, err := l.store.HashGet(ctx, lastIPKey, actorKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to get last ip: %w", err)
	}
	return string(dev), string(addr), nil
}
