// Package anomaly holds flagged events in a priority queue until the
// persistence worker writes them to the event store.
//
// Delivery is at-least-once. DrainTop claims items by moving them into an
// in-flight set; only Ack forgets them. A worker that dies between claim
// and ack leaves its items in flight, and RecoverStale returns them to the
// queue once the visibility timeout has passed.
package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
)

// Store keys, relative to the KV store prefix.
const (
	QueueKey    = "anomalies:queue"
	InflightKey = "anomalies:inflight"
	PayloadKey  = "anomalies:payloads"
	SequenceKey = "anomalies:seq"
)

// ErrInvalidCandidate is returned for candidates without an ID.
var ErrInvalidCandidate = errors.New("anomaly candidate requires an id")

// Queue is a score-ordered anomaly queue on a KeyValueStore.
type Queue struct {
	store domain.KeyValueStore
	now   func() time.Time
}

// NewQueue creates a queue on store.
func NewQueue(store domain.KeyValueStore) *Queue {
	return &Queue{store: store, now: time.Now}
}

// member encodes the insertion sequence inverted and zero-padded so that
// among equal scores the descending member order is FIFO.
func member(seq int64, id string) string {
	return fmt.Sprintf("%019d|%s", math.MaxInt64-seq, id)
}

func memberID(m string) string {
	if i := strings.IndexByte(m, '|'); i >= 0 {
		return m[i+1:]
	}
	return m
}

// Enqueue adds a candidate. Enqueueing an ID that is already queued replaces
// its payload and score without creating a second entry.
func (q *Queue) Enqueue(ctx context.Context, id string, score int, payload json.RawMessage) (*domain.AnomalyCandidate, error) {
	if id == "" {
		return nil, ErrInvalidCandidate
	}

	c := &domain.AnomalyCandidate{
		ID:         id,
		Score:      score,
		Payload:    payload,
		EnqueuedAt: q.now().UTC(),
	}

	existing, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		c.Member = existing.Member
	} else {
		seq, err := q.store.Incr(ctx, SequenceKey)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate sequence: %w", err)
		}
		c.Member = member(seq, id)
	}

	// payload first: a member without a payload is dropped on drain
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidate: %w", err)
	}
	if err := q.store.HashSet(ctx, PayloadKey, id, data); err != nil {
		return nil, fmt.Errorf("failed to store payload: %w", err)
	}

	if err := q.store.SortedAdd(ctx, QueueKey, c.Member, float64(score)); err != nil {
		return nil, fmt.Errorf("failed to enqueue: %w", err)
	}
	return c, nil
}

// PeekTop returns up to limit queued candidates by descending score without
// removing them.
func (q *Queue) PeekTop(ctx context.Context, limit int) ([]*domain.AnomalyCandidate, error) {
	members, err := q.store.SortedRevRange(ctx, QueueKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	out := make([]*domain.AnomalyCandidate, 0, len(members))
	for _, m := range members {
		c, err := q.load(ctx, memberID(m.Member))
		if err != nil {
			return nil, err
		}
		if c == nil {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// DrainTop claims up to limit candidates by descending score.
// Claimed candidates stay in flight until Ack or Requeue.
func (q *Queue) DrainTop(ctx context.Context, limit int) ([]*domain.AnomalyCandidate, error) {
	members, err := q.store.SortedRevRange(ctx, QueueKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	claimedAt := float64(q.now().UnixMilli())
	out := make([]*domain.AnomalyCandidate, 0, len(members))
	for _, m := range members {
		moved, err := q.store.SortedMove(ctx, QueueKey, InflightKey, m.Member, claimedAt)
		if err != nil {
			return out, fmt.Errorf("failed to claim %s: %w", m.Member, err)
		}
		if !moved {
			// claimed by another worker
			continue
		}

		id := memberID(m.Member)
		c, err := q.load(ctx, id)
		if err != nil {
			// leave it in flight for RecoverStale
			return out, err
		}
		if c == nil {
			slog.Warn("dropping anomaly without payload", "anomaly_id", id)
			_, _ = q.store.SortedRemove(ctx, InflightKey, m.Member)
			continue
		}
		c.Member = m.Member
		out = append(out, c)
	}
	return out, nil
}

// Ack forgets a candidate after it has been durably written.
func (q *Queue) Ack(ctx context.Context, c *domain.AnomalyCandidate) error {
	if _, err := q.store.SortedRemove(ctx, InflightKey, c.Member); err != nil {
		return fmt.Errorf("failed to ack %s: %w", c.ID, err)
	}
	if err := q.store.HashDelete(ctx, PayloadKey, c.ID); err != nil {
		return fmt.Errorf("failed to delete payload %s: %w", c.ID, err)
	}
	return nil
}

// Requeue returns a claimed candidate to the queue with its score.
func (q *Queue) Requeue(ctx context.Context, c *domain.AnomalyCandidate) error {
	moved, err := q.store.SortedMove(ctx, InflightKey, QueueKey, c.Member, float64(c.Score))
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", c.ID, err)
	}
	if !moved {
		// recovered concurrently; make sure it is queued
		return q.store.SortedAdd(ctx, QueueKey, c.Member, float64(c.Score))
	}
	return nil
}

// RecoverStale returns candidates claimed more than olderThan ago to the
// queue and reports how many were moved.
func (q *Queue) RecoverStale(ctx context.Context, olderThan time.Duration, limit int) (int, error) {
	cutoff := float64(q.now().Add(-olderThan).UnixMilli())
	stale, err := q.store.SortedRangeByScore(ctx, InflightKey, 0, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to scan in-flight set: %w", err)
	}

	recovered := 0
	for _, m := range stale {
		c, err := q.load(ctx, memberID(m.Member))
		if err != nil {
			return recovered, err
		}
		if c == nil {
			_, _ = q.store.SortedRemove(ctx, InflightKey, m.Member)
			continue
		}
		moved, err := q.store.SortedMove(ctx, InflightKey, QueueKey, m.Member, float64(c.Score))
		if err != nil {
			return recovered, fmt.Errorf("failed to recover %s: %w", c.ID, err)
		}
		if moved {
			recovered++
		}
	}
	return recovered, nil
}

// Len returns the number of queued candidates, excluding those in flight.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.store.SortedCard(ctx, QueueKey)
}

// InFlight returns the number of claimed, unacknowledged candidates.
func (q *Queue) InFlight(ctx context.Context) (int64, error) {
	return q.store.SortedCard(ctx, InflightKey)
}

func (q *Queue) load(ctx context.Context, id string) (*domain.AnomalyCandidate, error) {
	data, err := q.store.HashGet(ctx, PayloadKey, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load payload %s: %w", id, err)
	}
	if data == nil {
		return nil, nil
	}

	var c domain.AnomalyCandidate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode payload %s: %w", id, err)
	}
	return &c, nil
}
