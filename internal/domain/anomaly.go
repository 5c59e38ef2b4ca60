package domain

import (
	"encoding/json"
	"time"
)

// AnomalyCandidate is a scored event waiting in the priority queue.
type AnomalyCandidate struct {
	ID         string          `json:"id"`
	Score      int             `json:"score"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`

	// Member is the queue entry this candidate is stored under.
	Member string `json:"member"`
}

// AnomalyRecord is the durable form of a persisted anomaly.
// Upserts are keyed by ID so duplicate delivery is harmless.
type AnomalyRecord struct {
	ID          string          `json:"id"`
	EventID     string          `json:"eventId"`
	ActorID     *string         `json:"actorId"`
	Kind        EventKind       `json:"kind"`
	Score       int             `json:"score"`
	Reasons     map[string]any  `json:"reasons"`
	Payload     json.RawMessage `json:"payload"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	PersistedAt time.Time       `json:"persistedAt"`
}

// NewAnomalyRecord builds the durable record for a flagged event.
func NewAnomalyRecord(c *AnomalyCandidate, ev *Event, now time.Time) *AnomalyRecord {
	rec := &AnomalyRecord{
		ID:          c.ID,
		EventID:     c.ID,
		Score:       c.Score,
		Payload:     c.Payload,
		EnqueuedAt:  c.EnqueuedAt,
		PersistedAt: now,
	}
	if ev != nil {
		rec.EventID = ev.ID
		rec.ActorID = ev.ActorID
		rec.Kind = ev.Kind
		rec.Reasons = ev.Reasons
	}
	return rec
}
