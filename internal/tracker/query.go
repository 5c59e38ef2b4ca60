package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/opensource-finance/linklock/internal/velocity"
)

// QueryRecentDevices lists the devices an actor has used, most recent first.
func (s *Service) QueryRecentDevices(ctx context.Context, actorID string) ([]*domain.DeviceSummary, error) {
	if actorID == "" {
		return nil, ErrActorRequired
	}
	ctx, span := tracer.Start(ctx, "tracker.QueryRecentDevices",
		trace.WithAttributes(attribute.String("actor.id", actorID)))
	defer span.End()

	devices, err := s.repo.ListDevices(ctx, actorID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devices, nil
}

// QueryStats summarizes an actor's login history. The failed-login count
// covers the suspicious look-back window.
func (s *Service) QueryStats(ctx context.Context, actorID string) (*domain.ActorStats, error) {
	if actorID == "" {
		return nil, ErrActorRequired
	}
	ctx, span := tracer.Start(ctx, "tracker.QueryStats",
		trace.WithAttributes(attribute.String("actor.id", actorID)))
	defer span.End()

	since := s.now().UTC().AddDate(0, 0, -s.cfg.SuspiciousDays)
	stats, err := s.repo.ActorStats(ctx, actorID, since)
	if err != nil {
		return nil, fmt.Errorf("failed to compute stats: %w", err)
	}

	// last device and IP come from the cache and are best effort
	rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()
	if device, ip, err := s.lastSeen.Get(rctx, actorID); err != nil {
		s.degraded("last_seen", err, "actor_id", actorID)
	} else {
		stats.LastDeviceID = device
		stats.LastIP = ip
	}
	return stats, nil
}

// QuerySuspicious returns the actor's failed, flagged or high-risk events
// from the last sinceDays days, newest first. sinceDays <= 0 uses the
// configured default.
func (s *Service) QuerySuspicious(ctx context.Context, actorID string, sinceDays int) ([]*domain.Event, error) {
	if actorID == "" {
		return nil, ErrActorRequired
	}
	if sinceDays <= 0 {
		sinceDays = s.cfg.SuspiciousDays
	}
	ctx, span := tracer.Start(ctx, "tracker.QuerySuspicious",
		trace.WithAttributes(
			attribute.String("actor.id", actorID),
			attribute.Int("since.days", sinceDays),
		))
	defer span.End()

	since := s.now().UTC().Add(-time.Duration(sinceDays) * 24 * time.Hour)
	events, err := s.repo.ListSuspicious(ctx, actorID, since, s.scorer.Config().FlagThreshold)
	if err != nil {
		return nil, fmt.Errorf("failed to list suspicious events: %w", err)
	}
	return events, nil
}

// QueryRecent reads the actor's recent-activity buffer. A cache failure
// yields an empty result rather than an error.
func (s *Service) QueryRecent(ctx context.Context, actorKey string, kind domain.EventKind) ([]*domain.Event, error) {
	if actorKey == "" {
		return nil, ErrActorRequired
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown event kind: %q", kind)
	}

	rctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	events, err := s.recent.GetRecent(rctx, actorKey, kind)
	if err != nil {
		s.degraded("get_recent", err, "actor_id", actorKey, "key", velocity.RecentKey(actorKey, kind))
		return []*domain.Event{}, nil
	}
	return events, nil
}

// QueryTopAnomalies returns the highest-scored anomalies still waiting to
// be persisted.
func (s *Service) QueryTopAnomalies(ctx context.Context, limit int) ([]*domain.AnomalyCandidate, error) {
	if limit <= 0 {
		limit = 10
	}
	top, err := s.queue.PeekTop(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to peek anomaly queue: %w", err)
	}
	return top, nil
}

// QueryAnomaly returns a persisted anomaly record.
func (s *Service) QueryAnomaly(ctx context.Context, id string) (*domain.AnomalyRecord, error) {
	rec, err := s.repo.GetAnomaly(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// QueryAnomalies lists persisted anomaly records, most recently persisted first.
func (s *Service) QueryAnomalies(ctx context.Context, limit int) ([]*domain.AnomalyRecord, error) {
	records, err := s.repo.ListAnomalies(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomalies: %w", err)
	}
	return records, nil
}

// Ping reports the health of the stores the event path depends on.
func (s *Service) Ping(ctx context.Context) map[string]string {
	status := map[string]string{"repository": "ok", "kv": "ok"}
	if err := s.repo.Ping(ctx); err != nil {
		slog.Warn("repository ping failed", "error", err)
		status["repository"] = err.Error()
	}
	if err := s.kv.Ping(ctx); err != nil {
		slog.Warn("kv store ping failed", "error", err)
		status["kv"] = err.Error()
	}
	if s.bus != nil {
		status["bus"] = "ok"
		if err := s.bus.Ping(ctx); err != nil {
			status["bus"] = err.Error()
		}
	}
	return status
}
