// Package tracker records logins and transactions and answers history
// queries about an actor.
//
// Each inbound event is fingerprinted, located, compared against the
// actor's history and scored. History reads are optional: when one fails
// or times out the matching signal is skipped and the event is still
// recorded. Only a failed write of the event itself is an error.
package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/linklock/internal/anomaly"
	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/opensource-finance/linklock/internal/fingerprint"
	"github.com/opensource-finance/linklock/internal/metrics"
	"github.com/opensource-finance/linklock/internal/risk"
	"github.com/opensource-finance/linklock/internal/rules"
	"github.com/opensource-finance/linklock/internal/velocity"
)

var (
	// ErrActorRequired is returned when an event cannot be attributed.
	ErrActorRequired = errors.New("actor id is required")

	// ErrInvalidAmount is returned for non-positive or non-finite amounts.
	ErrInvalidAmount = errors.New("amount must be a positive number")

	// ErrInvalidOutcome is returned for an unknown login outcome.
	ErrInvalidOutcome = errors.New("invalid login outcome")

	// ErrEventNotRecorded wraps a failed write of the event record.
	ErrEventNotRecorded = errors.New("event not recorded")
)

// DefaultCategory is used for transactions without a category.
const DefaultCategory = "general"

var tracer = otel.Tracer("linklock-tracker")

// ExternalScorer is an optional model whose 0..100 score is merged into
// the rule-based assessment.
type ExternalScorer interface {
	Score(ctx context.Context, ev *domain.Event) (int, error)
}

// Dependencies are the collaborators of a Service. Rules, Bus and
// External may be nil.
type Dependencies struct {
	Repo     domain.EventStore
	KV       domain.KeyValueStore
	Geo      domain.GeoResolver
	Scorer   *risk.Scorer
	Rules    *rules.Engine
	Queue    *anomaly.Queue
	Bus      domain.EventBus
	External ExternalScorer
}

// Service is the event-handling core.
type Service struct {
	repo     domain.EventStore
	kv       domain.KeyValueStore
	geo      domain.GeoResolver
	scorer   *risk.Scorer
	rules    *rules.Engine
	queue    *anomaly.Queue
	bus      domain.EventBus
	external ExternalScorer

	attempts *velocity.AttemptCounter
	recent   *velocity.RecentActivity
	lastSeen *velocity.LastSeen

	cfg domain.TrackerConfig
	now func() time.Time
}

// New creates a tracker service.
func New(deps Dependencies, cfg domain.TrackerConfig) *Service {
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 500 * time.Millisecond
	}
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = velocity.DefaultRecentLimit
	}
	if cfg.SuspiciousDays <= 0 {
		cfg.SuspiciousDays = 30
	}
	scorer := deps.Scorer
	if scorer == nil {
		scorer = risk.NewScorer(domain.DefaultScoringConfig())
	}
	queue := deps.Queue
	if queue == nil {
		queue = anomaly.NewQueue(deps.KV)
	}

	return &Service{
		repo:     deps.Repo,
		kv:       deps.KV,
		geo:      deps.Geo,
		scorer:   scorer,
		rules:    deps.Rules,
		queue:    queue,
		bus:      deps.Bus,
		external: deps.External,
		attempts: velocity.NewAttemptCounter(deps.KV, cfg.AttemptWindow),
		recent:   velocity.NewRecentActivity(deps.KV, cfg.RecentLimit, cfg.RecentTTL),
		lastSeen: velocity.NewLastSeen(deps.KV),
		cfg:      cfg,
		now:      time.Now,
	}
}

// ActorKey is the key-value identity of an actor. Logins without an actor
// are keyed by their lower-cased email.
func ActorKey(actorID, email string) string {
	if actorID != "" {
		return actorID
	}
	if email = strings.ToLower(strings.TrimSpace(email)); email != "" {
		return "email:" + email
	}
	return ""
}

// MerchantID derives the merchant identifier from the client address.
func MerchantID(ip string) string {
	return "M-" + strings.NewReplacer(".", "", ":", "").Replace(ip)
}

// history is what the optional reads produced for one event.
type history struct {
	location     *domain.Location
	knownDevices []string
	previous     *domain.Event
	count        int64
	countOK      bool
	attempts     int64
	attemptsOK   bool
	baseline     *domain.AmountBaseline
}

// HandleLoginEvent records a login attempt and returns the stored record.
func (s *Service) HandleLoginEvent(ctx context.Context, in domain.LoginEvent) (*domain.Event, error) {
	ctx, span := tracer.Start(ctx, "tracker.HandleLoginEvent",
		trace.WithAttributes(
			attribute.String("actor.id", in.ActorID),
			attribute.String("login.outcome", string(in.Outcome)),
		),
	)
	defer span.End()

	if in.Outcome == "" {
		in.Outcome = domain.StatusSuccess
	}
	if !in.Outcome.Valid() {
		return nil, ErrInvalidOutcome
	}
	actorKey := ActorKey(in.ActorID, in.Email)
	if actorKey == "" {
		return nil, ErrActorRequired
	}

	now := s.now().UTC()
	deviceID, info := fingerprint.Resolve(in.Traits)

	h := s.gather(ctx, in.ActorID, domain.KindLogin, in.IPAddress, velocity.AttemptKey(actorKey), "")

	input := &risk.Input{
		Kind:              domain.KindLogin,
		Status:            in.Outcome,
		Now:               now,
		Location:          h.location,
		DeviceID:          deviceID,
		DeviceInfo:        info,
		KnownDevices:      h.knownDevices,
		Previous:          h.previous,
		RecentAttempts:    h.attempts,
		AttemptsEvaluated: h.attemptsOK,
	}

	ev := &domain.Event{
		ID:         uuid.New().String(),
		ActorID:    optional(in.ActorID),
		Kind:       domain.KindLogin,
		Status:     in.Outcome,
		OccurredAt: now,
		IPAddress:  in.IPAddress,
		Location:   h.location,
		DeviceID:   deviceID,
		DeviceInfo: info,
		Email:      in.Email,
	}
	if h.previous != nil {
		prev := h.previous.OccurredAt
		ev.PreviousAt = &prev
	}
	if h.countOK {
		ev.LoginAttempts = h.count + 1
	}

	if err := s.record(ctx, span, actorKey, ev, input); err != nil {
		return nil, err
	}
	return ev, nil
}

// HandleTransactionEvent records a transaction and returns the stored record.
func (s *Service) HandleTransactionEvent(ctx context.Context, in domain.TransactionEvent) (*domain.Event, error) {
	ctx, span := tracer.Start(ctx, "tracker.HandleTransactionEvent",
		trace.WithAttributes(
			attribute.String("actor.id", in.ActorID),
			attribute.Float64("transaction.amount", in.Amount),
		),
	)
	defer span.End()

	if in.ActorID == "" {
		return nil, ErrActorRequired
	}
	if in.Amount <= 0 || math.IsNaN(in.Amount) || math.IsInf(in.Amount, 0) {
		return nil, ErrInvalidAmount
	}
	category := strings.ToLower(strings.TrimSpace(in.Category))
	if category == "" {
		category = DefaultCategory
	}

	now := s.now().UTC()
	deviceID, info := fingerprint.Resolve(in.Traits)

	h := s.gather(ctx, in.ActorID, domain.KindTransaction, in.IPAddress, velocity.TransactionAttemptKey(in.ActorID), category)

	input := &risk.Input{
		Kind:              domain.KindTransaction,
		Status:            domain.StatusSuccess,
		Now:               now,
		Location:          h.location,
		DeviceID:          deviceID,
		DeviceInfo:        info,
		KnownDevices:      h.knownDevices,
		Previous:          h.previous,
		RecentAttempts:    h.attempts,
		AttemptsEvaluated: h.attemptsOK,
		Amount:            in.Amount,
		Category:          category,
		Baseline:          h.baseline,
	}

	ev := &domain.Event{
		ID:          uuid.New().String(),
		ActorID:     optional(in.ActorID),
		Kind:        domain.KindTransaction,
		Status:      domain.StatusSuccess,
		OccurredAt:  now,
		IPAddress:   in.IPAddress,
		Location:    h.location,
		DeviceID:    deviceID,
		DeviceInfo:  info,
		Amount:      in.Amount,
		Category:    category,
		Description: in.Description,
		MerchantID:  MerchantID(in.IPAddress),
	}
	if h.previous != nil {
		prev := h.previous.OccurredAt
		elapsed := now.Sub(prev).Seconds()
		ev.PreviousAt = &prev
		ev.ElapsedSeconds = &elapsed
	}

	if err := s.record(ctx, span, in.ActorID, ev, input); err != nil {
		return nil, err
	}
	return ev, nil
}

// gather runs the optional history reads concurrently, each under the
// store timeout. A failed read leaves its field unset.
func (s *Service) gather(ctx context.Context, actorID string, kind domain.EventKind, ip, attemptKey, category string) *history {
	h := &history{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if s.geo == nil || ip == "" {
			return nil
		}
		rctx, cancel := context.WithTimeout(gctx, s.cfg.StoreTimeout)
		defer cancel()
		loc, err := s.geo.Resolve(rctx, ip)
		if err != nil {
			s.degraded("geo_resolve", err, "ip", ip)
			return nil
		}
		h.location = loc
		return nil
	})

	g.Go(func() error {
		rctx, cancel := context.WithTimeout(gctx, s.cfg.StoreTimeout)
		defer cancel()
		n, err := s.attempts.RecordAttempt(rctx, attemptKey)
		if err != nil {
			s.degraded("record_attempt", err, "key", attemptKey)
			return nil
		}
		h.attempts, h.attemptsOK = n, true
		return nil
	})

	if actorID != "" {
		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, s.cfg.StoreTimeout)
			defer cancel()
			devices, err := s.repo.ListDevices(rctx, actorID)
			if err != nil {
				s.degraded("list_devices", err, "actor_id", actorID)
				return nil
			}
			known := make([]string, 0, len(devices))
			for _, d := range devices {
				known = append(known, d.DeviceID)
			}
			h.knownDevices = known
			return nil
		})

		g.Go(func() error {
			rctx, cancel := context.WithTimeout(gctx, s.cfg.StoreTimeout)
			defer cancel()
			// travel is measured from the last login that got in, or from
			// any previous transaction
			prev, err := s.repo.FindPreviousEvent(rctx, actorID, kind, kind == domain.KindLogin)
			if err != nil {
				s.degraded("find_previous", err, "actor_id", actorID)
				return nil
			}
			h.previous = prev
			return nil
		})

		switch kind {
		case domain.KindLogin:
			g.Go(func() error {
				rctx, cancel := context.WithTimeout(gctx, s.cfg.StoreTimeout)
				defer cancel()
				n, err := s.repo.CountEvents(rctx, actorID, kind)
				if err != nil {
					s.degraded("count_events", err, "actor_id", actorID)
					return nil
				}
				h.count, h.countOK = n, true
				return nil
			})
		case domain.KindTransaction:
			g.Go(func() error {
				rctx, cancel := context.WithTimeout(gctx, s.cfg.StoreTimeout)
				defer cancel()
				b, err := s.repo.AmountBaseline(rctx, actorID, category)
				if err != nil {
					s.degraded("amount_baseline", err, "actor_id", actorID)
					return nil
				}
				h.baseline = b
				return nil
			})
		}
	}

	// every reader returns nil; failures are recorded on h
	_ = g.Wait()
	return h
}

// record scores ev, writes it and performs the follow-up side effects.
func (s *Service) record(ctx context.Context, span trace.Span, actorKey string, ev *domain.Event, input *risk.Input) error {
	if s.rules != nil && s.rules.RulesCount() > 0 {
		results, err := s.rules.EvaluateAll(ctx, risk.Facts(input))
		if err != nil {
			slog.Warn("custom rules not evaluated", "event_id", ev.ID, "error", err)
		} else {
			input.Rules = results
		}
	}

	assessment := s.scorer.Score(input)
	if s.external != nil {
		if ext, err := s.external.Score(ctx, ev); err != nil {
			slog.Warn("external scorer unavailable", "event_id", ev.ID, "error", err)
		} else {
			assessment = s.scorer.Merge(assessment, ext)
		}
	}

	ev.RiskScore = assessment.RiskScore
	ev.RuleScore = assessment.RuleScore
	ev.ExternalScore = assessment.ExternalScore
	ev.IsAnomaly = assessment.IsAnomaly
	ev.Reasons = assessment.Reasons
	ev.Skipped = assessment.Skipped

	for signal := range assessment.Reasons {
		metrics.SignalsFiredTotal.WithLabelValues(signalLabel(signal)).Inc()
	}
	for _, signal := range assessment.Skipped {
		metrics.SignalsSkippedTotal.WithLabelValues(signal).Inc()
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		metrics.StoreFailuresTotal.WithLabelValues("insert_event").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "event not recorded")
		slog.Error("failed to record event",
			"event_id", ev.ID,
			"actor_id", ev.Actor(),
			"kind", ev.Kind,
			"error", err,
		)
		return fmt.Errorf("%w: %w", ErrEventNotRecorded, err)
	}

	metrics.EventsTotal.WithLabelValues(string(ev.Kind), string(ev.Status)).Inc()
	metrics.RiskScores.WithLabelValues(string(ev.Kind)).Observe(float64(ev.RiskScore))
	span.SetAttributes(
		attribute.String("event.id", ev.ID),
		attribute.Int("risk.score", ev.RiskScore),
		attribute.Bool("risk.anomaly", ev.IsAnomaly),
	)

	s.updateAggregates(ctx, actorKey, ev)

	payload, err := json.Marshal(ev)
	if err != nil {
		// the event is recorded; only the notifications are lost
		slog.Error("failed to marshal event", "event_id", ev.ID, "error", err)
		return nil
	}
	s.publish(ctx, domain.TopicEventRecorded, payload)

	if ev.IsAnomaly {
		s.flag(ctx, ev, payload)
	}

	slog.Debug("event recorded",
		"event_id", ev.ID,
		"actor_id", ev.Actor(),
		"kind", ev.Kind,
		"device_id", ev.DeviceID,
		"risk_score", ev.RiskScore,
		"is_anomaly", ev.IsAnomaly,
		"skipped", assessment.Skipped,
	)
	return nil
}

// updateAggregates refreshes the ring buffer and last-seen hashes.
// Both are caches; failures are logged and skipped.
func (s *Service) updateAggregates(ctx context.Context, actorKey string, ev *domain.Event) {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if err := s.recent.PushRecent(wctx, actorKey, ev, s.cfg.RecentLimit); err != nil {
		s.degraded("push_recent", err, "actor_id", actorKey)
	}
	if err := s.lastSeen.Record(wctx, actorKey, ev.DeviceID, ev.IPAddress); err != nil {
		s.degraded("last_seen", err, "actor_id", actorKey)
	}
}

// flag hands an anomalous event to the priority queue. When the queue is
// unavailable the anomaly record is written directly.
func (s *Service) flag(ctx context.Context, ev *domain.Event, payload []byte) {
	metrics.AnomaliesFlaggedTotal.WithLabelValues(string(ev.Kind)).Inc()

	c, err := s.queue.Enqueue(ctx, ev.ID, ev.RiskScore, payload)
	if err != nil {
		slog.Warn("anomaly queue unavailable, persisting directly",
			"event_id", ev.ID,
			"error", err,
		)
		c = &domain.AnomalyCandidate{
			ID:         ev.ID,
			Score:      ev.RiskScore,
			Payload:    payload,
			EnqueuedAt: s.now().UTC(),
		}
		if err := s.repo.UpsertAnomaly(ctx, domain.NewAnomalyRecord(c, ev, s.now().UTC())); err != nil {
			metrics.StoreFailuresTotal.WithLabelValues("upsert_anomaly").Inc()
			slog.Error("failed to persist anomaly",
				"event_id", ev.ID,
				"error", err,
			)
			return
		}
		metrics.AnomaliesPersistedTotal.Inc()
	} else {
		metrics.AnomaliesEnqueuedTotal.Inc()
	}

	slog.Info("anomaly flagged",
		"event_id", ev.ID,
		"actor_id", ev.Actor(),
		"kind", ev.Kind,
		"risk_score", ev.RiskScore,
	)

	data, err := json.Marshal(c)
	if err != nil {
		return
	}
	s.publish(ctx, domain.TopicAnomalyFlagged, data)
}

func (s *Service) publish(ctx context.Context, topic string, payload []byte) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish", "topic", topic, "error", err)
	}
}

func (s *Service) degraded(op string, err error, args ...any) {
	metrics.StoreFailuresTotal.WithLabelValues(op).Inc()
	slog.Warn("store read degraded", append([]any{"op", op, "error", err}, args...)...)
}

// signalLabel folds custom rule reasons into one label value.
func signalLabel(signal string) string {
	if strings.HasPrefix(signal, risk.RulePrefix) {
		return "custom_rule"
	}
	return signal
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
