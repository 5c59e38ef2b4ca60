package anomaly

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/opensource-finance/linklock/internal/metrics"
)

// ErrAlreadyRunning is returned by Start on a running worker.
var ErrAlreadyRunning = errors.New("anomaly worker already running")

// Worker periodically drains the highest-scored anomalies and persists them.
type Worker struct {
	queue *Queue
	repo  domain.EventStore
	bus   domain.EventBus
	cfg   domain.QueueConfig

	subscriptions []domain.Subscription
	wake          chan struct{}
	running       atomic.Bool
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
	now           func() time.Time
}

// NewWorker creates a persistence worker. bus may be nil.
func NewWorker(queue *Queue, repo domain.EventStore, bus domain.EventBus, cfg domain.QueueConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Minute
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		queue:  queue,
		repo:   repo,
		bus:    bus,
		cfg:    cfg,
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		now:    time.Now,
	}
}

// Running reports whether the persist loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start launches the persist loop. A flagged-anomaly message on the bus
// triggers a cycle before the next tick.
func (w *Worker) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if w.bus != nil {
		sub, err := w.bus.Subscribe(w.ctx, domain.TopicAnomalyFlagged, func(ctx context.Context, msg *domain.Message) error {
			w.Wake()
			return nil
		})
		if err != nil {
			slog.Warn("anomaly worker falling back to polling only",
				"topic", domain.TopicAnomalyFlagged,
				"error", err,
			)
		} else {
			w.subscriptions = append(w.subscriptions, sub)
		}
	}

	w.wg.Add(1)
	go w.loop()

	slog.Info("anomaly worker started",
		"interval", w.cfg.Interval,
		"batch_size", w.cfg.BatchSize,
	)
	return nil
}

// Wake requests a persist cycle without waiting for the next tick.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *Worker) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.safeRunOnce()
		case <-w.wake:
			w.safeRunOnce()
		}
	}
}

func (w *Worker) safeRunOnce() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in anomaly worker", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := w.RunOnce(w.ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("anomaly persist cycle failed", "error", err)
	}
}

// RunOnce recovers stale claims, then drains and persists one batch.
// It returns the number of anomalies written.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() {
		metrics.WorkerCycleDuration.Observe(time.Since(start).Seconds())
	}()

	recovered, err := w.queue.RecoverStale(ctx, w.cfg.VisibilityTimeout, w.cfg.BatchSize)
	if err != nil {
		slog.Warn("failed to recover stale anomalies", "error", err)
	}
	if recovered > 0 {
		metrics.AnomaliesRecoveredTotal.Add(float64(recovered))
		slog.Info("recovered stale anomalies", "count", recovered)
	}

	batch, err := w.queue.DrainTop(ctx, w.cfg.BatchSize)
	if err != nil && len(batch) == 0 {
		return 0, err
	}

	persisted := 0
	for i, c := range batch {
		if ctx.Err() != nil {
			w.requeue(batch[i:])
			break
		}

		if err := w.persist(ctx, c); err != nil {
			metrics.AnomalyPersistFailuresTotal.Inc()
			slog.Error("failed to persist anomaly",
				"anomaly_id", c.ID,
				"score", c.Score,
				"error", err,
			)
			w.requeue([]*domain.AnomalyCandidate{c})
			continue
		}

		if err := w.queue.Ack(ctx, c); err != nil {
			// the record is written; a redelivery is an idempotent upsert
			slog.Warn("failed to ack anomaly", "anomaly_id", c.ID, "error", err)
		}
		persisted++
	}

	if depth, err := w.queue.Len(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	if persisted > 0 {
		slog.Debug("anomalies persisted",
			"count", persisted,
			"batch", len(batch),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	return persisted, nil
}

func (w *Worker) persist(ctx context.Context, c *domain.AnomalyCandidate) error {
	var ev *domain.Event
	if len(c.Payload) > 0 {
		var decoded domain.Event
		if err := json.Unmarshal(c.Payload, &decoded); err != nil {
			slog.Warn("anomaly payload is not an event", "anomaly_id", c.ID, "error", err)
		} else {
			ev = &decoded
		}
	}

	rec := domain.NewAnomalyRecord(c, ev, w.now().UTC())

	writeCtx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	if err := w.repo.UpsertAnomaly(writeCtx, rec); err != nil {
		return err
	}
	metrics.AnomaliesPersistedTotal.Inc()

	if w.bus != nil {
		data, err := json.Marshal(rec)
		if err != nil {
			slog.Warn("failed to marshal persisted anomaly", "anomaly_id", rec.ID, "error", err)
			return nil
		}
		if err := w.bus.Publish(ctx, domain.TopicAnomalyPersisted, data); err != nil {
			slog.Warn("failed to publish persisted anomaly",
				"anomaly_id", rec.ID,
				"error", err,
			)
		}
	}
	return nil
}

// requeue returns unwritten candidates to the queue. It uses a detached
// context so a stopping worker still hands its batch back.
func (w *Worker) requeue(batch []*domain.AnomalyCandidate) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	for _, c := range batch {
		if err := w.queue.Requeue(ctx, c); err != nil {
			slog.Error("failed to requeue anomaly; it will be recovered after the visibility timeout",
				"anomaly_id", c.ID,
				"error", err,
			)
			continue
		}
		metrics.AnomaliesRequeuedTotal.Inc()
	}
}

// Stop ends the persist loop, waits for the current cycle and then drains
// what is still queued, bounded by the write timeout.
func (w *Worker) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	drained, err := w.drain()
	if err != nil {
		slog.Error("final anomaly drain incomplete", "persisted", drained, "error", err)
	}

	slog.Info("anomaly worker stopped", "drained", drained)
	return nil
}

// drain persists batches until the queue is empty. It uses a detached
// context because the loop context is already cancelled.
func (w *Worker) drain() (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.WriteTimeout)
	defer cancel()

	total := 0
	for ctx.Err() == nil {
		n, err := w.RunOnce(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, nil
		}
	}
	return total, ctx.Err()
}
