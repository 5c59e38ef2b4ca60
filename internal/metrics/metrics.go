// Package metrics provides Prometheus instrumentation for LinkLock.
package metrics

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linklock",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route pattern, and status class.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and route.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "linklock",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsTotal counts recorded events by kind and status.
	EventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linklock",
			Name:      "events_total",
			Help:      "Total events recorded by kind and status.",
		},
		[]string{"kind", "status"},
	)

	// RiskScores observes the final risk score per event kind.
	RiskScores = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "linklock",
			Name:      "risk_score",
			Help:      "Distribution of final risk scores.",
			Buckets:   []float64{0, 10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
		},
		[]string{"kind"},
	)

	// SignalsFiredTotal counts fired risk signals.
	SignalsFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linklock",
			Name:      "signals_fired_total",
			Help:      "Total risk signals fired by signal name.",
		},
		[]string{"signal"},
	)

	// SignalsSkippedTotal counts signals that could not be evaluated.
	SignalsSkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linklock",
			Name:      "signals_skipped_total",
			Help:      "Total risk signals not evaluated because an input was unavailable.",
		},
		[]string{"signal"},
	)

	// StoreFailuresTotal counts failed optional store operations.
	StoreFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linklock",
			Name:      "store_failures_total",
			Help:      "Total failed optional store operations by operation.",
		},
		[]string{"op"},
	)

	// AnomaliesFlaggedTotal counts events flagged as anomalous.
	AnomaliesFlaggedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "linklock",
			Name:      "anomalies_flagged_total",
			Help:      "Total events flagged as anomalous by kind.",
		},
		[]string{"kind"},
	)

	// AnomaliesEnqueuedTotal counts anomalies pushed onto the priority queue.
	AnomaliesEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linklock",
		Name:      "anomalies_enqueued_total",
		Help:      "Total anomalies pushed onto the priority queue.",
	})

	// AnomaliesRequeuedTotal counts claimed anomalies handed back to the queue.
	AnomaliesRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linklock",
		Name:      "anomalies_requeued_total",
		Help:      "Total claimed anomalies returned to the queue unwritten.",
	})

	// AnomaliesPersistedTotal counts anomaly records written by the worker.
	AnomaliesPersistedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linklock",
		Name:      "anomalies_persisted_total",
		Help:      "Total anomaly records persisted.",
	})

	// AnomalyPersistFailuresTotal counts failed anomaly writes.
	AnomalyPersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linklock",
		Name:      "anomaly_persist_failures_total",
		Help:      "Total anomaly writes that failed and were requeued.",
	})

	// AnomaliesRecoveredTotal counts stale in-flight anomalies returned to the queue.
	AnomaliesRecoveredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "linklock",
		Name:      "anomalies_recovered_total",
		Help:      "Total in-flight anomalies requeued after the visibility timeout.",
	})

	// QueueDepth tracks anomalies waiting to be persisted.
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linklock",
		Name:      "anomaly_queue_depth",
		Help:      "Number of anomalies waiting in the priority queue.",
	})

	// WorkerCycleDuration observes one persist cycle.
	WorkerCycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "linklock",
		Name:      "worker_cycle_duration_seconds",
		Help:      "Duration of one anomaly persist cycle in seconds.",
		Buckets:   prometheus.DefBuckets,
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linklock", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linklock", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "linklock", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsTotal,
		RiskScores,
		SignalsFiredTotal,
		SignalsSkippedTotal,
		StoreFailuresTotal,
		AnomaliesFlaggedTotal,
		AnomaliesEnqueuedTotal,
		AnomaliesRequeuedTotal,
		AnomaliesPersistedTotal,
		AnomalyPersistFailuresTotal,
		AnomaliesRecoveredTotal,
		QueueDepth,
		WorkerCycleDuration,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector samples sql.DBStats and the goroutine count until
// ctx is done. Call in a goroutine.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware records request count and latency per route pattern.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		// route pattern, not the raw path, to bound label cardinality
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(status)).Inc()
	})
}

// Handler returns the Prometheus metrics handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// statusBucket groups HTTP status codes into classes.
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
