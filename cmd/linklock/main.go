// LinkLock - Login and transaction anomaly scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/linklock/internal/anomaly"
	"github.com/opensource-finance/linklock/internal/api"
	"github.com/opensource-finance/linklock/internal/bus"
	"github.com/opensource-finance/linklock/internal/cache"
	"github.com/opensource-finance/linklock/internal/config"
	"github.com/opensource-finance/linklock/internal/domain"
	"github.com/opensource-finance/linklock/internal/geo"
	"github.com/opensource-finance/linklock/internal/metrics"
	"github.com/opensource-finance/linklock/internal/repository"
	"github.com/opensource-finance/linklock/internal/risk"
	"github.com/opensource-finance/linklock/internal/rules"
	"github.com/opensource-finance/linklock/internal/tracing"
	"github.com/opensource-finance/linklock/internal/tracker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.SetDefault(config.NewLogger(cfg.Logging, os.Stdout))

	slog.Info("starting linklock",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"geo", cfg.Geo.Type,
		"tracing", cfg.Tracing.Enabled,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, slog.Default())
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)

	// Initialize KV store
	kv, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize kv store", "error", err)
		os.Exit(1)
	}
	defer kv.Close()
	slog.Info("kv store initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize geolocation
	resolver, err := geo.New(cfg.Geo)
	if err != nil {
		slog.Error("failed to initialize geo resolver", "error", err)
		os.Exit(1)
	}
	defer resolver.Close()
	slog.Info("geo resolver initialized", "type", cfg.Geo.Type)

	// Initialize Rule Engine
	engine, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize rule engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	// Anomaly queue and persistence worker
	queue := anomaly.NewQueue(kv)
	persister := anomaly.NewWorker(queue, repo, eventBus, cfg.Queue)
	if err := persister.Start(); err != nil {
		slog.Error("failed to start anomaly worker", "error", err)
		os.Exit(1)
	}
	slog.Info("anomaly worker started",
		"interval", cfg.Queue.Interval,
		"batch_size", cfg.Queue.BatchSize,
	)

	svc := tracker.New(tracker.Dependencies{
		Repo:   repo,
		KV:     kv,
		Geo:    resolver,
		Scorer: risk.NewScorer(cfg.Scoring),
		Rules:  engine,
		Queue:  queue,
		Bus:    eventBus,
	}, cfg.Tracker)

	srv := api.NewServer(cfg.Server, svc, repo, engine, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("linklock is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting events before the worker drains its last batch.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := persister.Stop(); err != nil {
		slog.Error("failed to stop anomaly worker", "error", err)
	}

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("linklock shutdown complete")
}

// loadRulesFromDatabase loads enabled rules from the database into the engine.
// Rules are managed through POST /rules; there are no built-in defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.EventStore, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(dbRules) == 0 {
		slog.Info("no rules in database - configure via POST /rules API")
		return nil
	}

	slog.Info("loading rules from database", "count", len(dbRules))
	return engine.ReloadRules(dbRules)
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 LINKLOCK                  |")
	fmt.Println("  |    Login and transaction anomaly engine   |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /logins                       - Record a login attempt")
	fmt.Println("    POST /transactions                 - Record a transaction")
	fmt.Println("    GET  /actors/{id}/devices          - Devices seen for an actor")
	fmt.Println("    GET  /actors/{id}/stats            - Login statistics")
	fmt.Println("    GET  /actors/{id}/suspicious       - Flagged events")
	fmt.Println("    GET  /actors/{id}/recent           - Recent activity")
	fmt.Println("    GET  /anomalies/top                - Highest-risk queued anomalies")
	fmt.Println("    GET  /anomalies/{id}               - Persisted anomaly")
	fmt.Println("    GET  /rules                        - List loaded rules")
	fmt.Println("    POST /rules                        - Create a rule")
	fmt.Println("    POST /rules/reload                 - Hot-reload rules from database")
	fmt.Println("    GET  /health                       - Health check")
	fmt.Println("    GET  /metrics                      - Prometheus metrics")
	fmt.Println()
}
