// Kestrel - Fraud decisions for financial documents.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/lifecycle"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/policy"
	"github.com/opensource-finance/kestrel/internal/reasoning"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/traces"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", os.Getenv("KESTREL_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"reasoning", cfg.Reasoning.Enabled,
	)

	if err := run(cfg, logger); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

func run(cfg *domain.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := traces.Init(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			slog.Warn("failed to flush traces", "error", err)
		}
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repo.Close()
	go metrics.StartDBStatsCollector(ctx, repo.DB(), 15*time.Second)
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("init cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("init event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Model lifecycle
	artifacts, err := lifecycle.NewFileStore(cfg.Models.ArtifactDir)
	if err != nil {
		return fmt.Errorf("init artifact store: %w", err)
	}
	source := lifecycle.MixedSource{
		lifecycle.SyntheticSource{Count: cfg.Models.SyntheticSamples, Seed: cfg.Models.Seed},
		lifecycle.StoredSource{Store: repo},
	}
	models := lifecycle.NewManager(repo, artifacts, source, cfg.Models, lifecycle.WithPublisher(busImpl))
	if err := models.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap models: %w", err)
	}
	go models.Run(ctx)

	// Validation rules
	engine, err := rules.NewEngine(16)
	if err != nil {
		return fmt.Errorf("init rule engine: %w", err)
	}
	defer engine.Close()
	loader, err := rules.NewLoader(cfg.Rules.Path, engine)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}
	loader.OnChange(func(configs []*domain.RuleConfig) {
		ids := make([]string, 0, len(configs))
		for _, c := range configs {
			ids = append(ids, c.ID)
		}
		payload, _ := json.Marshal(map[string]any{
			"version": engine.Version(),
			"rules":   ids,
			"path":    cfg.Rules.Path,
		})
		if err := busImpl.Publish(ctx, domain.TopicRulesReloaded, payload); err != nil {
			slog.Warn("failed to publish rules reload", "error", err)
		}
	})
	if cfg.Rules.Watch && cfg.Rules.Path != "" {
		stopWatch, err := loader.Watch()
		if err != nil {
			return fmt.Errorf("watch rules: %w", err)
		}
		defer stopWatch()
	}

	reasoner, err := reasoning.New(cfg.Reasoning)
	if err != nil {
		return fmt.Errorf("init reasoning client: %w", err)
	}

	policyEngine := policy.NewEngine(repo, cfg.Policy)
	p := pipeline.New(repo,
		scoring.NewScorer(models.Registry(), cacheImpl, cfg.Cache.ScoreTTL),
		engine,
		policyEngine,
		decision.NewProcessor(cfg.Decision),
		pipeline.WithReasoner(reasoner),
		pipeline.WithVelocity(velocity.NewService(repo, cfg.Velocity.Window)),
		pipeline.WithExtractCache(cacheImpl, cfg.Cache.ExtractTTL),
		pipeline.WithPublisher(busImpl),
	)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, p, models)
		if err := asyncWorker.Start(worker.Config{Concurrency: cfg.Worker.Concurrency}); err != nil {
			return fmt.Errorf("start worker: %w", err)
		}
		slog.Info("async worker started", "concurrency", cfg.Worker.Concurrency)
	}

	srv := api.NewServer(cfg.Server, api.Services{
		Repo:      repo,
		Cache:     cacheImpl,
		Bus:       busImpl,
		Pipeline:  p,
		Models:    models,
		Rules:     engine,
		RuleFiles: loader,
		Policy:    policyEngine,
		Version:   Version,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop intake first so in-flight submissions finish against live stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL - document fraud decisions")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /documents/evaluate                - Decide a document now")
	fmt.Println("    POST /documents/submit                  - Queue a document for the worker")
	fmt.Println("    GET  /decisions/{id}                    - Get decision record")
	fmt.Println("    GET  /profiles/{identity}               - Get fraud profile")
	fmt.Println("    POST /profiles/{identity}/archive       - Archive fraud profile")
	fmt.Println("    POST /models/{documentType}/retrain     - Train and gate a candidate")
	fmt.Println("    POST /models/{documentType}/activate    - Activate a version")
	fmt.Println("    POST /models/{documentType}/rollback    - Reactivate previous version")
	fmt.Println("    GET  /models/status                     - Model lifecycle status")
	fmt.Println("    POST /training-samples                  - Add labeled training sample")
	fmt.Println("    GET  /rules, POST /rules/reload         - List / hot-reload rules")
	fmt.Println("    GET  /health, /ready, /metrics          - Probes and Prometheus")
	fmt.Println()
}
