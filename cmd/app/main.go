package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"construction-doc-analysis/internal/config"
	"construction-doc-analysis/internal/domain/model"
	"construction-doc-analysis/internal/domain/ports/adapter"
	aiAdapters "construction-doc-analysis/internal/infra/adapters/ai"
	pg "construction-doc-analysis/internal/infra/db/postgres"
	"construction-doc-analysis/internal/infra/extraction"
	"construction-doc-analysis/internal/infra/logging"
	"construction-doc-analysis/internal/infra/metrics"
	red "construction-doc-analysis/internal/infra/redis"
	"construction-doc-analysis/internal/infra/sched"
	"construction-doc-analysis/internal/infra/storage"
	"construction-doc-analysis/internal/infra/web"
	"construction-doc-analysis/internal/infra/worker"
	"construction-doc-analysis/internal/usecase"
	"construction-doc-analysis/internal/workflow"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- CLI flags ----
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	devMode := flag.Bool("dev", false, "enable developer mode (console logs, relaxed auth TTL)")
	flag.Parse()

	cfg, err := config.LoadConfig(*cfgPath, *devMode)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("developer mode enabled")
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connect failed")
	}
	defer pool.Close()
	if err := pg.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("schema migration failed")
	}

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connect failed")
	}
	defer redisClient.Close()
	bus := red.NewStreamBus(redisClient, cfg.Redis.StreamMaxLen, cfg.Redis.EventTTL, cfg.Server.Grace, logger)
	statusCache := red.NewRunStatusCache(redisClient, cfg.Redis.EventTTL)

	// ---- Object storage ----
	store, err := storage.NewGCSStore(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("object storage init failed")
	}

	// ---- Extraction gateway ----
	primary, err := extraction.NewClient(cfg.Extraction.BaseURL, cfg.Extraction.APIKey, cfg.Extraction.RequestTimeout)
	if err != nil {
		logger.Fatal().Err(err).Msg("extraction client init failed")
	}
	gateway := extraction.NewGateway(primary, extraction.NewPlainTextExtractor(), extraction.GatewayConfig{
		PageThreshold:       cfg.Extraction.PageThreshold,
		MinBatchPages:       cfg.Extraction.MinBatchPages,
		MaxBatchPages:       cfg.Extraction.MaxBatchPages,
		MaxConcurrency:      cfg.Extraction.MaxConcurrency,
		LargeDocPages:       cfg.Extraction.LargeDocPages,
		LargeDocConcurrency: cfg.Extraction.LargeDocConcurrency,
		BatchAttempts:       cfg.Extraction.BatchAttempts,
	}, logger)

	// ---- AI adapters (failover per provider_order) ----
	providers := make(map[string]adapter.AnalysisAdapter)
	if cfg.AI.OpenAIKey != "" {
		oa, err := aiAdapters.NewOpenAIAdapter(cfg.AI.OpenAIKey, cfg.AI.Model)
		if err != nil {
			logger.Fatal().Err(err).Msg("openai adapter init failed")
		}
		providers["openai"] = oa
	}
	if cfg.AI.GeminiKey != "" {
		ga, err := aiAdapters.NewGeminiAdapter(ctx, cfg.AI.GeminiKey, cfg.AI.GeminiURL, cfg.AI.Model)
		if err != nil {
			logger.Fatal().Err(err).Msg("gemini adapter init failed")
		}
		providers["gemini"] = ga
	}
	ai := aiAdapters.NewMultiAnalysisAdapter(cfg.AI.ProviderOrder, providers, logger)

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	runRepo := pg.NewWorkflowRunRepo(pool, tm)
	attemptRepo := pg.NewStageAttemptRepo(pool)

	// ---- Use cases ----
	runUC := usecase.NewRunUseCase(runRepo, bus, statusCache, logger)

	// ---- Orchestrator ----
	activities := []workflow.StageActivity{
		workflow.NewExtractActivity(store, gateway, model.ExtractionOptions{
			Strategy:            model.ExtractionStrategy(cfg.Extraction.Strategy),
			ExtractTables:       cfg.Extraction.ExtractTables,
			AllowPartialFailure: cfg.Extraction.AllowPartial,
		}),
		workflow.NewAnalyzeActivity(ai, cfg.AI.Model, cfg.AI.MaxPromptTokens),
		workflow.NewExportActivity(store, cfg.Storage.ResultPrefix),
	}
	hostname, _ := os.Hostname()
	orch := workflow.NewOrchestrator(runRepo, attemptRepo, tm, bus, activities, statusCache, workflow.Config{
		Claimant:        hostname,
		PollInterval:    cfg.Pipeline.PollInterval,
		MaxAttempts:     cfg.Pipeline.MaxAttempts,
		BackoffBase:     cfg.Pipeline.BackoffBase,
		BackoffMax:      cfg.Pipeline.BackoffMax,
		CapacityBackoff: cfg.Pipeline.CapacityBackoff,
		StageTimeout:    cfg.Pipeline.StageTimeout,
		Lease:           cfg.Pipeline.Lease,
		CancelPoll:      cfg.Pipeline.CancelPoll,
	}, logger)

	pool2 := worker.NewPool(cfg.Pipeline.Workers, logger)
	pool2.Start(ctx)
	go orch.Start(ctx, pool2)

	// ---- Retention reaper ----
	reaper := sched.NewRetentionWorker(cfg.Pipeline.ReapInterval, cfg.Pipeline.Retention, runRepo, logger)
	go func() { _ = reaper.Run(ctx) }()

	// ---- HTTP server ----
	metrics.MustRegister()
	hub := web.NewHub(bus, logger)
	auth := web.NewAuthManager(cfg.Server.AuthSecret, cfg.Server.TokenTTL)
	srv := web.NewServer(runUC, hub, auth, cfg.Server.OperatorKey, web.StreamConfig{
		Heartbeat:   cfg.Server.Heartbeat,
		IdleTimeout: cfg.Server.IdleTimeout,
	}, logger)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: srv.Router(),
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("http server error")
		}
	}()

	// ---- Graceful shutdown ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	logger.Info().Msg("shutdown requested")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	pool2.Stop()
}
