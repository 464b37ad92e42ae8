package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"server/internal/adapter/repo"
	"server/internal/infra"
	"server/internal/pipeline"
	"server/internal/providers/classify"
	"server/internal/providers/genai"
	"server/internal/providers/image"
	"server/internal/providers/qc"
	"server/internal/storage"
)

func main() {
	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	fileStore, err := storage.NewFileStore(storagePath)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure storage")
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}
	geminiClient, err := genai.NewClient(genai.Options{
		APIKey:     cfg.GeminiAPIKey,
		BaseURL:    cfg.GeminiBaseURL,
		Model:      cfg.GeminiModel,
		HTTPClient: httpClient,
		Logger:     &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure gemini client")
	}
	if !geminiClient.HasCredentials() {
		logger.Warn().Str("model", geminiClient.Model()).Msg("worker: gemini api key missing, using synthetic providers")
	}

	jobs := repo.NewJobRepository(pool)
	renders := repo.NewRenderRepository(pool)
	attempts := repo.NewAttemptRepository(pool)

	executor := pipeline.NewExecutor(
		image.NewGeminiGenerator(geminiClient),
		qc.NewGeminiEvaluator(geminiClient),
		fileStore,
		logger,
	)
	fixPolicy, err := pipeline.ParseFixPolicy(cfg.FixPolicySpec)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: invalid FIX_POLICY")
	}
	planner := pipeline.NewPlanner(fixPolicy)
	renderCtl := pipeline.NewRenderController(
		classify.NewGeminiClassifier(geminiClient),
		executor,
		planner,
		jobs,
		renders,
		attempts,
		logger,
	)
	jobCtl := pipeline.NewJobController(jobs, renders, renderCtl, cfg.RenderConcurrency, logger)

	dispatcher := pipeline.NewDispatcher(runner, jobs, jobCtl, pipeline.DispatcherConfig{
		Workers:          cfg.WorkerCount,
		PollInterval:     cfg.PollInterval,
		MaxJobRetries:    cfg.JobMaxRetries,
		BackoffBase:      cfg.RetryBackoffBase,
		BackoffMax:       cfg.RetryBackoffMax,
		LivenessDeadline: cfg.LivenessDeadline,
	}, logger)

	schedule := cron.New()
	if _, err := schedule.AddFunc("* * * * *", func() { dispatcher.ReclaimStale(ctx) }); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to schedule stale reclaim")
	}
	if _, err := schedule.AddFunc("30 3 * * *", func() { dispatcher.PurgeAudit(ctx, cfg.AuditRetentionDays) }); err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to schedule audit purge")
	}
	schedule.Start()
	defer schedule.Stop()

	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}
