package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/domain"
	"atelier/internal/infra"
	"atelier/internal/notify"
	"atelier/internal/objectstore"
	"atelier/internal/provider"
	"atelier/internal/queue"
	"atelier/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer dbpool.Close()

	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: redis connection failed")
	}
	defer rdb.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	store := repo.NewJobStore(runner)

	jobQueue := queue.NewRedisQueue(rdb, queue.Options{
		AttemptLimit:  cfg.JobAttemptLimit,
		Visibility:    cfg.JobTimeout + 5*time.Minute,
		BackoffBase:   cfg.JobBackoffBase,
		KeepCompleted: cfg.KeepCompleted,
		KeepFailed:    cfg.KeepFailed,
		Finalizer:     store,
	}, logger)
	notifier := notify.NewRedisNotifier(rdb, logger)

	objects, err := buildObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure object store")
	}

	styleClient := provider.NewClient(provider.Options{
		BaseURL:   cfg.StyleEngineBaseURL,
		APIKey:    cfg.StyleEngineAPIKey,
		Timeout:   cfg.StyleEngineTimeout,
		RetryMax:  cfg.ProviderRetryMax,
		RetryBase: cfg.ProviderRetryBase,
		Logger:    logger,
	})
	if !styleClient.Configured() {
		logger.Warn().Msg("worker: STYLE_ENGINE_API_KEY missing, every provider call will be rejected")
	}

	executor := &worker.Executor{
		Store:    store,
		Objects:  objects,
		Provider: styleClient,
		Notifier: notifier,
		Logger:   logger,
		Timeout:  cfg.JobTimeout,
	}

	pool := worker.NewPool(jobQueue, executor, worker.PoolConfig{
		Concurrency: cfg.WorkerConcurrency,
		StaleAfter:  cfg.JobStaleAfter,
	}, logger)

	if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("worker: stopped with error")
	}
	logger.Info().Msg("worker: stopped")
}

func buildObjectStore(ctx context.Context, cfg *infra.Config) (domain.ObjectStore, error) {
	if cfg.ObjectStoreConfigured() {
		return objectstore.NewMinioStore(ctx, objectstore.MinioOpts{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return objectstore.NewFileStore(cfg.StoragePath, cfg.PublicBaseURL)
}
