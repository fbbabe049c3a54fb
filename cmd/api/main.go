package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"atelier/internal/adapter/repo"
	"atelier/internal/domain"
	"atelier/internal/http/handlers"
	httpapi "atelier/internal/http/httpapi"
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
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	runner := infra.NewSQLRunner(dbpool, logger)
	store := repo.NewJobStore(runner)

	var (
		jobQueue domain.Queue
		notifier domain.Notifier
	)
	rdb, err := infra.NewRedisClient(ctx, cfg)
	if err != nil {
		// Degraded mode: submissions run inline, streams answer with one
		// error event.
		logger.Warn().Err(err).Msg("redis unreachable, gateway running in synchronous fallback mode")
		jobQueue = queue.Unavailable{Cause: err}
		notifier = notify.NewMemory()
	} else {
		defer rdb.Close()
		jobQueue = queue.NewRedisQueue(rdb, queue.Options{
			AttemptLimit:  cfg.JobAttemptLimit,
			BackoffBase:   cfg.JobBackoffBase,
			KeepCompleted: cfg.KeepCompleted,
			KeepFailed:    cfg.KeepFailed,
			Finalizer:     store,
		}, logger)
		notifier = notify.NewRedisNotifier(rdb, logger)
	}

	objects, staticDir, err := buildObjectStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure object store")
	}

	styleClient := provider.NewClient(provider.Options{
		BaseURL:   cfg.StyleEngineBaseURL,
		APIKey:    cfg.StyleEngineAPIKey,
		Timeout:   cfg.StyleEngineTimeout,
		RetryMax:  cfg.ProviderRetryMax,
		RetryBase: cfg.ProviderRetryBase,
		Logger:    logger,
	})

	executor := &worker.Executor{
		Store:    store,
		Objects:  objects,
		Provider: styleClient,
		Notifier: notifier,
		Logger:   logger,
		Timeout:  cfg.JobTimeout,
	}

	app := &handlers.App{
		Logger:        logger,
		Store:         store,
		Queue:         jobQueue,
		Notifier:      notifier,
		Objects:       objects,
		Provider:      styleClient,
		Executor:      executor,
		StreamTimeout: cfg.StreamTimeout,
		StaticDir:     staticDir,

		AllowedOrigins:  cfg.AllowedOrigins,
		SubmitRateLimit: cfg.SubmitRateLimit,
	}

	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}

func buildObjectStore(ctx context.Context, cfg *infra.Config) (domain.ObjectStore, string, error) {
	if cfg.ObjectStoreConfigured() {
		store, err := objectstore.NewMinioStore(ctx, objectstore.MinioOpts{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		return store, "", err
	}
	store, err := objectstore.NewFileStore(cfg.StoragePath, cfg.PublicBaseURL)
	if err != nil {
		return nil, "", err
	}
	return store, store.BasePath(), nil
}
