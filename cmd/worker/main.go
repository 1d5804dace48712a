package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/archive"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/config"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/queue"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/redisstore"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/store"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/worker"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "worker"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pg, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pg.Close()
	if err := pg.RunMigrations(ctx); err != nil {
		logger.Error("run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	rs := redisstore.NewWithClient(redisClient, cfg.KeyPrefix)

	metrics := telemetry.New()
	q := queue.New(rs, logger, queue.Options{
		Name:              cfg.QueueName,
		VisibilityTimeout: cfg.VisibilityTimeout,
		DeadLetterCap:     cfg.DeadLetterCap,
		ScheduledBatch:    int64(cfg.ScheduledBatchSize),
	})

	executor := workflow.NewHTTPAgentExecutor(getAgentURL(), cfg.StepTimeout)
	engine := workflow.New(pg, pg, executor, rs, rs, q, logger, metrics, workflow.Options{
		StepTimeout: cfg.StepTimeout,
		CacheTTL:    cfg.DefinitionCacheTTL,
		MaxRetries:  cfg.MaxRetries,
		BaseDelay:   cfg.BaseRetryDelay,
	})

	archiver, err := archive.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("init archiver", slog.Any("error", err))
		os.Exit(1)
	}

	maintenance := worker.NewMaintenance(q, archiver, logger, metrics, int64(cfg.ScheduledBatchSize), cfg.ArchiveBatchSize)
	if err := maintenance.Start(ctx, cfg.MaintenanceSpec); err != nil {
		logger.Error("start maintenance", slog.Any("error", err))
		os.Exit(1)
	}
	defer maintenance.Stop()

	pool := worker.NewPool(q, logger, metrics, worker.Options{
		Concurrency:       int64(cfg.WorkerConcurrency),
		PollInterval:      cfg.WorkerPollInterval,
		DequeueTimeout:    cfg.DequeueTimeout,
		ShutdownGrace:     cfg.ShutdownGrace,
		HeartbeatInterval: cfg.VisibilityTimeout / 3,
	})
	pool.RegisterHandler(workflow.TaskExecuteWorkflow, workflow.JobHandler(engine))

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, metrics.Handler()); err != nil {
			logger.Warn("metrics server stopped", slog.Any("error", err))
		}
	}()

	logger.Info("worker started",
		slog.Int("concurrency", cfg.WorkerConcurrency),
		slog.Duration("visibility", cfg.VisibilityTimeout))
	if err := pool.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
	}
}

func getAgentURL() string {
	if v := os.Getenv("AGENT_EXECUTOR_URL"); v != "" {
		return v
	}
	return "http://localhost:8090"
}
