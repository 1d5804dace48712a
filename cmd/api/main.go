package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/api"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/config"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/idempotency"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/queue"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/ratelimit"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/redisstore"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/store"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/telemetry"
	"github.com/c04ch1337/Transform-Army-Platform-sub000/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "api"))

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

	ledger := idempotency.NewLedger(pg)
	idem := idempotency.NewMiddleware(ledger, logger, metrics)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(engine, pg, pg, q, idem, limiter, metrics, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	go func() {
		logger.Info("api listening", slog.String("port", cfg.HTTPPort))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen", slog.Any("error", err))
			cancel()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func getAgentURL() string {
	if v := os.Getenv("AGENT_EXECUTOR_URL"); v != "" {
		return v
	}
	return "http://localhost:8090"
}
