// Package main is the entrypoint for the riskbatch job worker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/riskbatch/internal/cache"
	"github.com/kiranshivaraju/riskbatch/internal/config"
	"github.com/kiranshivaraju/riskbatch/internal/jobs"
	"github.com/kiranshivaraju/riskbatch/internal/metrics"
	"github.com/kiranshivaraju/riskbatch/internal/queue"
	"github.com/kiranshivaraju/riskbatch/internal/scoring"
	"github.com/kiranshivaraju/riskbatch/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	name := workerName()
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"worker", name,
		"concurrency", cfg.Worker.Concurrency,
		"scoring_provider", cfg.Scoring.Provider,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()
	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	jobQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.QueueName, "")
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	defer jobQueue.Close()
	slog.Info("redis connected")

	scorer, err := scoring.NewScorer(cfg.Scoring)
	if err != nil {
		return fmt.Errorf("create scorer: %w", err)
	}
	slog.Info("scorer initialized", "provider", scorer.Name())

	meterProvider, reader := metrics.NewProvider()
	m := metrics.NewMetrics(meterProvider)
	defer func() {
		if snap, err := metrics.Snapshot(context.Background(), reader); err == nil {
			slog.Info("worker metrics", "totals", snap)
		}
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			slog.Warn("meter provider shutdown failed", "error", err)
		}
	}()

	pgStore := store.NewPostgresStore(pool)

	processor := jobs.NewProcessor(pgStore, scorer, m, jobs.ProcessorConfig{
		RowTimeout: cfg.Jobs.RowTimeout,
		MaxRetries: cfg.Scoring.MaxRetries,
	})

	poolCfg := jobs.PoolConfig{
		Name:                  name,
		HardTimeout:           cfg.Jobs.HardTimeout,
		ProgressBatchSize:     cfg.Jobs.ProgressBatchSize,
		MaxErrorRecords:       cfg.Jobs.MaxErrorRecords,
		MaxConsecutiveOutages: cfg.Jobs.MaxConsecutiveOutages,
	}
	consumers := make([]jobs.Consumer, cfg.Worker.Concurrency)
	for i := range consumers {
		consumers[i] = jobQueue.ForConsumer(jobs.SlotName(name, i))
	}
	workers := jobs.NewPool(pgStore, redisCache, redisCache, processor, consumers, m, poolCfg)

	sweeper := jobs.NewSweeper(pgStore, redisCache, redisCache, m, jobs.SweeperConfig{
		HardTimeout: cfg.Jobs.HardTimeout,
	})
	if err := sweeper.Start(cfg.Worker.SweepSchedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	slog.Info("worker pool starting", "worker", name, "slots", len(consumers))
	if err := workers.Run(ctx); err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// workerName is stable across restarts of the same host so in-flight
// messages are recovered by the slot that took them.
func workerName() string {
	if name := os.Getenv("WORKER_NAME"); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}
