// Package main is the entrypoint for the riskbatch API server.
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

	"github.com/joho/godotenv"
	"github.com/kiranshivaraju/riskbatch/internal/api"
	"github.com/kiranshivaraju/riskbatch/internal/api/handler"
	mw "github.com/kiranshivaraju/riskbatch/internal/api/middleware"
	"github.com/kiranshivaraju/riskbatch/internal/api/response"
	"github.com/kiranshivaraju/riskbatch/internal/cache"
	"github.com/kiranshivaraju/riskbatch/internal/config"
	"github.com/kiranshivaraju/riskbatch/internal/jobs"
	"github.com/kiranshivaraju/riskbatch/internal/metrics"
	"github.com/kiranshivaraju/riskbatch/internal/predictions"
	"github.com/kiranshivaraju/riskbatch/internal/queue"
	"github.com/kiranshivaraju/riskbatch/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config: fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "queue", cfg.Redis.QueueName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache and the job queue producer
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	jobQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.QueueName, "")
	if err != nil {
		return fmt.Errorf("create job queue: %w", err)
	}
	defer jobQueue.Close()

	// 5. Metrics
	meterProvider, reader := metrics.NewProvider()
	defer func() {
		if err := meterProvider.Shutdown(context.Background()); err != nil {
			slog.Warn("meter provider shutdown failed", "error", err)
		}
	}()
	m := metrics.NewMetrics(meterProvider)

	// 6. Create store and services
	pgStore := store.NewPostgresStore(pool)
	jobService := jobs.NewService(pgStore, redisCache, jobQueue, m, cfg.Jobs)
	predictionService := predictions.NewService(pgStore)

	// 7. Build router with dependencies
	deps := api.Dependencies{
		Auth:        mw.NewAuth(pgStore),
		RateLimit:   mw.NewRateLimit(redisCache, "api", cfg.RateLimit.PerMinute),
		SubmitLimit: mw.NewRateLimit(redisCache, "submit", cfg.RateLimit.SubmissionsPerMinute),

		HealthHandler: healthHandler(pgStore, redisCache, jobQueue),

		SubmitJob:  handler.NewSubmitJobHandler(jobService, cfg.Jobs.MaxUploadBytes),
		ListJobs:   handler.NewListJobsHandler(jobService),
		JobStatus:  handler.NewJobStatusHandler(jobService),
		JobStream:  handler.NewJobStreamHandler(jobService, handler.DefaultStreamInterval),
		CancelJob:  handler.NewCancelJobHandler(jobService),
		QueueStats: handler.NewQueueStatsHandler(jobQueue),
		Metrics: handler.NewMetricsHandler(func(ctx context.Context) (map[string]float64, error) {
			return metrics.Snapshot(ctx, reader)
		}),

		ListPredictions:       handler.NewListPredictionsHandler(predictionService),
		ListSystemPredictions: handler.NewListSystemPredictionsHandler(predictionService),
		DeletePrediction:      handler.NewDeletePredictionHandler(predictionService),
	}

	router := api.NewRouter(deps)

	// 8. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 60 * time.Second,
		// Job streams stay open until the job finishes, so no WriteTimeout.
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// pinger is anything whose connectivity the health check reports.
type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database, cache and broker connectivity.
func healthHandler(db, c, broker pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
			"broker":   "ok",
		}

		if err := db.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}
		if err := broker.Ping(r.Context()); err != nil {
			checks["broker"] = "degraded"
		}

		for _, status := range checks {
			if status != "ok" {
				response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
					"One or more services degraded", checks)
				return
			}
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
