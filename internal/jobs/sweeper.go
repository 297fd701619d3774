package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kiranshivaraju/riskbatch/internal/metrics"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// SweeperConfig sets when a job counts as abandoned.
type SweeperConfig struct {
	HardTimeout time.Duration
	// Grace is added to HardTimeout before a processing job is failed, so the
	// worker gets to fail it first.
	Grace time.Duration
	// OrphanAfter is how long a processing job may go without a lock holder.
	OrphanAfter time.Duration
	// QueuedMaxAge is how long a job may wait for a worker.
	QueuedMaxAge time.Duration
}

// Sweeper periodically fails jobs that no worker will finish: processing past
// the hard time limit, processing with no lock holder, or never picked up.
type Sweeper struct {
	repo    JobRepository
	cache   ProgressCache
	locks   Locker
	metrics *metrics.Metrics
	cfg     SweeperConfig
	cron    *cron.Cron
	now     func() time.Time
}

// NewSweeper creates a new Sweeper.
func NewSweeper(repo JobRepository, ca ProgressCache, locks Locker, m *metrics.Metrics, cfg SweeperConfig) *Sweeper {
	if cfg.HardTimeout <= 0 {
		cfg.HardTimeout = 30 * time.Minute
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Minute
	}
	if cfg.OrphanAfter <= 0 {
		cfg.OrphanAfter = 2 * time.Minute
	}
	if cfg.QueuedMaxAge <= 0 {
		cfg.QueuedMaxAge = 24 * time.Hour
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Sweeper{
		repo:    repo,
		cache:   ca,
		locks:   locks,
		metrics: m,
		cfg:     cfg,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start runs Sweep on the given cron schedule.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = "@every 1m"
	}
	_, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("job sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("scheduling sweeper: %w", err)
	}
	s.cron.Start()
	slog.Info("job sweeper started", "schedule", schedule)
	return nil
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
	slog.Info("job sweeper stopped")
}

// Sweep fails abandoned jobs once and returns how many it failed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.repo.ListStaleJobs(ctx, now.Add(-s.cfg.OrphanAfter), now.Add(-s.cfg.QueuedMaxAge))
	if err != nil {
		return 0, fmt.Errorf("listing stale jobs: %w", err)
	}

	swept := 0
	for _, job := range stale {
		reason, err := s.staleReason(ctx, job, now)
		if err != nil {
			slog.Warn("checking stale job failed", "job_id", job.ID, "error", err)
			continue
		}
		if reason == "" {
			continue
		}

		failed, err := s.repo.TransitionJob(ctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(reason))
		if errors.Is(err, store.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			slog.Error("failing stale job failed", "job_id", job.ID, "error", err)
			continue
		}
		if err := s.cache.SetJobProgress(ctx, progressOf(failed, failed.Status, failed.JobCounters)); err != nil {
			slog.Warn("caching job progress failed", "job_id", job.ID, "error", err)
		}
		s.metrics.JobFinished(ctx, failed.Kind, failed.Status, 0)
		slog.Warn("stale job failed", "job_id", job.ID, "previous_status", job.Status, "reason", reason)
		swept++
	}
	return swept, nil
}

// staleReason returns why a stale job should be failed, or "" to leave it alone.
func (s *Sweeper) staleReason(ctx context.Context, job *models.Job, now time.Time) (string, error) {
	if job.Status != models.JobStatusProcessing {
		return ErrNeverStarted.Error(), nil
	}
	if job.StartedAt != nil && now.Sub(*job.StartedAt) > s.cfg.HardTimeout+s.cfg.Grace {
		return fmt.Sprintf("%s (%s)", ErrHardTimeLimit, s.cfg.HardTimeout), nil
	}
	_, held, err := s.locks.LockHolder(ctx, job.ID)
	if err != nil {
		return "", err
	}
	if !held {
		return ErrWorkerRestarted.Error(), nil
	}
	return "", nil
}
