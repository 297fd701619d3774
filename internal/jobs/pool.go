package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/internal/metrics"
	"github.com/kiranshivaraju/riskbatch/internal/queue"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// finalizeTimeout bounds the writes that close out a job after its own
// context has ended.
const finalizeTimeout = 10 * time.Second

// PoolConfig configures the worker pool. Zero values take defaults.
type PoolConfig struct {
	// Name prefixes each slot's consumer and lock owner name. It must be
	// stable across restarts so a slot can recover its in-flight message.
	Name                  string
	DequeueTimeout        time.Duration
	HardTimeout           time.Duration
	LockTTL               time.Duration
	ProgressBatchSize     int
	MaxErrorRecords       int
	MaxConsecutiveOutages int
	MaxDeliveryAttempts   int
	RedeliveryDelay       time.Duration
}

func (c *PoolConfig) setDefaults() {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = 2 * time.Second
	}
	if c.HardTimeout <= 0 {
		c.HardTimeout = 30 * time.Minute
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Minute
	}
	if c.ProgressBatchSize <= 0 {
		c.ProgressBatchSize = 5
	}
	if c.MaxDeliveryAttempts <= 0 {
		c.MaxDeliveryAttempts = 5
	}
	if c.RedeliveryDelay <= 0 {
		c.RedeliveryDelay = 200 * time.Millisecond
	}
}

// Pool runs one job at a time per consumer slot.
type Pool struct {
	repo      JobRepository
	cache     ProgressCache
	locks     Locker
	processor *Processor
	consumers []Consumer
	metrics   *metrics.Metrics
	cfg       PoolConfig
}

// NewPool creates a pool with one slot per consumer.
func NewPool(repo JobRepository, ca ProgressCache, locks Locker, processor *Processor, consumers []Consumer, m *metrics.Metrics, cfg PoolConfig) *Pool {
	cfg.setDefaults()
	if m == nil {
		m = metrics.Noop()
	}
	return &Pool{
		repo:      repo,
		cache:     ca,
		locks:     locks,
		processor: processor,
		consumers: consumers,
		metrics:   m,
		cfg:       cfg,
	}
}

// SlotName is the consumer and lock owner name of slot i in the pool called name.
func SlotName(name string, i int) string {
	if name == "" {
		name = "worker"
	}
	return fmt.Sprintf("%s-%d", name, i)
}

// SlotName is the consumer and lock owner name of slot i.
func (p *Pool) SlotName(i int) string {
	return SlotName(p.cfg.Name, i)
}

// Run blocks until ctx is cancelled and every slot has stopped.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range p.consumers {
		slot := p.SlotName(i)
		g.Go(func() error {
			p.loop(gctx, slot, c)
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) loop(ctx context.Context, slot string, c Consumer) {
	if n, err := c.Recover(ctx); err != nil {
		slog.Error("recovering in-flight messages failed", "worker", slot, "error", err)
	} else if n > 0 {
		slog.Info("recovered in-flight messages", "worker", slot, "count", n)
	}

	slog.Info("worker started", "worker", slot)
	for ctx.Err() == nil {
		d, err := c.Dequeue(ctx, p.cfg.DequeueTimeout)
		if errors.Is(err, queue.ErrNoMessage) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			slog.Error("dequeue failed", "worker", slot, "error", err)
			sleep(ctx, time.Second)
			continue
		}
		p.handle(ctx, slot, c, d)
	}
	slog.Info("worker stopped", "worker", slot)
}

// handle decides what to do with one delivery and always settles it: acked,
// requeued, or left for Recover when the worker is shutting down.
func (p *Pool) handle(ctx context.Context, slot string, c Consumer, d *queue.Delivery) {
	log := slog.With("job_id", d.JobID, "worker", slot)

	job, err := p.repo.GetJob(ctx, d.JobID, access.Global())
	if errors.Is(err, store.ErrNotFound) {
		p.redeliver(ctx, c, d, log, "job not visible yet")
		return
	}
	if err != nil {
		p.redeliver(ctx, c, d, log, err.Error())
		return
	}
	if models.IsTerminalStatus(job.Status) {
		log.Info("dropping message for finished job", "status", job.Status)
		p.ack(ctx, c, d, log)
		return
	}

	acquired, err := p.locks.AcquireLock(ctx, job.ID, slot, p.cfg.LockTTL)
	if err != nil {
		p.redeliver(ctx, c, d, log, fmt.Sprintf("acquiring job lock: %v", err))
		return
	}
	if !acquired {
		log.Warn("job is locked by another worker, dropping duplicate message")
		p.ack(ctx, c, d, log)
		return
	}
	defer func() {
		if err := p.locks.ReleaseLock(context.WithoutCancel(ctx), job.ID, slot); err != nil {
			log.Warn("releasing job lock failed", "error", err)
		}
	}()

	switch job.Status {
	case models.JobStatusQueued:
		p.run(ctx, slot, job, d)
	case models.JobStatusProcessing:
		// The lock was free, so whoever started this job is gone.
		p.fail(ctx, job, ErrWorkerRestarted, log)
	default:
		p.redeliver(ctx, c, d, log, "job status is "+job.Status)
		return
	}
	p.ack(ctx, c, d, log)
}

func (p *Pool) redeliver(ctx context.Context, c Consumer, d *queue.Delivery, log *slog.Logger, reason string) {
	attempt := d.Attempt + 1
	if attempt >= p.cfg.MaxDeliveryAttempts {
		log.Error("giving up on message", "attempts", attempt, "reason", reason)
		p.ack(ctx, c, d, log)
		return
	}
	log.Warn("requeueing message", "attempt", attempt, "reason", reason)
	sleep(ctx, time.Duration(attempt)*p.cfg.RedeliveryDelay)
	if err := c.Requeue(ctx, d); err != nil {
		log.Error("requeue failed", "error", err)
	}
}

func (p *Pool) ack(ctx context.Context, c Consumer, d *queue.Delivery, log *slog.Logger) {
	if err := c.Ack(context.WithoutCancel(ctx), d); err != nil {
		log.Error("ack failed", "error", err)
	}
}

// run processes a queued job to a terminal status. The caller holds the lock.
func (p *Pool) run(ctx context.Context, slot string, job *models.Job, d *queue.Delivery) {
	log := slog.With("job_id", job.ID, "worker", slot, "kind", job.Kind)
	begin := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, p.cfg.HardTimeout)
	defer cancel()

	stopRefresh := p.keepLock(jobCtx, slot, job, log)
	defer stopRefresh()

	started, err := p.repo.TransitionJob(jobCtx, job.ID, models.JobStatusProcessing)
	if errors.Is(err, store.ErrInvalidTransition) {
		log.Info("job left the queue before it started")
		return
	}
	if err != nil {
		p.fail(ctx, job, fmt.Errorf("starting job: %w", err), log)
		return
	}
	if !d.EnqueuedAt.IsZero() {
		p.metrics.QueueWait(ctx, started.Kind, begin.Sub(d.EnqueuedAt))
	}
	log.Info("job started", "rows", started.TotalRows)

	rep := NewReporter(p.repo, p.cache, started, p.cfg.ProgressBatchSize, p.cfg.MaxErrorRecords)
	rep.Publish(jobCtx, models.JobStatusProcessing)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in job", "error", r, "stack", string(debug.Stack()))
			p.finish(ctx, jobCtx, started, rep, fmt.Errorf("panic: %v", r), begin, log)
		}
	}()

	var fatal error
	rows, err := p.repo.GetJobRows(jobCtx, job.ID)
	if err != nil {
		fatal = fmt.Errorf("loading rows: %w", err)
	} else {
		fatal = p.processRows(jobCtx, started, rows, rep, log)
	}
	p.finish(ctx, jobCtx, started, rep, fatal, begin, log)
}

// processRows runs the rows in file order until they are exhausted, the job is
// cancelled, or a fatal error occurs.
func (p *Pool) processRows(ctx context.Context, job *models.Job, rows []models.InputRow, rep *Reporter, log *slog.Logger) error {
	outages := 0
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		cancelled, err := p.cache.CancelRequested(ctx, job.ID)
		if err != nil {
			log.Warn("reading cancel flag failed", "error", err)
		} else if cancelled {
			log.Info("cancel requested", "processed", rep.Counters().Processed)
			return nil
		}

		res, err := p.processor.ProcessRow(ctx, job, row)
		if err != nil {
			return err
		}
		p.metrics.RowProcessed(ctx, job.Kind, res.Outcome())

		status, err := rep.Record(ctx, res)
		if err != nil {
			return err
		}
		if status != models.JobStatusProcessing {
			log.Info("job stopped externally", "status", status)
			return nil
		}

		if res.ScorerDown {
			outages++
		} else {
			outages = 0
		}
		if p.cfg.MaxConsecutiveOutages > 0 && outages >= p.cfg.MaxConsecutiveOutages {
			return fmt.Errorf("%w: %d consecutive rows could not be scored", ErrScoringOutage, outages)
		}
	}
	return nil
}

// finish flushes the last counters and moves the job to its terminal status.
// Counters are never reset, whatever the outcome.
func (p *Pool) finish(ctx, jobCtx context.Context, job *models.Job, rep *Reporter, fatal error, begin time.Time, log *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	if fatal != nil {
		switch {
		case ctx.Err() != nil:
			fatal = ErrWorkerShutdown
		case errors.Is(jobCtx.Err(), context.DeadlineExceeded):
			fatal = fmt.Errorf("%w (%s)", ErrHardTimeLimit, p.cfg.HardTimeout)
		}
	}

	status, err := rep.Flush(fctx)
	if err != nil && fatal == nil {
		fatal = err
	}

	final := status
	switch {
	case fatal != nil:
		failed, err := p.repo.TransitionJob(fctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(fatal.Error()))
		if err != nil {
			log.Error("failing job failed", "error", err, "cause", fatal)
			return
		}
		final = failed.Status
		log.Error("job failed", "error", fatal)
	case status == models.JobStatusProcessing:
		done, err := p.repo.TransitionJob(fctx, job.ID, models.JobStatusCompleted)
		if err != nil {
			log.Error("completing job failed", "error", err)
			return
		}
		final = done.Status
	}

	if final == models.JobStatusCompleted || final == models.JobStatusFailed || final == models.JobStatusCancelled {
		rep.Publish(fctx, final)
	}
	p.metrics.JobFinished(fctx, job.Kind, final, time.Since(begin))

	c := rep.Counters()
	log.Info("job finished",
		"status", final,
		"processed", c.Processed,
		"successful", c.Successful,
		"failed", c.Failed,
		"duration_ms", time.Since(begin).Milliseconds(),
	)
}

// fail moves a job that never got to run its rows to failed.
func (p *Pool) fail(ctx context.Context, job *models.Job, cause error, log *slog.Logger) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	failed, err := p.repo.TransitionJob(fctx, job.ID, models.JobStatusFailed, store.WithErrorMessage(cause.Error()))
	if err != nil {
		log.Error("failing job failed", "error", err, "cause", cause)
		return
	}
	if err := p.cache.SetJobProgress(fctx, progressOf(failed, failed.Status, failed.JobCounters)); err != nil {
		log.Warn("caching job progress failed", "error", err)
	}
	p.metrics.JobFinished(fctx, failed.Kind, failed.Status, 0)
	log.Error("job failed", "error", cause)
}

// keepLock refreshes the job lock until the returned func is called.
func (p *Pool) keepLock(ctx context.Context, slot string, job *models.Job, log *slog.Logger) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(p.cfg.LockTTL / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-t.C:
				ok, err := p.locks.RefreshLock(ctx, job.ID, slot, p.cfg.LockTTL)
				if err != nil || !ok {
					log.Warn("refreshing job lock failed", "held", ok, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
