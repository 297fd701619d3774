package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// ProgressWriter is the store side of progress reporting.
type ProgressWriter interface {
	UpdateJobProgress(ctx context.Context, id uuid.UUID, counters models.JobCounters, errs []models.RowError) (string, error)
}

// Reporter accumulates row outcomes for one job and writes them out in
// batches. It is owned by the single worker running the job and is not safe
// for concurrent use.
//
// Counters are written as absolute totals that the store only ever raises,
// and the cache mirror refuses to move backwards, so a poller never sees a
// count go down.
type Reporter struct {
	repo      ProgressWriter
	cache     ProgressCache
	job       *models.Job
	batchSize int
	maxErrors int

	counters   models.JobCounters
	pending    []models.RowError
	kept       int
	sinceFlush int
	status     string
}

// NewReporter creates a Reporter for a job that has just started processing.
func NewReporter(repo ProgressWriter, ca ProgressCache, job *models.Job, batchSize, maxErrors int) *Reporter {
	if batchSize < 1 {
		batchSize = 1
	}
	if maxErrors < 0 {
		maxErrors = 0
	}
	return &Reporter{
		repo:      repo,
		cache:     ca,
		job:       job,
		batchSize: batchSize,
		maxErrors: maxErrors,
		counters:  job.JobCounters,
		kept:      len(job.ErrorDetails),
		status:    models.JobStatusProcessing,
	}
}

// Record counts one row and flushes when the batch is full. It returns the job
// status last seen in the store, which changes when the job is cancelled or
// failed by someone else.
func (r *Reporter) Record(ctx context.Context, res RowResult) (string, error) {
	r.counters.Processed++
	if res.Err != nil {
		r.counters.Failed++
		if r.kept < r.maxErrors {
			r.pending = append(r.pending, *res.Err)
			r.kept++
		}
	} else {
		r.counters.Successful++
	}

	r.sinceFlush++
	if r.sinceFlush < r.batchSize {
		return r.status, nil
	}
	return r.Flush(ctx)
}

// Flush writes the current totals and pending error records.
func (r *Reporter) Flush(ctx context.Context) (string, error) {
	status, err := r.repo.UpdateJobProgress(ctx, r.job.ID, r.counters, r.pending)
	if errors.Is(err, store.ErrInvalidTransition) && status != "" {
		// Completed or failed elsewhere; nothing more will be written.
		r.status = status
		return status, nil
	}
	if err != nil {
		return r.status, fmt.Errorf("updating job progress: %w", err)
	}
	r.pending = nil
	r.sinceFlush = 0
	r.status = status

	r.Publish(ctx, status)
	return status, nil
}

// Publish mirrors the counters into the cache under the given status.
func (r *Reporter) Publish(ctx context.Context, status string) {
	if err := r.cache.SetJobProgress(ctx, progressOf(r.job, status, r.counters)); err != nil {
		slog.Warn("caching job progress failed", "job_id", r.job.ID, "error", err)
	}
}

// Counters returns the totals recorded so far.
func (r *Reporter) Counters() models.JobCounters {
	return r.counters
}

// Status is the job status returned by the last flush.
func (r *Reporter) Status() string {
	return r.status
}
