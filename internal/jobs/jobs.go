// Package jobs runs bulk prediction jobs: submission, the worker pool that
// processes rows one by one, progress reporting, cancellation, and the sweeper
// that enforces time limits on jobs whose worker went away.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/internal/queue"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobFinished      = errors.New("job already finished")
	ErrCancelForbidden  = errors.New("not allowed to cancel this job")
	ErrScoringOutage    = errors.New("scoring service unavailable")
	ErrHardTimeLimit    = errors.New("job exceeded its time limit")
	ErrWorkerRestarted  = errors.New("job interrupted: worker stopped while processing")
	ErrWorkerShutdown   = errors.New("job interrupted: worker shutting down")
	ErrNeverStarted     = errors.New("job was not picked up by any worker")
	ErrInvalidJobStatus = errors.New("invalid job status filter")
)

// JobRepository is the job half of the store used by this package.
type JobRepository interface {
	CreateJob(ctx context.Context, job *models.Job, rows []models.InputRow, enqueue func(ctx context.Context) error) error
	GetJob(ctx context.Context, id uuid.UUID, scope access.Scope) (*models.Job, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.Job, int, error)
	GetJobRows(ctx context.Context, jobID uuid.UUID) ([]models.InputRow, error)
	TransitionJob(ctx context.Context, id uuid.UUID, to string, opts ...store.JobUpdateOption) (*models.Job, error)
	UpdateJobProgress(ctx context.Context, id uuid.UUID, counters models.JobCounters, errs []models.RowError) (string, error)
	ListStaleJobs(ctx context.Context, processingBefore, queuedBefore time.Time) ([]*models.Job, error)
}

// RecordRepository persists what a row produces.
type RecordRepository interface {
	ResolveCompany(ctx context.Context, company *models.Company) (*models.Company, error)
	PredictionExists(ctx context.Context, key models.PredictionKey) (bool, error)
	CreatePrediction(ctx context.Context, p *models.Prediction) error
}

// ProgressCache mirrors job progress and carries the cancel flag.
type ProgressCache interface {
	SetJobProgress(ctx context.Context, p models.JobProgress) error
	GetJobProgress(ctx context.Context, jobID uuid.UUID) (*models.JobProgress, bool, error)
	DeleteJobProgress(ctx context.Context, jobID uuid.UUID) error
	SetCancelRequested(ctx context.Context, jobID uuid.UUID) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
}

// Locker guards a job so that only one worker runs it.
type Locker interface {
	AcquireLock(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobID uuid.UUID, owner string) error
	LockHolder(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

// Enqueuer hands a job message to the broker.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg queue.Message) error
}

// Consumer is one worker slot's view of the broker.
type Consumer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
	Requeue(ctx context.Context, d *queue.Delivery) error
	Recover(ctx context.Context) (int, error)
}

// ref is the ownership view of a job used by the access rules.
func ref(j *models.Job) access.Ref {
	return access.Ref{OrganizationID: j.OrganizationID, TenantID: j.TenantID, CreatedBy: j.UserID}
}

// progressOf builds the cache snapshot of a job with the given status and counters.
func progressOf(j *models.Job, status string, c models.JobCounters) models.JobProgress {
	return models.JobProgress{
		JobID:          j.ID,
		UserID:         j.UserID,
		OrganizationID: j.OrganizationID,
		TenantID:       j.TenantID,
		Kind:           j.Kind,
		Status:         status,
		TotalRows:      j.TotalRows,
		JobCounters:    c,
		CreatedAt:      j.CreatedAt,
		StartedAt:      j.StartedAt,
		UpdatedAt:      time.Now().UTC(),
	}
}
