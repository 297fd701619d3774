package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/internal/config"
	"github.com/kiranshivaraju/riskbatch/internal/ingest"
	"github.com/kiranshivaraju/riskbatch/internal/metrics"
	"github.com/kiranshivaraju/riskbatch/internal/queue"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// SubmitParams is a validated upload.
type SubmitParams struct {
	Kind        string
	FileName    string
	Data        []byte
	AccessLevel models.AccessLevel
}

// SubmitResult is returned to the submitter as soon as the job is queued.
type SubmitResult struct {
	Job           *models.Job
	EstimatedTime time.Duration
}

// StatusView is what a polling client sees. ErrorDetails is only filled once
// the job is terminal.
type StatusView struct {
	JobID              uuid.UUID
	Kind               string
	Status             string
	TotalRows          int
	Counters           models.JobCounters
	ProgressPercentage float64
	ErrorMessage       *string
	ErrorDetails       []models.RowError
	CreatedAt          time.Time
	StartedAt          *time.Time
	CompletedAt        *time.Time
	UpdatedAt          time.Time
}

// ListParams filters a job listing.
type ListParams struct {
	Status string
	Kind   string
	Page   int
	Limit  int
}

// Service is the submission gateway and status API of bulk jobs.
type Service struct {
	repo    JobRepository
	cache   ProgressCache
	queue   Enqueuer
	metrics *metrics.Metrics
	cfg     config.JobsConfig
}

// NewService creates a new Service.
func NewService(repo JobRepository, ca ProgressCache, q Enqueuer, m *metrics.Metrics, cfg config.JobsConfig) *Service {
	if m == nil {
		m = metrics.Noop()
	}
	return &Service{repo: repo, cache: ca, queue: q, metrics: m, cfg: cfg}
}

// Submit validates the upload, creates the job with its rows and enqueues it.
// File-level problems are returned as ingest errors and leave nothing behind.
func (s *Service) Submit(ctx context.Context, actor models.Actor, p SubmitParams) (*SubmitResult, error) {
	if !models.ValidJobKind(p.Kind) {
		return nil, fmt.Errorf("%w: %q", ingest.ErrUnknownKind, p.Kind)
	}

	level, org, err := access.WriteStamp(actor, p.AccessLevel)
	if err != nil {
		return nil, err
	}

	rows, err := ingest.Parse(p.Data, p.FileName, p.Kind, s.cfg.MaxRows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	taskID := uuid.NewString()
	job := &models.Job{
		ID:             uuid.New(),
		UserID:         actor.UserID,
		OrganizationID: org,
		Kind:           p.Kind,
		Status:         models.JobStatusPending,
		AccessLevel:    level,
		FileName:       p.FileName,
		TotalRows:      len(rows),
		TaskID:         &taskID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if org != nil {
		job.TenantID = actor.TenantID
	}

	msg := queue.Message{JobID: job.ID, Kind: job.Kind, TaskID: taskID, EnqueuedAt: now}
	err = s.repo.CreateJob(ctx, job, rows, func(ctx context.Context) error {
		return s.queue.Enqueue(ctx, msg)
	})
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}

	if err := s.cache.SetJobProgress(ctx, progressOf(job, job.Status, models.JobCounters{})); err != nil {
		slog.Warn("caching job progress failed", "job_id", job.ID, "error", err)
	}
	s.metrics.JobSubmitted(ctx, job.Kind, job.TotalRows)

	slog.Info("job submitted",
		"job_id", job.ID,
		"user_id", actor.UserID,
		"kind", job.Kind,
		"rows", job.TotalRows,
		"access_level", job.AccessLevel,
	)

	return &SubmitResult{
		Job:           job,
		EstimatedTime: time.Duration(float64(job.TotalRows) * s.cfg.SecondsPerRowEstimate * float64(time.Second)),
	}, nil
}

// Status returns the current state of a job visible to the actor. Running jobs
// are served from the progress cache when possible.
func (s *Service) Status(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*StatusView, error) {
	scope := access.JobScope(actor)

	p, found, err := s.cache.GetJobProgress(ctx, jobID)
	if err != nil {
		slog.Warn("reading job progress from cache failed", "job_id", jobID, "error", err)
	}
	if found && !models.IsTerminalStatus(p.Status) &&
		scope.Matches(access.Ref{OrganizationID: p.OrganizationID, TenantID: p.TenantID, CreatedBy: p.UserID}) {
		return &StatusView{
			JobID:              p.JobID,
			Kind:               p.Kind,
			Status:             p.Status,
			TotalRows:          p.TotalRows,
			Counters:           p.JobCounters,
			ProgressPercentage: models.ProgressPercentage(p.Status, p.Processed, p.TotalRows),
			CreatedAt:          p.CreatedAt,
			StartedAt:          p.StartedAt,
			UpdatedAt:          p.UpdatedAt,
		}, nil
	}

	job, err := s.repo.GetJob(ctx, jobID, scope)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return viewOf(job), nil
}

func viewOf(j *models.Job) *StatusView {
	v := &StatusView{
		JobID:              j.ID,
		Kind:               j.Kind,
		Status:             j.Status,
		TotalRows:          j.TotalRows,
		Counters:           j.JobCounters,
		ProgressPercentage: models.ProgressPercentage(j.Status, j.Processed, j.TotalRows),
		ErrorMessage:       j.ErrorMessage,
		CreatedAt:          j.CreatedAt,
		StartedAt:          j.StartedAt,
		CompletedAt:        j.CompletedAt,
		UpdatedAt:          j.UpdatedAt,
	}
	if models.IsTerminalStatus(j.Status) {
		v.ErrorDetails = j.ErrorDetails
		if v.ErrorDetails == nil {
			v.ErrorDetails = []models.RowError{}
		}
	}
	return v
}

var listableStatuses = map[string]bool{
	"":                         true,
	models.JobStatusPending:    true,
	models.JobStatusQueued:     true,
	models.JobStatusProcessing: true,
	models.JobStatusCompleted:  true,
	models.JobStatusFailed:     true,
	models.JobStatusCancelled:  true,
}

// List returns the jobs visible to the actor, newest first, with the total count.
func (s *Service) List(ctx context.Context, actor models.Actor, p ListParams) ([]*models.Job, int, error) {
	if !listableStatuses[p.Status] {
		return nil, 0, fmt.Errorf("%w: %q", ErrInvalidJobStatus, p.Status)
	}
	if p.Kind != "" && !models.ValidJobKind(p.Kind) {
		return nil, 0, fmt.Errorf("%w: %q", ingest.ErrUnknownKind, p.Kind)
	}
	return s.repo.ListJobs(ctx, store.JobFilter{
		Scope:  access.JobScope(actor),
		Status: p.Status,
		Kind:   p.Kind,
		Page:   p.Page,
		Limit:  p.Limit,
	})
}

// Cancel moves a job that has not finished to cancelled and raises the cancel
// flag the worker checks between rows. Rows already processed stay processed.
func (s *Service) Cancel(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*models.Job, error) {
	job, err := s.repo.GetJob(ctx, jobID, access.JobScope(actor))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if !access.CanCancel(actor, ref(job)) {
		return nil, ErrCancelForbidden
	}
	if models.IsTerminalStatus(job.Status) {
		return nil, ErrJobFinished
	}

	updated, err := s.repo.TransitionJob(ctx, jobID, models.JobStatusCancelled)
	if errors.Is(err, store.ErrInvalidTransition) {
		return nil, ErrJobFinished
	}
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}

	if err := s.cache.SetCancelRequested(ctx, jobID); err != nil {
		slog.Warn("setting cancel flag failed", "job_id", jobID, "error", err)
	}
	if err := s.cache.DeleteJobProgress(ctx, jobID); err != nil {
		slog.Warn("clearing job progress failed", "job_id", jobID, "error", err)
	}

	slog.Info("job cancelled", "job_id", jobID, "user_id", actor.UserID, "processed", updated.Processed)
	return updated, nil
}
