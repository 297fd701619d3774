package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
// Reads that return user-visible records take an access.Scope and never widen it.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	GetActor(ctx context.Context, userID uuid.UUID) (*models.Actor, error)

	// CreateJob inserts the job and its rows as pending, moves it to queued and
	// calls enqueue, all inside one transaction. An enqueue error rolls everything back.
	CreateJob(ctx context.Context, job *models.Job, rows []models.InputRow, enqueue func(ctx context.Context) error) error
	GetJob(ctx context.Context, id uuid.UUID, scope access.Scope) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	GetJobRows(ctx context.Context, jobID uuid.UUID) ([]models.InputRow, error)
	TransitionJob(ctx context.Context, id uuid.UUID, to string, opts ...JobUpdateOption) (*models.Job, error)
	// UpdateJobProgress raises the counters to at least the given values and
	// appends errs to the error log. It returns the job status after the update.
	// Completed and failed jobs are not written; their status is returned with
	// ErrInvalidTransition.
	UpdateJobProgress(ctx context.Context, id uuid.UUID, counters models.JobCounters, errs []models.RowError) (string, error)
	ListStaleJobs(ctx context.Context, processingBefore, queuedBefore time.Time) ([]*models.Job, error)

	ResolveCompany(ctx context.Context, company *models.Company) (*models.Company, error)
	PredictionExists(ctx context.Context, key models.PredictionKey) (bool, error)
	CreatePrediction(ctx context.Context, p *models.Prediction) error
	ListPredictions(ctx context.Context, filter PredictionFilter) ([]*models.Prediction, int, error)
	GetPrediction(ctx context.Context, id uuid.UUID, scope access.Scope) (*models.Prediction, error)
	DeletePrediction(ctx context.Context, id uuid.UUID) error
}

type JobFilter struct {
	Scope  access.Scope
	Status string
	Kind   string
	Page   int
	Limit  int
}

type PredictionFilter struct {
	Scope  access.Scope
	Kind   string
	Symbol string
	JobID  *uuid.UUID
	Page   int
	Limit  int
}

// JobUpdateParams collects the optional fields of a job transition.
type JobUpdateParams struct {
	ErrorMessage *string
}

type JobUpdateOption func(*JobUpdateParams)

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// ApplyJobUpdateOptions folds opts into a JobUpdateParams.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) JobUpdateParams {
	var p JobUpdateParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// Pagination defaults shared by list queries.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
	// MaxPage keeps (page-1)*limit within an int32 offset.
	MaxPage = math.MaxInt32 / MaxPageLimit
)

// Paginate clamps page and limit and returns the matching row offset.
func Paginate(page, limit int) (int, int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if page <= 0 {
		page = 1
	}
	if page > MaxPage {
		page = MaxPage
	}
	return page, limit, (page - 1) * limit
}
