package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/ingest"
	"github.com/kiranshivaraju/riskbatch/internal/metrics"
	"github.com/kiranshivaraju/riskbatch/internal/scoring"
	"github.com/kiranshivaraju/riskbatch/internal/store"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// RowResult is the outcome of one row. Exactly one of Prediction and Err is set.
// ScorerDown marks a row that failed only because the scorer could not be reached.
type RowResult struct {
	Prediction *models.Prediction
	Err        *models.RowError
	ScorerDown bool
}

// Outcome is "success" or the row error code.
func (r RowResult) Outcome() string {
	if r.Err != nil {
		return r.Err.Code
	}
	return "success"
}

// ProcessorConfig bounds the work done for one row.
type ProcessorConfig struct {
	RowTimeout time.Duration
	MaxRetries int
	// NewBackOff returns the delay policy between scoring attempts.
	NewBackOff func() backoff.BackOff
}

// Processor turns one input row into a stored prediction.
type Processor struct {
	repo    RecordRepository
	scorer  scoring.Scorer
	decoder *ingest.Decoder
	metrics *metrics.Metrics
	cfg     ProcessorConfig
}

// NewProcessor creates a Processor. A zero RowTimeout disables the per-row limit.
func NewProcessor(repo RecordRepository, scorer scoring.Scorer, m *metrics.Metrics, cfg ProcessorConfig) *Processor {
	if m == nil {
		m = metrics.Noop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 0
			return b
		}
	}
	return &Processor{repo: repo, scorer: scorer, decoder: ingest.NewDecoder(), metrics: m, cfg: cfg}
}

// ProcessRow runs the row pipeline: resolve the company, reject duplicates,
// validate the features, score, persist. Problems with the row itself come
// back in RowResult.Err. A returned error means the harness failed and the
// job cannot continue.
//
// Records are stamped with the job's access level and organization; nothing
// in the row can change them.
func (p *Processor) ProcessRow(ctx context.Context, job *models.Job, row models.InputRow) (RowResult, error) {
	key, rowErr := p.decoder.DecodeKey(job.Kind, row)
	if rowErr != nil {
		return RowResult{Err: rowErr}, nil
	}

	rowCtx := ctx
	if p.cfg.RowTimeout > 0 {
		var cancel context.CancelFunc
		rowCtx, cancel = context.WithTimeout(ctx, p.cfg.RowTimeout)
		defer cancel()
	}

	company, err := p.repo.ResolveCompany(rowCtx, &models.Company{
		Symbol:         key.Symbol,
		Name:           key.Name,
		Sector:         key.Sector,
		MarketCap:      key.MarketCap,
		AccessLevel:    job.AccessLevel,
		OrganizationID: job.OrganizationID,
		CreatedBy:      job.UserID,
	})
	if err != nil {
		return p.harnessOrTimeout(ctx, rowCtx, row, key, fmt.Errorf("resolving company: %w", err))
	}

	predKey := models.PredictionKey{
		CompanyID:        company.ID,
		ReportingYear:    key.Year,
		ReportingQuarter: key.Quarter,
		OrganizationID:   job.OrganizationID,
	}
	exists, err := p.repo.PredictionExists(rowCtx, predKey)
	if err != nil {
		return p.harnessOrTimeout(ctx, rowCtx, row, key, fmt.Errorf("checking duplicate: %w", err))
	}
	if exists {
		return RowResult{Err: duplicateError(row, key)}, nil
	}

	features, rowErr := p.decoder.DecodeFeatures(job.Kind, row)
	if rowErr != nil {
		return RowResult{Err: rowErr}, nil
	}

	result, err := p.score(rowCtx, job.Kind, features)
	if err != nil {
		if ctx.Err() != nil {
			return RowResult{}, ctx.Err()
		}
		if errors.Is(rowCtx.Err(), context.DeadlineExceeded) {
			return RowResult{Err: timeoutError(row, key)}, nil
		}
		return RowResult{
			Err: &models.RowError{
				Row:     row.Index,
				Symbol:  key.Symbol,
				Code:    models.RowErrScoringFailed,
				Message: err.Error(),
			},
			ScorerDown: scoring.Retryable(err),
		}, nil
	}

	pred := &models.Prediction{
		ID:                 uuid.New(),
		CompanyID:          company.ID,
		CompanySymbol:      company.Symbol,
		Kind:               job.Kind,
		ReportingYear:      key.Year,
		ReportingQuarter:   key.Quarter,
		Features:           features,
		DefaultProbability: result.Probability,
		RiskLevel:          models.RiskLevel(result.Probability),
		Confidence:         result.Confidence,
		ModelVersion:       result.ModelVersion,
		AccessLevel:        job.AccessLevel,
		OrganizationID:     job.OrganizationID,
		CreatedBy:          job.UserID,
		JobID:              &job.ID,
		CreatedAt:          time.Now().UTC(),
	}
	if pred.ModelVersion == "" {
		pred.ModelVersion = p.scorer.Name()
	}

	err = p.repo.CreatePrediction(rowCtx, pred)
	if errors.Is(err, store.ErrDuplicateKey) {
		return RowResult{Err: duplicateError(row, key)}, nil
	}
	if err != nil {
		return p.harnessOrTimeout(ctx, rowCtx, row, key, fmt.Errorf("storing prediction: %w", err))
	}
	return RowResult{Prediction: pred}, nil
}

// score calls the scorer, repeating transient failures up to MaxRetries times.
func (p *Processor) score(ctx context.Context, kind string, features map[string]float64) (scoring.Result, error) {
	var result scoring.Result
	attempts := 0
	op := func() error {
		attempts++
		res, err := p.scorer.Score(ctx, scoring.Request{Kind: kind, Features: features})
		if err != nil {
			if !scoring.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = res
		return nil
	}
	notify := func(_ error, _ time.Duration) {
		p.metrics.ScoringRetried(ctx, kind)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.cfg.NewBackOff(), uint64(p.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if attempts > 1 {
			return scoring.Result{}, fmt.Errorf("after %d attempts: %w", attempts, err)
		}
		return scoring.Result{}, err
	}
	return result, nil
}

// harnessOrTimeout classifies a store error: the row's own time limit makes it
// a row failure, anything else is fatal for the job.
func (p *Processor) harnessOrTimeout(ctx, rowCtx context.Context, row models.InputRow, key ingest.Key, err error) (RowResult, error) {
	if ctx.Err() == nil && errors.Is(rowCtx.Err(), context.DeadlineExceeded) {
		return RowResult{Err: timeoutError(row, key)}, nil
	}
	return RowResult{}, fmt.Errorf("row %d: %w", row.Index, err)
}

func duplicateError(row models.InputRow, key ingest.Key) *models.RowError {
	period := fmt.Sprintf("%d", key.Year)
	if key.Quarter != nil {
		period = fmt.Sprintf("%d Q%d", key.Year, *key.Quarter)
	}
	return &models.RowError{
		Row:     row.Index,
		Symbol:  key.Symbol,
		Code:    models.RowErrDuplicate,
		Message: fmt.Sprintf("prediction for %s %s already exists", key.Symbol, period),
	}
}

func timeoutError(row models.InputRow, key ingest.Key) *models.RowError {
	return &models.RowError{
		Row:     row.Index,
		Symbol:  key.Symbol,
		Code:    models.RowErrTimeout,
		Message: "row exceeded its time limit",
	}
}
