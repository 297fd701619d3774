package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

const jobColumns = `id, user_id, organization_id, tenant_id, kind, status, access_level, file_name,
	total_rows, processed_rows, successful_rows, failed_rows, error_message, error_details, task_id,
	started_at, completed_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var (
		j     models.Job
		level string
	)
	err := row.Scan(&j.ID, &j.UserID, &j.OrganizationID, &j.TenantID, &j.Kind, &j.Status, &level, &j.FileName,
		&j.TotalRows, &j.Processed, &j.Successful, &j.Failed, &j.ErrorMessage, &j.ErrorDetails, &j.TaskID,
		&j.StartedAt, &j.CompletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.AccessLevel = models.AccessLevel(level)
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job, rows []models.InputRow, enqueue func(ctx context.Context) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, user_id, organization_id, tenant_id, kind, status, access_level, file_name,
		   total_rows, task_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.UserID, job.OrganizationID, job.TenantID, job.Kind, models.JobStatusPending,
		string(job.AccessLevel), job.FileName, job.TotalRows, job.TaskID, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"job_rows"},
		[]string{"job_id", "row_index", "data"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
			return []any{job.ID, rows[i].Index, rows[i].Values}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("store job rows: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1`, job.ID, models.JobStatusQueued)
	if err != nil {
		return fmt.Errorf("queue job: %w", err)
	}

	if enqueue != nil {
		if err := enqueue(ctx); err != nil {
			return fmt.Errorf("enqueue job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	job.Status = models.JobStatusQueued
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, scope access.Scope) (*models.Job, error) {
	clause, args := scope.Predicate(access.JobColumns, 2)
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND `+clause,
		append([]any{id}, args...)...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	clause, args := filter.Scope.Predicate(access.JobColumns, 1)
	conditions := []string{clause}
	argIdx := len(args) + 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM jobs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	_, limit, offset := Paginate(filter.Page, filter.Limit)
	dataQuery := fmt.Sprintf(
		`SELECT %s FROM jobs WHERE %s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) GetJobRows(ctx context.Context, jobID uuid.UUID) ([]models.InputRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT row_index, data FROM job_rows WHERE job_id = $1 ORDER BY row_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job rows: %w", err)
	}
	defer rows.Close()

	var out []models.InputRow
	for rows.Next() {
		var r models.InputRow
		if err := rows.Scan(&r.Index, &r.Values); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var validTransitions = map[string][]string{
	models.JobStatusPending:    {models.JobStatusQueued, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusQueued:     {models.JobStatusProcessing, models.JobStatusCancelled, models.JobStatusFailed},
	models.JobStatusProcessing: {models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
}

// sourcesFor lists the statuses from which to is reachable.
func sourcesFor(to string) []string {
	var from []string
	for src, targets := range validTransitions {
		if slices.Contains(targets, to) {
			from = append(from, src)
		}
	}
	slices.Sort(from)
	return from
}

// TransitionJob moves the job to status `to` if its current status allows it.
// The check and the write are one statement, so concurrent transitions cannot
// both succeed.
func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, to string, opts ...JobUpdateOption) (*models.Job, error) {
	params := ApplyJobUpdateOptions(opts...)

	from := sourcesFor(to)
	if len(from) == 0 {
		return nil, fmt.Errorf("%w: nothing transitions to %q", ErrInvalidTransition, to)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, to, now, from}
	argIdx := 5

	if to == models.JobStatusProcessing {
		query += fmt.Sprintf(", started_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if models.IsTerminalStatus(to) {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
	}

	query += " WHERE id = $1 AND status = ANY($4) RETURNING " + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transition job: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job status: %w", err)
	}
	return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id uuid.UUID, counters models.JobCounters, errs []models.RowError) (string, error) {
	if errs == nil {
		errs = []models.RowError{}
	}
	payload, err := json.Marshal(errs)
	if err != nil {
		return "", fmt.Errorf("encode row errors: %w", err)
	}

	var status string
	err = s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   processed_rows  = GREATEST(processed_rows, $2),
		   successful_rows = GREATEST(successful_rows, $3),
		   failed_rows     = GREATEST(failed_rows, $4),
		   error_details   = error_details || $5::jsonb,
		   updated_at      = NOW()
		 WHERE id = $1 AND status IN ('processing', 'cancelled')
		 RETURNING status`,
		id, counters.Processed, counters.Successful, counters.Failed, payload,
	).Scan(&status)
	if err == nil {
		return status, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("update job progress: %w", err)
	}

	err = s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get job status: %w", err)
	}
	return status, fmt.Errorf("%w: progress on %s job", ErrInvalidTransition, status)
}

// ListStaleJobs returns jobs processing since before processingBefore and jobs
// still waiting to start since before queuedBefore.
func (s *PostgresStore) ListStaleJobs(ctx context.Context, processingBefore, queuedBefore time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE (status = 'processing' AND started_at < $1)
		    OR (status IN ('pending', 'queued') AND created_at < $2)
		 ORDER BY created_at`, processingBefore, queuedBefore)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
