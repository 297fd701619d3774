package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/access"
	"github.com/kiranshivaraju/riskbatch/internal/api/response"
	"github.com/kiranshivaraju/riskbatch/internal/ingest"
	"github.com/kiranshivaraju/riskbatch/internal/jobs"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// JobService defines the job operations the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, actor models.Actor, p jobs.SubmitParams) (*jobs.SubmitResult, error)
	Status(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*jobs.StatusView, error)
	List(ctx context.Context, actor models.Actor, p jobs.ListParams) ([]*models.Job, int, error)
	Cancel(ctx context.Context, actor models.Actor, jobID uuid.UUID) (*models.Job, error)
}

// multipartMemory is how much of an upload is held in memory before spilling to disk.
const multipartMemory = 8 << 20

type submitResponse struct {
	JobID                uuid.UUID `json:"job_id"`
	TaskID               *string   `json:"task_id,omitempty"`
	Status               string    `json:"status"`
	Kind                 string    `json:"kind"`
	TotalRows            int       `json:"total_rows"`
	EstimatedTimeSeconds float64   `json:"estimated_time_seconds"`
}

// NewSubmitJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
// The multipart form carries file, kind and an optional access_level.
func NewSubmitJobHandler(svc JobService, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorOrReject(w, r)
		if !ok {
			return
		}

		if r.ContentLength > maxUploadBytes {
			writeTooLarge(w, maxUploadBytes)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeTooLarge(w, tooLarge.Limit)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form upload", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_FILE", "file is required", nil)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_FILE", "Could not read the uploaded file", nil)
			return
		}

		result, err := svc.Submit(r.Context(), actor, jobs.SubmitParams{
			Kind:        r.FormValue("kind"),
			FileName:    header.Filename,
			Data:        data,
			AccessLevel: models.AccessLevel(r.FormValue("access_level")),
		})
		if err != nil {
			writeSubmitError(w, err)
			return
		}

		job := result.Job
		response.Accepted(w, submitResponse{
			JobID:                job.ID,
			TaskID:               job.TaskID,
			Status:               job.Status,
			Kind:                 job.Kind,
			TotalRows:            job.TotalRows,
			EstimatedTimeSeconds: result.EstimatedTime.Seconds(),
		})
	}
}

func writeTooLarge(w http.ResponseWriter, limit int64) {
	response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
		"Upload exceeds the size limit", map[string]int64{"max_bytes": limit})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var (
		missing *ingest.MissingColumnsError
		tooMany *ingest.TooManyRowsError
	)
	switch {
	case errors.Is(err, ingest.ErrUnknownKind):
		response.Error(w, http.StatusBadRequest, "INVALID_KIND",
			"kind must be annual_predictions or quarterly_predictions", nil)
	case errors.As(err, &missing):
		response.Error(w, http.StatusBadRequest, "MISSING_COLUMNS",
			"File is missing required columns", map[string][]string{"missing_columns": missing.Columns})
	case errors.As(err, &tooMany):
		response.Error(w, http.StatusBadRequest, "TOO_MANY_ROWS",
			"File has too many data rows", map[string]int{"max_rows": tooMany.Max})
	case errors.Is(err, ingest.ErrEmptyFile):
		response.Error(w, http.StatusBadRequest, "EMPTY_FILE", "File contains no data rows", nil)
	case errors.Is(err, ingest.ErrUnrecognizedFormat):
		response.Error(w, http.StatusBadRequest, "INVALID_FILE", "File must be CSV or XLSX", nil)
	case errors.Is(err, access.ErrInvalidAccessLevel):
		response.Error(w, http.StatusBadRequest, "INVALID_ACCESS_LEVEL",
			"access_level must be personal, organization or system", nil)
	case errors.Is(err, access.ErrForbiddenAccessLevel):
		response.Error(w, http.StatusForbidden, "FORBIDDEN_ACCESS_LEVEL",
			"Requested access level is not permitted", nil)
	default:
		slog.Error("job submission failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

type statusResponse struct {
	JobID              uuid.UUID          `json:"job_id"`
	Kind               string             `json:"kind"`
	Status             string             `json:"status"`
	TotalRows          int                `json:"total_rows"`
	ProcessedRows      int                `json:"processed_rows"`
	SuccessfulRows     int                `json:"successful_rows"`
	FailedRows         int                `json:"failed_rows"`
	ProgressPercentage float64            `json:"progress_percentage"`
	ErrorMessage       *string            `json:"error_message,omitempty"`
	ErrorDetails       *[]models.RowError `json:"error_details,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	StartedAt          *time.Time         `json:"started_at,omitempty"`
	CompletedAt        *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// toStatusResponse renders error_details, possibly empty, only for finished jobs.
func toStatusResponse(v *jobs.StatusView) statusResponse {
	resp := statusResponse{
		JobID:              v.JobID,
		Kind:               v.Kind,
		Status:             v.Status,
		TotalRows:          v.TotalRows,
		ProcessedRows:      v.Counters.Processed,
		SuccessfulRows:     v.Counters.Successful,
		FailedRows:         v.Counters.Failed,
		ProgressPercentage: v.ProgressPercentage,
		ErrorMessage:       v.ErrorMessage,
		CreatedAt:          v.CreatedAt,
		StartedAt:          v.StartedAt,
		CompletedAt:        v.CompletedAt,
		UpdatedAt:          v.UpdatedAt,
	}
	if models.IsTerminalStatus(v.Status) {
		details := v.ErrorDetails
		if details == nil {
			details = []models.RowError{}
		}
		resp.ErrorDetails = &details
	}
	return resp
}

// NewJobStatusHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}/status.
func NewJobStatusHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorOrReject(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		view, err := svc.Status(r.Context(), actor, jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, toStatusResponse(view))
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorOrReject(w, r)
		if !ok {
			return
		}
		page, limit, ok := pagination(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		list, total, err := svc.List(r.Context(), actor, jobs.ListParams{
			Status: q.Get("status"),
			Kind:   q.Get("kind"),
			Page:   page,
			Limit:  limit,
		})
		if err != nil {
			writeJobError(w, err)
			return
		}
		if list == nil {
			list = []*models.Job{}
		}
		response.Collection(w, list, response.NewPaginationMeta(page, limit, total))
	}
}

// NewCancelJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/cancel.
func NewCancelJobHandler(svc JobService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, ok := actorOrReject(w, r)
		if !ok {
			return
		}
		jobID, ok := uuidParam(w, r, "jobID")
		if !ok {
			return
		}

		job, err := svc.Cancel(r.Context(), actor, jobID)
		if err != nil {
			writeJobError(w, err)
			return
		}
		response.JSON(w, job)
	}
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
	case errors.Is(err, jobs.ErrJobFinished):
		response.Error(w, http.StatusBadRequest, "JOB_ALREADY_FINISHED", "Job has already finished", nil)
	case errors.Is(err, jobs.ErrCancelForbidden):
		response.Error(w, http.StatusForbidden, "FORBIDDEN", "Not allowed to cancel this job", nil)
	case errors.Is(err, jobs.ErrInvalidJobStatus):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, ingest.ErrUnknownKind):
		response.Error(w, http.StatusBadRequest, "INVALID_KIND", err.Error(), nil)
	default:
		slog.Error("job request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}
