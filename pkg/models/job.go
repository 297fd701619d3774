package models

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending    = "pending"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// IsTerminalStatus reports whether no further state transitions are allowed from status.
func IsTerminalStatus(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

const (
	JobKindAnnual    = "annual_predictions"
	JobKindQuarterly = "quarterly_predictions"
)

// ValidJobKind reports whether kind is one of the supported bulk job kinds.
func ValidJobKind(kind string) bool {
	return kind == JobKindAnnual || kind == JobKindQuarterly
}

// Row error codes recorded in a job's error log.
const (
	RowErrValidation    = "validation"
	RowErrDuplicate     = "duplicate"
	RowErrScoringFailed = "scoring_failed"
	RowErrTimeout       = "timeout"
)

// RowError describes why a single input row failed. Row is 1-based over data rows.
type RowError struct {
	Row     int    `json:"row"`
	Symbol  string `json:"symbol,omitempty"`
	Field   string `json:"field,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *RowError) Error() string {
	if e.Field != "" {
		return "row " + strconv.Itoa(e.Row) + ": " + e.Field + ": " + e.Message
	}
	return "row " + strconv.Itoa(e.Row) + ": " + e.Message
}

// InputRow is one normalized data row of an uploaded file.
type InputRow struct {
	Index  int               `json:"index"`
	Values map[string]string `json:"values"`
}

// JobCounters are the per-row outcome tallies of a job.
// Invariant: Processed == Successful + Failed.
type JobCounters struct {
	Processed  int `json:"processed_rows"`
	Successful int `json:"successful_rows"`
	Failed     int `json:"failed_rows"`
}

// Job tracks one bulk submission. The API returns the job id on POST /api/v1/jobs;
// the client polls GET /api/v1/jobs/{id}/status until the status is terminal.
type Job struct {
	ID             uuid.UUID   `db:"id"              json:"id"`
	UserID         uuid.UUID   `db:"user_id"         json:"user_id"`
	OrganizationID *uuid.UUID  `db:"organization_id" json:"organization_id,omitempty"`
	TenantID       *uuid.UUID  `db:"tenant_id"       json:"tenant_id,omitempty"`
	Kind           string      `db:"kind"            json:"kind"`
	Status         string      `db:"status"          json:"status"`
	AccessLevel    AccessLevel `db:"access_level"    json:"access_level"`
	FileName       string      `db:"file_name"       json:"file_name"`
	TotalRows      int         `db:"total_rows"      json:"total_rows"`
	JobCounters
	ErrorMessage *string    `db:"error_message"   json:"error_message,omitempty"`
	ErrorDetails []RowError `db:"error_details"   json:"error_details,omitempty"`
	TaskID       *string    `db:"task_id"         json:"task_id,omitempty"`
	StartedAt    *time.Time `db:"started_at"      json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"    json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"      json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"      json:"updated_at"`
}

// JobProgress is the transient snapshot mirrored into the cache for fast polling.
type JobProgress struct {
	JobID          uuid.UUID  `json:"job_id"`
	UserID         uuid.UUID  `json:"user_id"`
	OrganizationID *uuid.UUID `json:"organization_id,omitempty"`
	TenantID       *uuid.UUID `json:"tenant_id,omitempty"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	TotalRows      int        `json:"total_rows"`
	JobCounters
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ProgressPercentage returns processed/total as a percentage rounded to two decimals.
func ProgressPercentage(status string, processed, total int) float64 {
	if total <= 0 {
		if status == JobStatusCompleted {
			return 100
		}
		return 0
	}
	pct := float64(processed) * 100 / float64(total)
	return float64(int64(pct*100+0.5)) / 100
}
