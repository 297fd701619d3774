package jobs

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processingJob(total int) *models.Job {
	return &models.Job{
		ID:          uuid.New(),
		UserID:      uuid.New(),
		Kind:        models.JobKindAnnual,
		Status:      models.JobStatusProcessing,
		AccessLevel: models.AccessPersonal,
		TotalRows:   total,
	}
}

func ok() RowResult {
	return RowResult{Prediction: &models.Prediction{}}
}

func bad(row int) RowResult {
	return RowResult{Err: &models.RowError{Row: row, Code: models.RowErrValidation, Message: "is required"}}
}

func TestReporter_FlushesInBatches(t *testing.T) {
	repo, ca := newMemRepo(), newMemCache()
	job := processingJob(7)
	repo.put(job, nil)
	rep := NewReporter(repo, ca, job, 3, 10)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		res := ok()
		if i == 2 {
			res = bad(i)
		}
		status, err := rep.Record(ctx, res)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, status)
	}
	assert.Equal(t, 2, repo.progressCalls, "flushed after rows 3 and 6")

	_, err := rep.Flush(ctx)
	require.NoError(t, err)

	stored := repo.job(job.ID)
	assert.Equal(t, models.JobCounters{Processed: 7, Successful: 6, Failed: 1}, stored.JobCounters)
	require.Len(t, stored.ErrorDetails, 1)
	assert.Equal(t, 2, stored.ErrorDetails[0].Row)

	snap, found, err := ca.GetJobProgress(ctx, job.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 7, snap.Processed)
}

func TestReporter_CapsErrorRecords(t *testing.T) {
	repo, ca := newMemRepo(), newMemCache()
	job := processingJob(10)
	repo.put(job, nil)
	rep := NewReporter(repo, ca, job, 4, 3)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		_, err := rep.Record(ctx, bad(i))
		require.NoError(t, err)
	}
	_, err := rep.Flush(ctx)
	require.NoError(t, err)

	stored := repo.job(job.ID)
	assert.Equal(t, 10, stored.Failed, "every failure is counted")
	require.Len(t, stored.ErrorDetails, 3, "only the first records are kept")
	assert.Equal(t, []int{1, 2, 3}, []int{stored.ErrorDetails[0].Row, stored.ErrorDetails[1].Row, stored.ErrorDetails[2].Row})
}

func TestReporter_SeesCancellation(t *testing.T) {
	repo, ca := newMemRepo(), newMemCache()
	job := processingJob(5)
	repo.put(job, nil)
	rep := NewReporter(repo, ca, job, 1, 5)
	ctx := context.Background()

	status, err := rep.Record(ctx, ok())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, status)

	_, err = repo.TransitionJob(ctx, job.ID, models.JobStatusCancelled)
	require.NoError(t, err)

	status, err = rep.Record(ctx, ok())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, status)
	assert.Equal(t, models.JobStatusCancelled, rep.Status())
	assert.Equal(t, 2, repo.job(job.ID).Processed, "the in-flight row is still recorded")
}

func TestReporter_StopsWritingAfterFinishedElsewhere(t *testing.T) {
	repo, ca := newMemRepo(), newMemCache()
	job := processingJob(5)
	repo.put(job, nil)
	rep := NewReporter(repo, ca, job, 1, 5)
	ctx := context.Background()

	_, err := repo.TransitionJob(ctx, job.ID, models.JobStatusFailed)
	require.NoError(t, err)

	status, err := rep.Record(ctx, ok())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status)
	assert.Zero(t, repo.job(job.ID).Processed)
	_, found, _ := ca.GetJobProgress(ctx, job.ID)
	assert.False(t, found, "a refused write is not mirrored")
}

func TestReporter_StoreErrorKeepsPending(t *testing.T) {
	repo, ca := newMemRepo(), newMemCache()
	job := processingJob(2)
	repo.put(job, nil)
	rep := NewReporter(repo, ca, job, 1, 5)
	ctx := context.Background()

	repo.progressErr = errors.New("db down")
	_, err := rep.Record(ctx, bad(1))
	require.Error(t, err)

	repo.progressErr = nil
	_, err = rep.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, repo.job(job.ID).ErrorDetails, 1)
}

func TestReporter_CountersStayConsistent(t *testing.T) {
	repo, ca := newMemRepo(), newMemCache()
	job := processingJob(50)
	repo.put(job, nil)
	rep := NewReporter(repo, ca, job, 5, 100)
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		res := ok()
		if i%7 == 0 {
			res = bad(i)
		}
		_, err := rep.Record(ctx, res)
		require.NoError(t, err)
	}

	history := repo.history[job.ID]
	require.NotEmpty(t, history)
	prev := models.JobCounters{}
	for _, c := range history {
		assert.Equal(t, c.Processed, c.Successful+c.Failed)
		assert.GreaterOrEqual(t, c.Processed, prev.Processed)
		assert.LessOrEqual(t, c.Processed, job.TotalRows)
		prev = c
	}
	assert.Equal(t, models.JobCounters{Processed: 50, Successful: 43, Failed: 7}, rep.Counters())
}
