package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/internal/cache"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis spins up a Redis container and returns a connected RedisCache + cleanup.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	redisURL := "redis://" + host + ":" + port.Port()
	rc, err := cache.NewRedisCache(redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

func TestIncrWithExpiry(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("api", "user-1")

	for want := int64(1); want <= 3; want++ {
		n, err := rc.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
}

func progress(jobID uuid.UUID, status string, processed int) models.JobProgress {
	return models.JobProgress{
		JobID:       jobID,
		Status:      status,
		TotalRows:   10,
		JobCounters: models.JobCounters{Processed: processed, Successful: processed},
		UpdatedAt:   time.Now().UTC(),
	}
}

func TestJobProgress_Roundtrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	_, found, err := rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, rc.SetJobProgress(ctx, progress(jobID, models.JobStatusProcessing, 5)))

	got, found, err := rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 5, got.Processed)
	assert.Equal(t, models.JobStatusProcessing, got.Status)

	require.NoError(t, rc.DeleteJobProgress(ctx, jobID))
	_, found, err = rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestJobProgress_NeverMovesBackwards(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	require.NoError(t, rc.SetJobProgress(ctx, progress(jobID, models.JobStatusProcessing, 7)))
	require.NoError(t, rc.SetJobProgress(ctx, progress(jobID, models.JobStatusProcessing, 3)))

	got, _, err := rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, 7, got.Processed)

	require.NoError(t, rc.SetJobProgress(ctx, progress(jobID, models.JobStatusCancelled, 7)))
	require.NoError(t, rc.SetJobProgress(ctx, progress(jobID, models.JobStatusProcessing, 8)))

	got, _, err = rc.GetJobProgress(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, got.Status, "terminal snapshot is not replaced by a running one")
	assert.Equal(t, 7, got.Processed)
}

func TestCancelFlag(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	requested, err := rc.CancelRequested(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, requested)

	require.NoError(t, rc.SetCancelRequested(ctx, jobID))

	requested, err = rc.CancelRequested(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, requested)
}

func TestJobLock(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()
	jobID := uuid.New()

	ok, err := rc.AcquireLock(ctx, jobID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rc.AcquireLock(ctx, jobID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second worker must not get the lock")

	holder, held, err := rc.LockHolder(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Equal(t, "worker-1", holder)

	refreshed, err := rc.RefreshLock(ctx, jobID, "worker-2", time.Minute)
	require.NoError(t, err)
	assert.False(t, refreshed)
	refreshed, err = rc.RefreshLock(ctx, jobID, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, refreshed)

	require.NoError(t, rc.ReleaseLock(ctx, jobID, "worker-2"))
	_, held, err = rc.LockHolder(ctx, jobID)
	require.NoError(t, err)
	assert.True(t, held, "non-owner release is a no-op")

	require.NoError(t, rc.ReleaseLock(ctx, jobID, "worker-1"))
	_, held, err = rc.LockHolder(ctx, jobID)
	require.NoError(t, err)
	assert.False(t, held)
}

func TestKeys(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	assert.Equal(t, "job:11111111-1111-1111-1111-111111111111:progress", cache.JobProgressKey(id))
	assert.Equal(t, "job:11111111-1111-1111-1111-111111111111:cancel", cache.JobCancelKey(id))
	assert.Equal(t, "job:11111111-1111-1111-1111-111111111111:lock", cache.JobLockKey(id))
	assert.Equal(t, "ratelimit:submit:abc", cache.RateLimitKey("submit", "abc"))
}
