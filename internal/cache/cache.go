package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/riskbatch/pkg/models"
	"github.com/redis/go-redis/v9"
)

// ProgressTTL bounds how long a progress snapshot outlives its last update.
const ProgressTTL = 24 * time.Hour

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	SetJobProgress(ctx context.Context, p models.JobProgress) error
	GetJobProgress(ctx context.Context, jobID uuid.UUID) (*models.JobProgress, bool, error)
	DeleteJobProgress(ctx context.Context, jobID uuid.UUID) error

	SetCancelRequested(ctx context.Context, jobID uuid.UUID) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)

	AcquireLock(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, jobID uuid.UUID, owner string) error
	LockHolder(ctx context.Context, jobID uuid.UUID) (string, bool, error)
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// setProgressScript writes a snapshot unless the stored one has more processed
// rows, or is terminal while the new one is not.
// KEYS[1] key; ARGV[1] json; ARGV[2] processed_rows; ARGV[3] ttl ms; ARGV[4] "1" if terminal.
var setProgressScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, old = pcall(cjson.decode, cur)
  if ok then
    local done = old['status'] == 'completed' or old['status'] == 'failed' or old['status'] == 'cancelled'
    if done and ARGV[4] ~= '1' then
      return 0
    end
    local n = tonumber(old['processed_rows'])
    if n and n > tonumber(ARGV[2]) then
      return 0
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func (c *RedisCache) SetJobProgress(ctx context.Context, p models.JobProgress) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode job progress: %w", err)
	}
	terminal := "0"
	if models.IsTerminalStatus(p.Status) {
		terminal = "1"
	}
	return setProgressScript.Run(ctx, c.client,
		[]string{JobProgressKey(p.JobID)},
		payload, p.Processed, ProgressTTL.Milliseconds(), terminal,
	).Err()
}

func (c *RedisCache) GetJobProgress(ctx context.Context, jobID uuid.UUID) (*models.JobProgress, bool, error) {
	val, err := c.client.Get(ctx, JobProgressKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var p models.JobProgress
	if err := json.Unmarshal(val, &p); err != nil {
		return nil, false, fmt.Errorf("decode job progress: %w", err)
	}
	return &p, true, nil
}

func (c *RedisCache) DeleteJobProgress(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobProgressKey(jobID)).Err()
}

func (c *RedisCache) SetCancelRequested(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Set(ctx, JobCancelKey(jobID), "1", ProgressTTL).Err()
}

func (c *RedisCache) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, JobCancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) AcquireLock(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, JobLockKey(jobID), owner, ttl).Result()
}

var refreshLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RefreshLock extends the lock only while owner still holds it.
func (c *RedisCache) RefreshLock(ctx context.Context, jobID uuid.UUID, owner string, ttl time.Duration) (bool, error) {
	n, err := refreshLockScript.Run(ctx, c.client, []string{JobLockKey(jobID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseLock deletes the lock only if owner holds it.
func (c *RedisCache) ReleaseLock(ctx context.Context, jobID uuid.UUID, owner string) error {
	return releaseLockScript.Run(ctx, c.client, []string{JobLockKey(jobID)}, owner).Err()
}

func (c *RedisCache) LockHolder(ctx context.Context, jobID uuid.UUID) (string, bool, error) {
	val, err := c.client.Get(ctx, JobLockKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}
