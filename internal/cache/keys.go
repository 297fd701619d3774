package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobProgressKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:progress", jobID)
}

func JobCancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:cancel", jobID)
}

func JobLockKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:%s:lock", jobID)
}

func RateLimitKey(bucket, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", bucket, subject)
}
