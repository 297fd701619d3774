package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the riskbatch server and worker.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scoring   ScoringConfig
	Worker    WorkerConfig
	Jobs      JobsConfig
	RateLimit RateLimitConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL       string
	QueueName string
}

type ScoringConfig struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	RateLimit  float64
	MaxRetries int
}

type WorkerConfig struct {
	Concurrency   int
	SweepSchedule string
}

type JobsConfig struct {
	MaxRows               int
	MaxUploadBytes        int64
	RowTimeout            time.Duration
	HardTimeout           time.Duration
	ProgressBatchSize     int
	MaxErrorRecords       int
	SecondsPerRowEstimate float64
	MaxConsecutiveOutages int
}

type RateLimitConfig struct {
	PerMinute            int
	SubmissionsPerMinute int
}

// HardMaxRows mirrors the upload ceiling enforced by the ingest package.
const HardMaxRows = 10000

var validProviders = map[string]bool{
	"builtin": true,
	"http":    true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("RISKBATCH_PORT", 8080),
			Env:  envString("RISKBATCH_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:       os.Getenv("REDIS_URL"),
			QueueName: envString("QUEUE_NAME", "riskbatch:jobs"),
		},
		Scoring: ScoringConfig{
			Provider:   envString("SCORING_PROVIDER", "builtin"),
			BaseURL:    os.Getenv("SCORING_BASE_URL"),
			APIKey:     os.Getenv("SCORING_API_KEY"),
			Timeout:    envDuration("SCORING_TIMEOUT", 10*time.Second),
			RateLimit:  envFloat("SCORING_RATE_LIMIT", 50),
			MaxRetries: envInt("SCORING_MAX_RETRIES", 3),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", 4),
			SweepSchedule: envString("JOB_SWEEP_SCHEDULE", "@every 1m"),
		},
		Jobs: JobsConfig{
			MaxRows:               envInt("JOB_MAX_ROWS", HardMaxRows),
			MaxUploadBytes:        int64(envInt("JOB_MAX_UPLOAD_BYTES", 10<<20)),
			RowTimeout:            envDuration("JOB_ROW_TIMEOUT", 30*time.Second),
			HardTimeout:           envDuration("JOB_HARD_TIMEOUT", 30*time.Minute),
			ProgressBatchSize:     envInt("JOB_PROGRESS_BATCH_SIZE", 5),
			MaxErrorRecords:       envInt("JOB_MAX_ERROR_RECORDS", 100),
			SecondsPerRowEstimate: envFloat("JOB_SECONDS_PER_ROW_ESTIMATE", 0.5),
			MaxConsecutiveOutages: envInt("JOB_MAX_CONSECUTIVE_OUTAGES", 10),
		},
		RateLimit: RateLimitConfig{
			PerMinute:            envInt("RATE_LIMIT_PER_MINUTE", 120),
			SubmissionsPerMinute: envInt("JOB_SUBMISSIONS_PER_MINUTE", 10),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if c.Redis.QueueName == "" {
		return fmt.Errorf("QUEUE_NAME must not be empty")
	}

	if !validProviders[c.Scoring.Provider] {
		return fmt.Errorf("SCORING_PROVIDER must be one of builtin, http; got %q", c.Scoring.Provider)
	}
	if c.Scoring.Provider == "http" {
		if c.Scoring.BaseURL == "" {
			return fmt.Errorf("SCORING_BASE_URL is required when SCORING_PROVIDER is http")
		}
		if !strings.HasPrefix(c.Scoring.BaseURL, "http://") && !strings.HasPrefix(c.Scoring.BaseURL, "https://") {
			return fmt.Errorf("SCORING_BASE_URL must start with http:// or https://, got %q", c.Scoring.BaseURL)
		}
	}
	if c.Scoring.MaxRetries < 0 {
		return fmt.Errorf("SCORING_MAX_RETRIES must not be negative, got %d", c.Scoring.MaxRetries)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	if c.Jobs.MaxRows < 1 || c.Jobs.MaxRows > HardMaxRows {
		return fmt.Errorf("JOB_MAX_ROWS must be between 1 and %d, got %d", HardMaxRows, c.Jobs.MaxRows)
	}
	if c.Jobs.ProgressBatchSize < 1 {
		return fmt.Errorf("JOB_PROGRESS_BATCH_SIZE must be at least 1, got %d", c.Jobs.ProgressBatchSize)
	}
	if c.Jobs.MaxErrorRecords < 0 {
		return fmt.Errorf("JOB_MAX_ERROR_RECORDS must not be negative, got %d", c.Jobs.MaxErrorRecords)
	}
	if c.Jobs.HardTimeout <= c.Jobs.RowTimeout {
		return fmt.Errorf("JOB_HARD_TIMEOUT (%s) must exceed JOB_ROW_TIMEOUT (%s)", c.Jobs.HardTimeout, c.Jobs.RowTimeout)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
