// Package scoring wraps the default-probability model behind the Scorer
// interface. The model itself is opaque to the rest of the codebase.
package scoring

import (
	"context"
	"errors"
	"math"
)

var (
	ErrScorerUnavailable = errors.New("scorer unavailable")
	ErrScorerTimeout     = errors.New("scorer timeout")
	ErrInvalidResponse   = errors.New("scorer returned invalid response")
	ErrRejected          = errors.New("scorer rejected request")
)

// Request is one row's features for one prediction kind.
type Request struct {
	Kind     string             `json:"kind"`
	Features map[string]float64 `json:"features"`
}

// Result is the scorer's verdict for one row.
type Result struct {
	Probability  float64 `json:"probability"`
	Confidence   float64 `json:"confidence"`
	ModelVersion string  `json:"model_version"`
}

// Scorer computes a default probability from row features.
// Implementations must be safe for concurrent use.
type Scorer interface {
	Name() string
	Score(ctx context.Context, req Request) (Result, error)
}

// Retryable reports whether a failed Score call may succeed if repeated.
func Retryable(err error) bool {
	return errors.Is(err, ErrScorerUnavailable) || errors.Is(err, ErrScorerTimeout)
}

func validate(r Result) error {
	if math.IsNaN(r.Probability) || r.Probability < 0 || r.Probability > 1 {
		return ErrInvalidResponse
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return ErrInvalidResponse
	}
	return nil
}
