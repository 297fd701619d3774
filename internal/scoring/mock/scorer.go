package mock

import (
	"context"
	"sync/atomic"

	"github.com/kiranshivaraju/riskbatch/internal/scoring"
)

// MockScorer satisfies scoring.Scorer for testing.
type MockScorer struct {
	Name_     string
	ScoreFunc func(ctx context.Context, req scoring.Request) (scoring.Result, error)

	calls atomic.Int64
}

func (m *MockScorer) Name() string { return m.Name_ }

func (m *MockScorer) Score(ctx context.Context, req scoring.Request) (scoring.Result, error) {
	m.calls.Add(1)
	if m.ScoreFunc != nil {
		return m.ScoreFunc(ctx, req)
	}
	return scoring.Result{}, nil
}

// Calls is the number of Score invocations so far.
func (m *MockScorer) Calls() int { return int(m.calls.Load()) }

// NewMockScorer returns a MockScorer that scores every row at 0.3 / 0.9.
func NewMockScorer() *MockScorer {
	return &MockScorer{
		Name_: "mock",
		ScoreFunc: func(_ context.Context, _ scoring.Request) (scoring.Result, error) {
			return scoring.Result{Probability: 0.3, Confidence: 0.9, ModelVersion: "mock-v1"}, nil
		},
	}
}

// NewFailingScorer returns a MockScorer that always returns the given error.
func NewFailingScorer(err error) *MockScorer {
	return &MockScorer{
		Name_: "mock-failing",
		ScoreFunc: func(_ context.Context, _ scoring.Request) (scoring.Result, error) {
			return scoring.Result{}, err
		},
	}
}

// NewTimeoutScorer returns a MockScorer that blocks until context is cancelled.
func NewTimeoutScorer() *MockScorer {
	return &MockScorer{
		Name_: "mock-timeout",
		ScoreFunc: func(ctx context.Context, _ scoring.Request) (scoring.Result, error) {
			<-ctx.Done()
			return scoring.Result{}, scoring.ErrScorerTimeout
		},
	}
}

// NewFlakyScorer fails with err for the first failures calls, then succeeds.
func NewFlakyScorer(failures int, err error) *MockScorer {
	var n atomic.Int64
	return &MockScorer{
		Name_: "mock-flaky",
		ScoreFunc: func(_ context.Context, _ scoring.Request) (scoring.Result, error) {
			if n.Add(1) <= int64(failures) {
				return scoring.Result{}, err
			}
			return scoring.Result{Probability: 0.6, Confidence: 0.8, ModelVersion: "mock-v1"}, nil
		},
	}
}

// Compile-time check that MockScorer implements Scorer.
var _ scoring.Scorer = (*MockScorer)(nil)
