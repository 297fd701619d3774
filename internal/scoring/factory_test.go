package scoring_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/riskbatch/internal/config"
	"github.com/kiranshivaraju/riskbatch/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewScorer_Builtin(t *testing.T) {
	s, err := scoring.NewScorer(config.ScoringConfig{Provider: "builtin"})
	require.NoError(t, err)
	assert.Equal(t, "builtin", s.Name())
}

func TestNewScorer_Empty(t *testing.T) {
	s, err := scoring.NewScorer(config.ScoringConfig{})
	require.NoError(t, err)
	assert.Equal(t, "builtin", s.Name())
}

func TestNewScorer_HTTP(t *testing.T) {
	s, err := scoring.NewScorer(config.ScoringConfig{
		Provider:  "http",
		BaseURL:   "http://localhost:9000",
		Timeout:   time.Second,
		RateLimit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, "http", s.Name())
}

func TestNewScorer_Unknown(t *testing.T) {
	_, err := scoring.NewScorer(config.ScoringConfig{Provider: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown scoring provider")
	assert.Contains(t, err.Error(), "oracle")
}
