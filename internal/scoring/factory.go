package scoring

import (
	"fmt"

	"github.com/kiranshivaraju/riskbatch/internal/config"
)

// NewScorer constructs the scorer selected by config.
// Called once at worker startup.
func NewScorer(cfg config.ScoringConfig) (Scorer, error) {
	switch cfg.Provider {
	case "builtin", "":
		return NewBuiltin(), nil
	case "http":
		return NewHTTPClient(cfg.BaseURL, cfg.APIKey, cfg.Timeout, cfg.RateLimit), nil
	default:
		return nil, fmt.Errorf("unknown scoring provider %q: must be one of builtin, http", cfg.Provider)
	}
}
