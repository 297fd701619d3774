package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/kiranshivaraju/riskbatch/pkg/models"
)

// Builtin is a fixed logistic model used when no remote model service is
// configured. Same input, same output.
type Builtin struct{}

func NewBuiltin() *Builtin { return &Builtin{} }

func (b *Builtin) Name() string { return "builtin" }

type coefficients struct {
	intercept float64
	weights   map[string]float64
	version   string
}

var builtinModels = map[string]coefficients{
	models.JobKindAnnual: {
		intercept: -2.2,
		weights: map[string]float64{
			"long_term_debt_to_total_capital": 3.1,
			"total_debt_to_ebitda":            0.18,
			"net_income_margin":               -2.4,
			"ebit_to_interest_expense":        -0.02,
			"return_on_assets":                -4.5,
		},
		version: "builtin-annual-1",
	},
	models.JobKindQuarterly: {
		intercept: -2.0,
		weights: map[string]float64{
			"total_debt_to_ebitda":            0.2,
			"sga_margin":                      0.9,
			"long_term_debt_to_total_capital": 2.8,
			"return_on_capital":               -3.2,
		},
		version: "builtin-quarterly-1",
	},
}

func (b *Builtin) Score(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrScorerTimeout, err)
	}
	m, ok := builtinModels[req.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: unknown kind %q", ErrRejected, req.Kind)
	}

	z := m.intercept
	seen := 0
	for name, w := range m.weights {
		v, ok := req.Features[name]
		if !ok {
			continue
		}
		seen++
		z += w * clamp(v, -50, 50)
	}

	return Result{
		Probability:  round4(1 / (1 + math.Exp(-z))),
		Confidence:   round4(0.5 + 0.45*float64(seen)/float64(len(m.weights))),
		ModelVersion: m.version,
	}, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

var _ Scorer = (*Builtin)(nil)
