// Package verify re-scores an evaluated idea with an independent model
// configuration and flags the idea for review when the two disagree.
package verify

import (
	"context"
	"math"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/model"
)

// DefaultTolerance is the largest accepted weighted-total divergence.
const DefaultTolerance = 1.0

// Evaluator scores an idea. *evaluate.Evaluator satisfies it.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg model.ModelConfig, idea *model.Idea, rubrics []model.Rubric) (*model.Evaluation, error)
}

// Gate runs the second-pass evaluation.
type Gate struct {
	eval      Evaluator
	tolerance float64
}

// New creates a Gate. A negative tolerance uses DefaultTolerance; zero
// confirms only identical totals.
func New(eval Evaluator, tolerance float64) *Gate {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Gate{eval: eval, tolerance: tolerance}
}

// Tolerance returns the divergence limit in use.
func (g *Gate) Tolerance() float64 { return g.tolerance }

// Verify evaluates the idea against cfg and compares the weighted total
// with primary. A divergence above the tolerance is not confirmed. The
// primary result is never adjusted.
func (g *Gate) Verify(ctx context.Context, cfg model.ModelConfig, idea *model.Idea, rubrics []model.Rubric, primary float64) (*model.Verification, error) {
	secondary, err := g.eval.Evaluate(ctx, cfg, idea, rubrics)
	if err != nil {
		return nil, eris.Wrap(err, "verify")
	}

	div := math.Round(math.Abs(primary-secondary.WeightedTotalScore)*1e6) / 1e6
	out := &model.Verification{
		Confirmed:  div <= g.tolerance,
		Divergence: div,
		Secondary:  secondary,
	}

	if !out.Confirmed {
		zap.L().Info("verify: divergence above tolerance, flagging for review",
			zap.String("idea_id", idea.ID),
			zap.String("config", cfg.Key()),
			zap.Float64("primary", primary),
			zap.Float64("secondary", secondary.WeightedTotalScore),
			zap.Float64("tolerance", g.tolerance),
		)
	}
	return out, nil
}
