package evaluate

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

const keyRubricCount = 2

// Thresholds are the recommendation cut-offs on the 0-10 weighted total.
type Thresholds struct {
	Go       float64 `mapstructure:"go" yaml:"go"`
	Consider float64 `mapstructure:"consider" yaml:"consider"`
}

// DefaultThresholds returns the standard go (7.0) and consider (4.0) cut-offs.
func DefaultThresholds() Thresholds {
	return Thresholds{Go: 7.0, Consider: 4.0}
}

// Recommend maps a weighted total to a recommendation. Both cut-offs are
// inclusive lower bounds.
func (t Thresholds) Recommend(total float64) model.Recommendation {
	switch {
	case total >= t.Go:
		return model.RecommendationGo
	case total >= t.Consider:
		return model.RecommendationConsider
	default:
		return model.RecommendationNoGo
	}
}

// ValidateRubrics checks that the active rubric set can produce a weighted
// total. Failures are ConfigErrors.
func ValidateRubrics(rubrics []model.Rubric) error {
	if len(rubrics) == 0 {
		return resilience.NewConfigError("no active rubrics")
	}
	for _, r := range rubrics {
		if r.ScaleMax <= r.ScaleMin {
			return resilience.NewConfigError("rubric %s: scale_max %.2f must exceed scale_min %.2f", r.ID, r.ScaleMax, r.ScaleMin)
		}
		if r.Weight < 0 {
			return resilience.NewConfigError("rubric %s: negative weight %.2f", r.ID, r.Weight)
		}
	}
	if model.TotalWeight(rubrics) <= 0 {
		return resilience.NewConfigError("active rubric weights sum to zero")
	}
	return nil
}

// WeightWarning returns a configuration warning when the active weights do
// not sum to 100, or nil.
func WeightWarning(rubrics []model.Rubric) *model.ConfigurationWarning {
	total := model.TotalWeight(rubrics)
	if math.Abs(total-100) < 1e-9 {
		return nil
	}
	return &model.ConfigurationWarning{
		Code:    model.WarningWeightTotal,
		Message: fmt.Sprintf("active rubric weights sum to %g, not 100; total computed over actual weights", total),
	}
}

// Aggregate turns per-rubric scores into the weighted total, recommendation,
// strengths and concerns. Every rubric must have an in-scale score; no
// defaults are substituted.
func Aggregate(rubrics []model.Rubric, scores map[string]model.RubricScore, th Thresholds) (*model.Evaluation, error) {
	if err := ValidateRubrics(rubrics); err != nil {
		return nil, err
	}

	type ranked struct {
		rubric model.Rubric
		norm   float64
		score  model.RubricScore
	}

	rows := make([]ranked, 0, len(rubrics))
	var weighted float64
	for _, r := range rubrics {
		s, ok := scores[r.ID]
		if !ok {
			return nil, &resilience.MalformedResponseError{Component: "evaluate:" + r.ID, Detail: "missing score"}
		}
		if !r.InScale(s.RawScore) {
			return nil, &resilience.MalformedResponseError{
				Component: "evaluate:" + r.ID,
				Detail:    fmt.Sprintf("score %g outside [%g, %g]", s.RawScore, r.ScaleMin, r.ScaleMax),
			}
		}
		norm := r.Normalize(s.RawScore)
		weighted += norm * r.Weight
		rows = append(rows, ranked{rubric: r, norm: norm, score: s})
	}

	total := round6(weighted / model.TotalWeight(rubrics))

	out := &model.Evaluation{
		RubricScores:             make(map[string]model.RubricScore, len(rubrics)),
		WeightedTotalScore:       total,
		InvestmentRecommendation: th.Recommend(total),
	}
	for _, row := range rows {
		out.RubricScores[row.rubric.ID] = row.score
	}
	if w := WeightWarning(rubrics); w != nil {
		out.Warnings = append(out.Warnings, *w)
	}

	n := min(keyRubricCount, len(rows))

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].norm != rows[j].norm {
			return rows[i].norm > rows[j].norm
		}
		return rows[i].rubric.DisplayOrder < rows[j].rubric.DisplayOrder
	})
	for _, row := range rows[:n] {
		out.KeyStrengths = append(out.KeyStrengths, keyText(row.rubric, row.score))
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].norm != rows[j].norm {
			return rows[i].norm < rows[j].norm
		}
		return rows[i].rubric.DisplayOrder < rows[j].rubric.DisplayOrder
	})
	for _, row := range rows[:n] {
		out.KeyConcerns = append(out.KeyConcerns, keyText(row.rubric, row.score))
	}

	return out, nil
}

func keyText(r model.Rubric, s model.RubricScore) string {
	reason := strings.TrimSpace(s.Reasoning)
	if reason == "" {
		return r.Name
	}
	return r.Name + ": " + reason
}

func round6(x float64) float64 {
	return math.Round(x*1e6) / 1e6
}
