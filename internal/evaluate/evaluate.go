// Package evaluate scores an idea against the active rubric set and
// aggregates the scores into a weighted total and recommendation.
package evaluate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/idea-eval/internal/gateway"
	"github.com/sells-group/idea-eval/internal/model"
)

// Mode selects how rubrics are sent to the model.
type Mode string

const (
	// ModeBatch scores every rubric in one call.
	ModeBatch Mode = "batch"
	// ModePerRubric issues one call per rubric.
	ModePerRubric Mode = "per_rubric"
)

const (
	defaultConcurrency = 4
	defaultTemperature = 0.2
	defaultMaxTokens   = 3000
	perRubricMaxTokens = 600
)

// BatchSchema is the structured-output schema for batch mode.
const BatchSchema = `{
  "rubric_scores": {
    "<rubric id>": {"score": "number within the rubric scale", "reasoning": "string, one or two sentences"}
  }
}`

// RubricSchema is the structured-output schema for per-rubric mode.
const RubricSchema = `{"score": "number within the rubric scale", "reasoning": "string, one or two sentences"}`

// Options configures an Evaluator.
type Options struct {
	Mode        Mode
	Concurrency int
	Thresholds  Thresholds
	Temperature float64
	MaxTokens   int64
}

// Evaluator implements the rubric evaluation stage.
type Evaluator struct {
	gw   gateway.Completer
	opts Options
}

// New creates an Evaluator, filling unset options with defaults.
func New(gw gateway.Completer, opts Options) *Evaluator {
	if opts.Mode == "" {
		opts.Mode = ModeBatch
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.Thresholds == (Thresholds{}) {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Temperature <= 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	return &Evaluator{gw: gw, opts: opts}
}

// Thresholds returns the recommendation cut-offs in use.
func (e *Evaluator) Thresholds() Thresholds { return e.opts.Thresholds }

// Evaluate scores the idea against the active rubrics using cfg. Inactive
// rubrics in the input are ignored.
func (e *Evaluator) Evaluate(ctx context.Context, cfg model.ModelConfig, idea *model.Idea, rubrics []model.Rubric) (*model.Evaluation, error) {
	active := ActiveRubrics(rubrics)
	if err := ValidateRubrics(active); err != nil {
		return nil, eris.Wrap(err, "evaluate")
	}
	if w := WeightWarning(active); w != nil {
		zap.L().Warn("evaluate: rubric weights do not sum to 100",
			zap.String("idea_id", idea.ID),
			zap.Float64("total_weight", model.TotalWeight(active)),
		)
	}

	var (
		scores map[string]model.RubricScore
		tokens int64
		err    error
	)
	switch e.opts.Mode {
	case ModePerRubric:
		scores, tokens, err = e.scorePerRubric(ctx, cfg, idea, active)
	default:
		scores, tokens, err = e.scoreBatch(ctx, cfg, idea, active)
	}
	if err != nil {
		return nil, eris.Wrap(err, "evaluate")
	}

	out, err := Aggregate(active, scores, e.opts.Thresholds)
	if err != nil {
		return nil, eris.Wrap(err, "evaluate: aggregate")
	}
	out.TokensUsed = tokens

	zap.L().Debug("evaluate: done",
		zap.String("idea_id", idea.ID),
		zap.String("config", cfg.Key()),
		zap.Float64("weighted_total", out.WeightedTotalScore),
		zap.String("recommendation", string(out.InvestmentRecommendation)),
		zap.Int64("tokens", tokens),
	)
	return out, nil
}

// ActiveRubrics returns the active rubrics ordered by display order.
func ActiveRubrics(rubrics []model.Rubric) []model.Rubric {
	out := make([]model.Rubric, 0, len(rubrics))
	for _, r := range rubrics {
		if r.IsActive {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DisplayOrder < out[j].DisplayOrder })
	return out
}

func (e *Evaluator) scoreBatch(ctx context.Context, cfg model.ModelConfig, idea *model.Idea, rubrics []model.Rubric) (map[string]model.RubricScore, int64, error) {
	temp := e.opts.Temperature
	msgs := []gateway.Message{
		{Role: gateway.RoleSystem, Content: batchSystemPrompt(rubrics)},
		{Role: gateway.RoleUser, Content: ideaContext(idea)},
	}
	res, err := gateway.CompleteStructured(ctx, e.gw, cfg, "evaluate", msgs,
		gateway.Parameters{Temperature: &temp, MaxTokens: e.opts.MaxTokens, JSONSchema: BatchSchema},
		func(text string) (map[string]model.RubricScore, error) { return ParseBatch(text, rubrics) })
	if err != nil {
		return nil, res.TokensUsed, err
	}
	return res.Value, res.TokensUsed, nil
}

func (e *Evaluator) scorePerRubric(ctx context.Context, cfg model.ModelConfig, idea *model.Idea, rubrics []model.Rubric) (map[string]model.RubricScore, int64, error) {
	var (
		mu     sync.Mutex
		scores = make(map[string]model.RubricScore, len(rubrics))
		tokens int64
	)

	text := ideaContext(idea)
	temp := e.opts.Temperature
	maxTokens := min(e.opts.MaxTokens, perRubricMaxTokens)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, r := range rubrics {
		g.Go(func() error {
			msgs := []gateway.Message{
				{Role: gateway.RoleSystem, Content: rubricSystemPrompt(r)},
				{Role: gateway.RoleUser, Content: text},
			}
			res, err := gateway.CompleteStructured(gctx, e.gw, cfg, "evaluate:"+r.ID, msgs,
				gateway.Parameters{Temperature: &temp, MaxTokens: maxTokens, JSONSchema: RubricSchema},
				func(text string) (model.RubricScore, error) { return ParseRubric(text, r) })

			mu.Lock()
			defer mu.Unlock()
			tokens += res.TokensUsed
			if err != nil {
				return eris.Wrapf(err, "rubric %s", r.ID)
			}
			scores[r.ID] = res.Value
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, tokens, err
	}
	return scores, tokens, nil
}

type rawScore struct {
	Score     json.RawMessage `json:"score"`
	Reasoning string          `json:"reasoning"`
}

// ParseBatch validates a batch-mode response. Every rubric must be present
// with a numeric in-scale score. Unknown rubric ids are ignored.
func ParseBatch(text string, rubrics []model.Rubric) (map[string]model.RubricScore, error) {
	var raw struct {
		RubricScores map[string]rawScore `json:"rubric_scores"`
	}
	if err := json.Unmarshal([]byte(gateway.CleanJSON(text)), &raw); err != nil {
		return nil, fmt.Errorf("output is not a valid JSON object: %v", err)
	}
	if raw.RubricScores == nil {
		return nil, fmt.Errorf("rubric_scores is required")
	}

	out := make(map[string]model.RubricScore, len(rubrics))
	var problems []string
	for _, r := range rubrics {
		rs, ok := raw.RubricScores[r.ID]
		if !ok {
			problems = append(problems, fmt.Sprintf("rubric %q is missing", r.ID))
			continue
		}
		s, err := checkScore(rs, r)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		out[r.ID] = s
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return out, nil
}

// ParseRubric validates a per-rubric response.
func ParseRubric(text string, r model.Rubric) (model.RubricScore, error) {
	var raw rawScore
	if err := json.Unmarshal([]byte(gateway.CleanJSON(text)), &raw); err != nil {
		return model.RubricScore{}, fmt.Errorf("output is not a valid JSON object: %v", err)
	}
	return checkScore(raw, r)
}

func checkScore(rs rawScore, r model.Rubric) (model.RubricScore, error) {
	trimmed := bytes.TrimSpace(rs.Score)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return model.RubricScore{}, fmt.Errorf("rubric %q: score is missing", r.ID)
	}
	var v float64
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return model.RubricScore{}, fmt.Errorf("rubric %q: score %s is not a number", r.ID, trimmed)
	}
	if !r.InScale(v) {
		return model.RubricScore{}, fmt.Errorf("rubric %q: score %g is outside [%g, %g]", r.ID, v, r.ScaleMin, r.ScaleMax)
	}
	return model.RubricScore{RawScore: v, Reasoning: strings.TrimSpace(rs.Reasoning)}, nil
}

const evaluatorRole = "You are an investment committee analyst scoring innovation ideas against defined rubrics. " +
	"Score strictly from the evidence in the idea; do not reward length or buzzwords."

func batchSystemPrompt(rubrics []model.Rubric) string {
	var b strings.Builder
	b.WriteString(evaluatorRole)
	b.WriteString("\n\nRUBRICS:\n")
	for _, r := range rubrics {
		writeRubric(&b, r)
	}
	b.WriteString("\nScore every rubric above, keyed by its id. Give a short rationale for each score.\n")
	return b.String()
}

func rubricSystemPrompt(r model.Rubric) string {
	var b strings.Builder
	b.WriteString(evaluatorRole)
	b.WriteString("\n\nRUBRIC:\n")
	writeRubric(&b, r)
	b.WriteString("\nScore the idea on this rubric only. Give a short rationale for the score.\n")
	return b.String()
}

func writeRubric(b *strings.Builder, r model.Rubric) {
	fmt.Fprintf(b, "- id: %s\n  name: %s\n  scale: %g to %g\n", r.ID, r.Name, r.ScaleMin, r.ScaleMax)
	if r.Description != "" {
		fmt.Fprintf(b, "  description: %s\n", r.Description)
	}
	if r.Guidance != "" {
		fmt.Fprintf(b, "  guidance: %s\n", r.Guidance)
	}
}

func ideaContext(idea *model.Idea) string {
	var b strings.Builder
	b.WriteString("IDEA CONTENT:\n")
	b.WriteString(idea.SubmissionText())
	if idea.ExtractedText != nil && strings.TrimSpace(*idea.ExtractedText) != "" {
		b.WriteString("\n\nSUPPORTING DOCUMENT:\n")
		b.WriteString(*idea.ExtractedText)
	}
	if idea.PrimaryTheme != "" || idea.Industry != "" {
		b.WriteString("\n\nCLASSIFICATION:\n")
		fmt.Fprintf(&b, "Primary theme: %s\n", idea.PrimaryTheme)
		if len(idea.SecondaryThemes) > 0 {
			fmt.Fprintf(&b, "Secondary themes: %s\n", strings.Join(idea.SecondaryThemes, ", "))
		}
		fmt.Fprintf(&b, "Industry: %s\n", idea.Industry)
		if len(idea.Technologies) > 0 {
			fmt.Fprintf(&b, "Technologies: %s\n", strings.Join(idea.Technologies, ", "))
		}
	}
	return b.String()
}
