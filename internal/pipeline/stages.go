package pipeline

import (
	"context"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/classify"
	"github.com/sells-group/idea-eval/internal/extract"
	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
)

// extract reads the support file. An idea without one, or with a file that
// is gone or of an unsupported type, is skipped rather than failed.
func (o *Orchestrator) extract(ctx context.Context, idea *model.Idea) (model.StageStatus, error) {
	if strings.TrimSpace(idea.SupportFileURI) == "" || o.deps.Extractor == nil {
		return model.StageStatusSkipped, nil
	}

	res, err := o.deps.Extractor.Extract(ctx, extract.FileRef{
		URI:         idea.SupportFileURI,
		ContentType: idea.SupportFileType,
	})
	switch {
	case errors.Is(err, extract.ErrMissing), errors.Is(err, extract.ErrUnsupported):
		zap.L().Info("pipeline: support file skipped",
			zap.String("idea_id", idea.ID),
			zap.String("uri", idea.SupportFileURI),
			zap.Error(err),
		)
		return model.StageStatusSkipped, nil
	case err != nil:
		return model.StageStatusFailed, err
	}

	text := res.Text
	idea.ExtractedText = &text
	idea.ExtractedUnits = res.Units
	return model.StageStatusCompleted, nil
}

func (o *Orchestrator) classify(ctx context.Context, idea *model.Idea, pins model.Pins) (model.StageStatus, error) {
	if pins.Evaluation == nil {
		return model.StageStatusFailed, resilience.NewConfigError("no %s configuration pinned", model.PurposeEvaluation)
	}

	in := classify.Input{IdeaText: idea.SubmissionText()}
	if idea.ExtractedText != nil {
		in.ExtractedText = *idea.ExtractedText
	}
	c, err := o.deps.Classifier.Classify(ctx, *pins.Evaluation, in)
	if err != nil {
		return model.StageStatusFailed, err
	}

	idea.PrimaryTheme = c.PrimaryTheme
	idea.SecondaryThemes = c.SecondaryThemes
	idea.Industry = c.Industry
	idea.Technologies = c.Technologies
	return model.StageStatusCompleted, nil
}

func (o *Orchestrator) evaluate(ctx context.Context, idea *model.Idea, pins model.Pins) (model.StageStatus, error) {
	if pins.Evaluation == nil {
		return model.StageStatusFailed, resilience.NewConfigError("no %s configuration pinned", model.PurposeEvaluation)
	}
	rubrics, err := o.store.ListActiveRubrics(ctx)
	if err != nil {
		return model.StageStatusFailed, eris.Wrap(err, "pipeline: load rubrics")
	}

	ev, err := o.deps.Evaluator.Evaluate(ctx, *pins.Evaluation, idea, rubrics)
	if err != nil {
		return model.StageStatusFailed, err
	}

	total := ev.WeightedTotalScore
	idea.RubricScores = ev.RubricScores
	idea.WeightedTotalScore = &total
	idea.InvestmentRecommendation = ev.InvestmentRecommendation
	idea.KeyStrengths = ev.KeyStrengths
	idea.KeyConcerns = ev.KeyConcerns
	idea.ConfigWarnings = nil
	for _, w := range ev.Warnings {
		idea.ConfigWarnings = append(idea.ConfigWarnings, w.Code+": "+w.Message)
	}
	return model.StageStatusCompleted, nil
}

// verify re-scores with the verification configuration. Without one the
// stage is skipped and the idea stays evaluated.
func (o *Orchestrator) verify(ctx context.Context, idea *model.Idea, pins model.Pins) (model.StageStatus, error) {
	if pins.Verification == nil || o.deps.Verifier == nil {
		return model.StageStatusSkipped, nil
	}
	if idea.WeightedTotalScore == nil {
		return model.StageStatusFailed, eris.New("pipeline: evaluated idea has no weighted total")
	}
	rubrics, err := o.store.ListActiveRubrics(ctx)
	if err != nil {
		return model.StageStatusFailed, eris.Wrap(err, "pipeline: load rubrics")
	}

	v, err := o.deps.Verifier.Verify(ctx, *pins.Verification, idea, rubrics, *idea.WeightedTotalScore)
	if err != nil {
		return model.StageStatusFailed, err
	}

	if v.Secondary != nil {
		secondary := v.Secondary.WeightedTotalScore
		idea.VerificationScore = &secondary
	}
	idea.NeedsReview = !v.Confirmed
	return model.StageStatusCompleted, nil
}
