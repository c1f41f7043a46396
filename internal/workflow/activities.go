package workflow

import (
	"context"
	"errors"

	"go.temporal.io/sdk/temporal"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/pipeline"
	"github.com/sells-group/idea-eval/internal/resilience"
)

// StageRunner is the part of the orchestrator the activities drive.
type StageRunner interface {
	LoadPins(ctx context.Context, refs map[model.Purpose]model.ConfigPin) (model.Pins, error)
	Advance(ctx context.Context, ideaID string, stage model.Stage, pins model.Pins, retryFailed bool) (pipeline.StageResult, error)
}

// Activities holds the activity implementations registered on a worker.
type Activities struct {
	runner StageRunner
}

// NewActivities creates Activities backed by runner.
func NewActivities(runner StageRunner) *Activities {
	return &Activities{runner: runner}
}

// RunStage loads the pinned configuration revisions and advances one stage.
// Stage failures come back in the result; only conditions that make the
// workflow itself unable to continue are returned as errors.
func (a *Activities) RunStage(ctx context.Context, in StageInput) (pipeline.StageResult, error) {
	log := zap.L().With(zap.String("idea_id", in.IdeaID), zap.String("stage", string(in.Stage)))

	pins, err := a.runner.LoadPins(ctx, in.Pins)
	if err != nil {
		log.Warn("workflow: pinned configuration unavailable", zap.Error(err))
		return pipeline.StageResult{IdeaID: in.IdeaID, Stage: in.Stage}, activityError(err)
	}

	res, err := a.runner.Advance(ctx, in.IdeaID, in.Stage, pins, in.Force)
	if err != nil {
		return res, activityError(err)
	}
	return res, nil
}

// activityError converts orchestrator errors to application errors. Every
// type is non-retryable; the activity runs a single attempt.
func activityError(err error) error {
	var cfgErr *resilience.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		return temporal.NewNonRetryableApplicationError(err.Error(), "Config", err)
	case errors.Is(err, pipeline.ErrBlocked):
		return temporal.NewNonRetryableApplicationError(err.Error(), "Blocked", err)
	case errors.Is(err, resilience.ErrCanceled):
		return temporal.NewNonRetryableApplicationError(err.Error(), "Canceled", err)
	default:
		return temporal.NewNonRetryableApplicationError(err.Error(), "Store", err)
	}
}
