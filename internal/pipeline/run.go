package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/idea-eval/internal/evaluate"
	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
	"github.com/sells-group/idea-eval/internal/store"
)

const defaultWorkers = 4

// RunOptions configures a batch run.
type RunOptions struct {
	Workers     int
	Limit       int
	Verify      bool
	RetryFailed bool
}

// Run processes every idea with unfinished work. Configuration pins are
// resolved once up front; a missing evaluation configuration or an unusable
// rubric set aborts the run before any idea is touched. Individual stage
// failures are recorded on the idea and counted in the summary.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*model.Run, error) {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}

	pins, err := o.ResolvePins(ctx)
	if err != nil {
		return nil, err
	}
	rubrics, err := o.store.ListActiveRubrics(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: load rubrics")
	}
	if err := evaluate.ValidateRubrics(rubrics); err != nil {
		return nil, eris.Wrap(err, "pipeline: rubric set")
	}
	if opts.Verify && pins.Verification == nil {
		zap.L().Warn("pipeline: no active verification config, verification will be skipped")
	}

	run := &model.Run{
		ID:        uuid.New().String(),
		Status:    model.RunStatusRunning,
		Pins:      PinRefs(pins),
		Summary:   model.NewRunSummary(),
		StartedAt: time.Now().UTC(),
	}
	if err := o.store.SaveRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: save run")
	}

	ideas, err := o.PendingIdeas(ctx, opts)
	if err != nil {
		return o.finish(ctx, run, err)
	}

	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("pipeline: run started",
		zap.Int("ideas", len(ideas)),
		zap.Int("workers", opts.Workers),
		zap.String("evaluation_config", pins.Evaluation.Key()),
		zap.Bool("verify", opts.Verify && pins.Verification != nil),
	)

	var (
		mu   sync.Mutex
		done atomic.Int64
	)
	g := new(errgroup.Group)
	g.SetLimit(opts.Workers)
	for i := range ideas {
		id := ideas[i].ID
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			summary := o.processIdea(ctx, id, pins, opts)

			mu.Lock()
			run.Summary.Merge(summary)
			mu.Unlock()

			n := done.Add(1)
			log.Info("pipeline: progress", zap.Int64("done", n), zap.Int("total", len(ideas)), zap.String("idea_id", id))
			return nil
		})
	}
	_ = g.Wait()

	return o.finish(ctx, run, nil)
}

// PendingIdeas lists ideas that still have a stage to run under opts.
func (o *Orchestrator) PendingIdeas(ctx context.Context, opts RunOptions) ([]model.Idea, error) {
	ideas, err := o.store.ListIdeas(ctx, pendingFilter(opts))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list pending ideas")
	}
	return ideas, nil
}

// Advance runs stage if it still has work. With retryFailed a failed stage
// is forced; completed and skipped stages are never repeated.
func (o *Orchestrator) Advance(ctx context.Context, ideaID string, stage model.Stage, pins model.Pins, retryFailed bool) (StageResult, error) {
	force := false
	if retryFailed {
		idea, err := o.store.LoadIdea(ctx, ideaID)
		if err != nil {
			return StageResult{IdeaID: ideaID, Stage: stage}, eris.Wrapf(err, "pipeline: load idea %s", ideaID)
		}
		force = idea.Status(stage) == model.StageStatusFailed
	}
	return o.RunStage(ctx, ideaID, stage, pins, force)
}

// Gating reports whether a failure of stage stops the idea.
func Gating(stage model.Stage) bool {
	return stage != model.StageExtraction
}

// processIdea walks one idea through the remaining stages.
func (o *Orchestrator) processIdea(ctx context.Context, ideaID string, pins model.Pins, opts RunOptions) model.RunSummary {
	summary := model.RunSummary{Ideas: 1}

	stages := model.Stages
	if !opts.Verify {
		stages = stages[:len(stages)-1]
	}

	for _, stage := range stages {
		if ctx.Err() != nil {
			return summary
		}
		res, err := o.Advance(ctx, ideaID, stage, pins, opts.RetryFailed)
		if err != nil {
			if !errors.Is(err, resilience.ErrCanceled) && !errors.Is(err, ErrBlocked) {
				zap.L().Error("pipeline: stage aborted",
					zap.String("idea_id", ideaID),
					zap.String("stage", string(stage)),
					zap.Error(err),
				)
			}
			return summary
		}
		if res.Ran {
			summary.Record(stage, res.Status)
		}
		if res.Status == model.StageStatusFailed && Gating(stage) {
			return summary
		}
	}
	return summary
}

func (o *Orchestrator) finish(ctx context.Context, run *model.Run, runErr error) (*model.Run, error) {
	now := time.Now().UTC()
	run.FinishedAt = &now
	switch {
	case runErr != nil:
		run.Status = model.RunStatusFailed
		run.Error = runErr.Error()
	case ctx.Err() != nil:
		run.Status = model.RunStatusCanceled
	default:
		run.Status = model.RunStatusComplete
	}

	if err := o.store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		zap.L().Warn("pipeline: failed to save run record", zap.String("run_id", run.ID), zap.Error(err))
	}

	zap.L().Info("pipeline: run finished",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
		zap.Int("ideas", run.Summary.Ideas),
		zap.Any("stages", run.Summary.Stages),
		zap.Duration("elapsed", now.Sub(run.StartedAt)),
	)
	if runErr != nil {
		return run, eris.Wrap(runErr, "pipeline: run")
	}
	return run, nil
}

// pendingFilter selects ideas with a stage still to run. Unless failed
// stages are retried, ideas stopped by a gating failure are left out so
// they cannot crowd newer ideas out of the limit.
func pendingFilter(opts RunOptions) store.IdeaFilter {
	stages := []model.Stage{model.StageExtraction, model.StageClassification, model.StageEvaluation}
	if opts.Verify {
		stages = append(stages, model.StageVerification)
	}
	filter := store.IdeaFilter{
		Stages:   stages,
		Statuses: []model.StageStatus{model.StageStatusPending, model.StageStatusInProgress},
		Limit:    opts.Limit,
	}
	if opts.RetryFailed {
		filter.Statuses = append(filter.Statuses, model.StageStatusFailed)
		return filter
	}
	for _, st := range stages {
		if Gating(st) {
			filter.ExcludeFailed = append(filter.ExcludeFailed, st)
		}
	}
	return filter
}
