// Package pipeline drives each idea through extraction, classification,
// evaluation and optional verification, persisting stage status before and
// after every stage so an interrupted run resumes where it stopped.
package pipeline

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/classify"
	"github.com/sells-group/idea-eval/internal/extract"
	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/resilience"
	"github.com/sells-group/idea-eval/internal/store"
)

// ErrBlocked is returned when a stage is requested before the stage it
// depends on has finished.
var ErrBlocked = errors.New("pipeline: upstream stage not finished")

// Store is the persistence the orchestrator needs.
type Store interface {
	LoadIdea(ctx context.Context, id string) (*model.Idea, error)
	SaveIdea(ctx context.Context, idea *model.Idea) error
	ListIdeas(ctx context.Context, filter store.IdeaFilter) ([]model.Idea, error)
	ListActiveRubrics(ctx context.Context) ([]model.Rubric, error)
	GetActiveModelConfig(ctx context.Context, purpose model.Purpose) (*model.ModelConfig, error)
	GetModelConfigRevision(ctx context.Context, id string, version int) (*model.ModelConfig, error)
	SaveRun(ctx context.Context, run *model.Run) error
}

// Extractor turns a support file into text.
type Extractor interface {
	Extract(ctx context.Context, ref extract.FileRef) (extract.Result, error)
}

// Classifier assigns taxonomy tags.
type Classifier interface {
	Classify(ctx context.Context, cfg model.ModelConfig, in classify.Input) (*model.Classification, error)
}

// Evaluator scores an idea against rubrics.
type Evaluator interface {
	Evaluate(ctx context.Context, cfg model.ModelConfig, idea *model.Idea, rubrics []model.Rubric) (*model.Evaluation, error)
}

// Verifier re-scores an evaluated idea with a second configuration.
type Verifier interface {
	Verify(ctx context.Context, cfg model.ModelConfig, idea *model.Idea, rubrics []model.Rubric, primary float64) (*model.Verification, error)
}

// Deps are the stage implementations. Verifier may be nil, in which case
// verification is always skipped.
type Deps struct {
	Extractor  Extractor
	Classifier Classifier
	Evaluator  Evaluator
	Verifier   Verifier
}

// StageResult is the persisted outcome of one stage execution.
type StageResult struct {
	IdeaID string            `json:"idea_id"`
	Stage  model.Stage       `json:"stage"`
	Status model.StageStatus `json:"status"`
	Reason string            `json:"reason,omitempty"`
	Ran    bool              `json:"ran"`
}

// Orchestrator runs pipeline stages against the store.
type Orchestrator struct {
	store Store
	deps  Deps
}

// New creates an Orchestrator.
func New(st Store, deps Deps) *Orchestrator {
	return &Orchestrator{store: st, deps: deps}
}

// ResolvePins looks up the active configuration for each purpose. A missing
// evaluation configuration is a fatal ConfigError; a missing verification
// configuration leaves Pins.Verification nil.
func (o *Orchestrator) ResolvePins(ctx context.Context) (model.Pins, error) {
	var pins model.Pins

	eval, err := o.store.GetActiveModelConfig(ctx, model.PurposeEvaluation)
	if err != nil {
		return pins, eris.Wrap(err, "pipeline: resolve evaluation config")
	}
	if eval == nil {
		return pins, resilience.NewConfigError("no active %s model configuration", model.PurposeEvaluation)
	}
	pins.Evaluation = eval

	ver, err := o.store.GetActiveModelConfig(ctx, model.PurposeVerification)
	if err != nil {
		return pins, eris.Wrap(err, "pipeline: resolve verification config")
	}
	pins.Verification = ver
	return pins, nil
}

// LoadPins rebuilds Pins from recorded config revisions, so edits made
// after pinning never change the provider or settings used. A revision
// that no longer exists is a ConfigError.
func (o *Orchestrator) LoadPins(ctx context.Context, refs map[model.Purpose]model.ConfigPin) (model.Pins, error) {
	var pins model.Pins
	for purpose, ref := range refs {
		cfg, err := o.store.GetModelConfigRevision(ctx, ref.ConfigID, ref.Version)
		if store.IsNotFound(err) {
			return pins, resilience.NewConfigError("pinned %s config %s@v%d no longer exists", purpose, ref.ConfigID, ref.Version)
		}
		if err != nil {
			return pins, eris.Wrapf(err, "pipeline: load pinned %s config", purpose)
		}
		switch purpose {
		case model.PurposeEvaluation:
			pins.Evaluation = cfg
		case model.PurposeVerification:
			pins.Verification = cfg
		}
	}
	if pins.Evaluation == nil {
		return pins, resilience.NewConfigError("no pinned %s model configuration", model.PurposeEvaluation)
	}
	return pins, nil
}

// PinRefs returns the revision references for pins.
func PinRefs(pins model.Pins) map[model.Purpose]model.ConfigPin {
	refs := make(map[model.Purpose]model.ConfigPin, 2)
	if pins.Evaluation != nil {
		refs[model.PurposeEvaluation] = pins.Evaluation.Pin()
	}
	if pins.Verification != nil {
		refs[model.PurposeVerification] = pins.Verification.Pin()
	}
	return refs
}

// RunStage executes one stage for one idea. A stage that is completed or
// skipped is left alone unless force is set; a failed stage also needs
// force. Stage failures are reported in the result, not as an error. The
// error is reserved for persistence problems, blocked stages and run
// cancellation, after which the stage is back to pending.
func (o *Orchestrator) RunStage(ctx context.Context, ideaID string, stage model.Stage, pins model.Pins, force bool) (StageResult, error) {
	res := StageResult{IdeaID: ideaID, Stage: stage}

	idea, err := o.store.LoadIdea(ctx, ideaID)
	if err != nil {
		return res, eris.Wrapf(err, "pipeline: load idea %s", ideaID)
	}

	current := idea.Status(stage)
	if !force && (current.Done() || current == model.StageStatusFailed) {
		res.Status = current
		res.Reason = idea.StageErrors[stage]
		return res, nil
	}
	if err := checkUpstream(idea, stage); err != nil {
		return res, err
	}

	log := zap.L().With(zap.String("idea_id", ideaID), zap.String("stage", string(stage)))

	idea.ResetStage(stage)
	idea.SetStatus(stage, model.StageStatusInProgress, "")
	recordPin(idea, stage, pins)
	idea.RecomputeState()
	if err := o.store.SaveIdea(ctx, idea); err != nil {
		return res, eris.Wrapf(err, "pipeline: mark %s in progress", stage)
	}
	log.Debug("pipeline: stage started")

	status, stageErr := o.execute(ctx, idea, stage, pins)

	if canceled(ctx, stageErr) {
		idea.ResetStage(stage)
		idea.RecomputeState()
		if err := o.store.SaveIdea(context.WithoutCancel(ctx), idea); err != nil {
			log.Warn("pipeline: failed to reset canceled stage", zap.Error(err))
		}
		log.Info("pipeline: stage canceled, reset to pending")
		res.Status = model.StageStatusPending
		return res, resilience.ErrCanceled
	}

	reason := ""
	if stageErr != nil {
		reason = resilience.FailureReason(stageErr)
		log.Warn("pipeline: stage failed",
			zap.String("class", string(resilience.ClassOf(stageErr))),
			zap.Error(stageErr),
		)
	}
	idea.SetStatus(stage, status, reason)
	idea.RecomputeState()
	if err := o.store.SaveIdea(ctx, idea); err != nil {
		return res, eris.Wrapf(err, "pipeline: record %s outcome", stage)
	}

	log.Info("pipeline: stage finished", zap.String("status", string(status)), zap.String("state", string(idea.State)))
	res.Status = status
	res.Reason = reason
	res.Ran = true
	return res, nil
}

// Rerun resets stage and every downstream stage to pending, then runs
// stage again with freshly resolved pins. Without force only failed or
// pending stages may be re-run.
func (o *Orchestrator) Rerun(ctx context.Context, ideaID string, stage model.Stage, force bool) (StageResult, error) {
	idea, err := o.store.LoadIdea(ctx, ideaID)
	if err != nil {
		return StageResult{IdeaID: ideaID, Stage: stage}, eris.Wrapf(err, "pipeline: load idea %s", ideaID)
	}

	current := idea.Status(stage)
	if !force && current != model.StageStatusFailed && current != model.StageStatusPending {
		return StageResult{IdeaID: ideaID, Stage: stage, Status: current},
			eris.Errorf("pipeline: %s is %s; use force to re-run it", stage, current)
	}

	pins, err := o.ResolvePins(ctx)
	if err != nil {
		return StageResult{IdeaID: ideaID, Stage: stage}, err
	}

	for _, s := range stage.Downstream() {
		idea.ResetStage(s)
	}
	idea.ResetStage(stage)
	idea.RecomputeState()
	if err := o.store.SaveIdea(ctx, idea); err != nil {
		return StageResult{IdeaID: ideaID, Stage: stage}, eris.Wrap(err, "pipeline: reset stages")
	}

	zap.L().Info("pipeline: rerun",
		zap.String("idea_id", ideaID),
		zap.String("stage", string(stage)),
		zap.String("previous", string(current)),
		zap.Bool("force", force),
	)
	return o.RunStage(ctx, ideaID, stage, pins, true)
}

func (o *Orchestrator) execute(ctx context.Context, idea *model.Idea, stage model.Stage, pins model.Pins) (model.StageStatus, error) {
	switch stage {
	case model.StageExtraction:
		return o.extract(ctx, idea)
	case model.StageClassification:
		return o.classify(ctx, idea, pins)
	case model.StageEvaluation:
		return o.evaluate(ctx, idea, pins)
	case model.StageVerification:
		return o.verify(ctx, idea, pins)
	default:
		return model.StageStatusFailed, resilience.NewConfigError("unknown stage %q", stage)
	}
}

// checkUpstream enforces stage order. Extraction only has to have left
// pending; classification and evaluation must have completed.
func checkUpstream(idea *model.Idea, stage model.Stage) error {
	var need model.Stage
	switch stage {
	case model.StageClassification:
		st := idea.Status(model.StageExtraction)
		if st == model.StageStatusPending || st == model.StageStatusInProgress {
			return eris.Wrapf(ErrBlocked, "pipeline: %s needs %s (is %s)", stage, model.StageExtraction, st)
		}
		return nil
	case model.StageEvaluation:
		need = model.StageClassification
	case model.StageVerification:
		need = model.StageEvaluation
	default:
		return nil
	}
	if st := idea.Status(need); st != model.StageStatusCompleted {
		return eris.Wrapf(ErrBlocked, "pipeline: %s needs %s (is %s)", stage, need, st)
	}
	return nil
}

func recordPin(idea *model.Idea, stage model.Stage, pins model.Pins) {
	var cfg *model.ModelConfig
	purpose := model.PurposeEvaluation
	switch stage {
	case model.StageClassification, model.StageEvaluation:
		cfg = pins.Evaluation
	case model.StageVerification:
		cfg, purpose = pins.Verification, model.PurposeVerification
	}
	if cfg == nil {
		return
	}
	if idea.Pins == nil {
		idea.Pins = make(map[model.Purpose]model.ConfigPin, 2)
	}
	idea.Pins[purpose] = cfg.Pin()
}

func canceled(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	return err != nil && (errors.Is(err, resilience.ErrCanceled) || errors.Is(err, context.Canceled))
}
