package workflow

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/pipeline"
)

// TaskQueue is the queue workers poll for idea workflows.
const TaskQueue = "idea-eval"

const defaultStageTimeout = 15 * time.Minute

// IdeaInput starts one idea through the pipeline. Force re-runs stages that
// previously failed. StageTimeoutSecs bounds each stage activity; zero uses
// 15 minutes.
type IdeaInput struct {
	IdeaID           string                            `json:"idea_id"`
	Pins             map[model.Purpose]model.ConfigPin `json:"pins"`
	Verify           bool                              `json:"verify"`
	Force            bool                              `json:"force"`
	StageTimeoutSecs int                               `json:"stage_timeout_secs,omitempty"`
}

// IdeaOutput lists the stage outcomes of one workflow execution.
type IdeaOutput struct {
	IdeaID string                 `json:"idea_id"`
	Stages []pipeline.StageResult `json:"stages"`
}

// StageInput is the RunStage activity argument.
type StageInput struct {
	IdeaID string                            `json:"idea_id"`
	Stage  model.Stage                       `json:"stage"`
	Pins   map[model.Purpose]model.ConfigPin `json:"pins"`
	Force  bool                              `json:"force"`
}

// Validate checks the input before any activity runs.
func (in IdeaInput) Validate() error {
	if in.IdeaID == "" {
		return temporal.NewNonRetryableApplicationError("idea id is required", "Validation", nil)
	}
	if _, ok := in.Pins[model.PurposeEvaluation]; !ok {
		return temporal.NewNonRetryableApplicationError("evaluation config pin is required", "Validation", nil)
	}
	return nil
}

// IdeaWorkflow executes the pipeline stages for one idea in order. A failed
// classification or evaluation ends the workflow successfully with the
// failure recorded on the idea; activity errors (a blocked stage, a changed
// configuration, persistence problems) fail the workflow.
func IdeaWorkflow(ctx workflow.Context, in IdeaInput) (*IdeaOutput, error) {
	const currentVersion = 1
	_ = workflow.GetVersion(ctx, "idea.v", workflow.DefaultVersion, currentVersion)

	if err := in.Validate(); err != nil {
		return nil, err
	}

	timeout := defaultStageTimeout
	if in.StageTimeoutSecs > 0 {
		timeout = time.Duration(in.StageTimeoutSecs) * time.Second
	}
	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	stages := model.Stages
	if !in.Verify {
		stages = stages[:len(stages)-1]
	}

	logger := workflow.GetLogger(ctx)
	out := &IdeaOutput{IdeaID: in.IdeaID}

	var a *Activities
	for _, stage := range stages {
		var res pipeline.StageResult
		err := workflow.ExecuteActivity(ctx, a.RunStage, StageInput{
			IdeaID: in.IdeaID,
			Stage:  stage,
			Pins:   in.Pins,
			Force:  in.Force,
		}).Get(ctx, &res)
		if err != nil {
			return out, err
		}
		out.Stages = append(out.Stages, res)

		if res.Status == model.StageStatusFailed && pipeline.Gating(stage) {
			logger.Info("idea stopped at failed stage", "idea_id", in.IdeaID, "stage", string(stage), "reason", res.Reason)
			break
		}
	}
	return out, nil
}
