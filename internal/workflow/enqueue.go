package workflow

import (
	"context"
	"errors"

	"github.com/rotisserie/eris"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/pipeline"
)

// Starter starts workflow executions. client.Client satisfies it.
type Starter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Planner resolves pins and lists the ideas with work left.
type Planner interface {
	ResolvePins(ctx context.Context) (model.Pins, error)
	PendingIdeas(ctx context.Context, opts pipeline.RunOptions) ([]model.Idea, error)
}

// EnqueueOptions configures Enqueue.
type EnqueueOptions struct {
	Limit            int
	Verify           bool
	RetryFailed      bool
	StageTimeoutSecs int
}

// EnqueueResult counts the workflows Enqueue started.
type EnqueueResult struct {
	Started        int                               `json:"started"`
	AlreadyRunning int                               `json:"already_running"`
	Pins           map[model.Purpose]model.ConfigPin `json:"pins"`
}

// WorkflowID is the deterministic workflow id for an idea. At most one
// workflow runs per idea at a time.
func WorkflowID(ideaID string) string {
	return "idea-" + ideaID
}

// Enqueue resolves the active configurations once and starts one
// IdeaWorkflow per pending idea, all pinned to the same revisions.
func Enqueue(ctx context.Context, starter Starter, planner Planner, opts EnqueueOptions) (*EnqueueResult, error) {
	pins, err := planner.ResolvePins(ctx)
	if err != nil {
		return nil, err
	}
	refs := pipeline.PinRefs(pins)

	ideas, err := planner.PendingIdeas(ctx, pipeline.RunOptions{
		Limit:       opts.Limit,
		Verify:      opts.Verify,
		RetryFailed: opts.RetryFailed,
	})
	if err != nil {
		return nil, err
	}

	res := &EnqueueResult{Pins: refs}
	for _, idea := range ideas {
		in := IdeaInput{
			IdeaID:           idea.ID,
			Pins:             refs,
			Verify:           opts.Verify,
			Force:            opts.RetryFailed,
			StageTimeoutSecs: opts.StageTimeoutSecs,
		}
		_, err := starter.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
			ID:        WorkflowID(idea.ID),
			TaskQueue: TaskQueue,
		}, IdeaWorkflow, in)

		var started *serviceerror.WorkflowExecutionAlreadyStarted
		switch {
		case errors.As(err, &started):
			res.AlreadyRunning++
			continue
		case err != nil:
			return res, eris.Wrapf(err, "workflow: start idea %s", idea.ID)
		}
		res.Started++
	}

	zap.L().Info("workflow: enqueued ideas",
		zap.Int("started", res.Started),
		zap.Int("already_running", res.AlreadyRunning),
		zap.String("evaluation_config", pins.Evaluation.Key()),
	)
	return res, nil
}

// Register adds the idea workflow and its activities to a worker.
func Register(w worker.Registry, acts *Activities) {
	w.RegisterWorkflow(IdeaWorkflow)
	w.RegisterActivity(acts)
}
