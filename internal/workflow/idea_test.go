package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"

	"github.com/sells-group/idea-eval/internal/model"
	"github.com/sells-group/idea-eval/internal/pipeline"
	"github.com/sells-group/idea-eval/internal/resilience"
)

type fakeRunner struct {
	mu       sync.Mutex
	statuses map[model.Stage]model.StageStatus
	errs     map[model.Stage]error
	pinErr   error
	ran      []model.Stage
	forced   []bool
}

func (f *fakeRunner) LoadPins(_ context.Context, refs map[model.Purpose]model.ConfigPin) (model.Pins, error) {
	if f.pinErr != nil {
		return model.Pins{}, f.pinErr
	}
	ref := refs[model.PurposeEvaluation]
	return model.Pins{Evaluation: &model.ModelConfig{ID: ref.ConfigID, Version: ref.Version}}, nil
}

func (f *fakeRunner) Advance(_ context.Context, ideaID string, stage model.Stage, _ model.Pins, retryFailed bool) (pipeline.StageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, stage)
	f.forced = append(f.forced, retryFailed)
	if err := f.errs[stage]; err != nil {
		return pipeline.StageResult{IdeaID: ideaID, Stage: stage}, err
	}
	st, ok := f.statuses[stage]
	if !ok {
		st = model.StageStatusCompleted
	}
	return pipeline.StageResult{IdeaID: ideaID, Stage: stage, Status: st, Ran: true}, nil
}

func validInput() IdeaInput {
	return IdeaInput{
		IdeaID: "idea-1",
		Pins: map[model.Purpose]model.ConfigPin{
			model.PurposeEvaluation: {ConfigID: "cfg-1", Version: 3, Provider: model.ProviderAnthropic},
		},
	}
}

func runWorkflow(t *testing.T, runner *fakeRunner, in IdeaInput) (*IdeaOutput, error) {
	t.Helper()
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()
	env.RegisterActivity(NewActivities(runner))

	env.ExecuteWorkflow(IdeaWorkflow, in)
	require.True(t, env.IsWorkflowCompleted())

	if err := env.GetWorkflowError(); err != nil {
		return nil, err
	}
	var out IdeaOutput
	require.NoError(t, env.GetWorkflowResult(&out))
	return &out, nil
}

func TestIdeaWorkflow_AllStages(t *testing.T) {
	runner := &fakeRunner{}
	out, err := runWorkflow(t, runner, validInput())
	require.NoError(t, err)

	assert.Equal(t, "idea-1", out.IdeaID)
	require.Len(t, out.Stages, 3)
	assert.Equal(t, []model.Stage{model.StageExtraction, model.StageClassification, model.StageEvaluation}, runner.ran)
	for _, s := range out.Stages {
		assert.Equal(t, model.StageStatusCompleted, s.Status)
	}
}

func TestIdeaWorkflow_VerifyAndForce(t *testing.T) {
	runner := &fakeRunner{}
	in := validInput()
	in.Verify = true
	in.Force = true

	out, err := runWorkflow(t, runner, in)
	require.NoError(t, err)
	require.Len(t, out.Stages, 4)
	assert.Equal(t, model.StageVerification, runner.ran[3])
	assert.Equal(t, []bool{true, true, true, true}, runner.forced)
}

func TestIdeaWorkflow_StopsAtGatingFailure(t *testing.T) {
	runner := &fakeRunner{statuses: map[model.Stage]model.StageStatus{
		model.StageClassification: model.StageStatusFailed,
	}}
	out, err := runWorkflow(t, runner, validInput())
	require.NoError(t, err)
	require.Len(t, out.Stages, 2)
	assert.Equal(t, model.StageStatusFailed, out.Stages[1].Status)
	assert.NotContains(t, runner.ran, model.StageEvaluation)
}

func TestIdeaWorkflow_ExtractionFailureContinues(t *testing.T) {
	runner := &fakeRunner{statuses: map[model.Stage]model.StageStatus{
		model.StageExtraction: model.StageStatusFailed,
	}}
	out, err := runWorkflow(t, runner, validInput())
	require.NoError(t, err)
	assert.Len(t, out.Stages, 3)
}

func TestIdeaWorkflow_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   IdeaInput
		msg  string
	}{
		{"missing idea", IdeaInput{Pins: validInput().Pins}, "idea id is required"},
		{"missing pin", IdeaInput{IdeaID: "idea-1"}, "evaluation config pin is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{}
			_, err := runWorkflow(t, runner, tt.in)
			require.Error(t, err)

			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, "Validation", appErr.Type())
			assert.Contains(t, appErr.Error(), tt.msg)
			assert.Empty(t, runner.ran)
		})
	}
}

func TestIdeaWorkflow_ActivityErrors(t *testing.T) {
	tests := []struct {
		name     string
		runner   *fakeRunner
		wantType string
	}{
		{
			name:     "blocked stage",
			runner:   &fakeRunner{errs: map[model.Stage]error{model.StageClassification: pipeline.ErrBlocked}},
			wantType: "Blocked",
		},
		{
			name:     "changed config",
			runner:   &fakeRunner{pinErr: resilience.NewConfigError("pinned evaluation config cfg-1@v3 is now at v4")},
			wantType: "Config",
		},
		{
			name:     "store failure",
			runner:   &fakeRunner{errs: map[model.Stage]error{model.StageExtraction: errors.New("disk full")}},
			wantType: "Store",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runWorkflow(t, tt.runner, validInput())
			require.Error(t, err)

			var appErr *temporal.ApplicationError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantType, appErr.Type())
			assert.True(t, appErr.NonRetryable())
		})
	}
}

func TestRunStageActivity(t *testing.T) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestActivityEnvironment()
	runner := &fakeRunner{}
	acts := NewActivities(runner)
	env.RegisterActivity(acts)

	val, err := env.ExecuteActivity(acts.RunStage, StageInput{
		IdeaID: "idea-1",
		Stage:  model.StageEvaluation,
		Pins:   validInput().Pins,
	})
	require.NoError(t, err)

	var res pipeline.StageResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, model.StageEvaluation, res.Stage)
	assert.True(t, res.Ran)
}

// --- Enqueue ---

type fakeStarter struct {
	inputs  []IdeaInput
	ids     []string
	running map[string]bool
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, opts client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if f.running[opts.ID] {
		return nil, serviceerror.NewWorkflowExecutionAlreadyStarted("workflow already started", "", "run-0")
	}
	f.ids = append(f.ids, opts.ID)
	f.inputs = append(f.inputs, args[0].(IdeaInput))
	return nil, nil
}

type fakePlanner struct {
	pins  model.Pins
	ideas []model.Idea
	opts  pipeline.RunOptions
	err   error
}

func (f *fakePlanner) ResolvePins(context.Context) (model.Pins, error) {
	return f.pins, f.err
}

func (f *fakePlanner) PendingIdeas(_ context.Context, opts pipeline.RunOptions) ([]model.Idea, error) {
	f.opts = opts
	return f.ideas, nil
}

func TestEnqueue(t *testing.T) {
	eval := &model.ModelConfig{ID: "cfg-1", Version: 2, Provider: model.ProviderOpenAI, Settings: model.ModelSettings{Model: "gpt-4o", Credential: "secret"}}
	planner := &fakePlanner{
		pins:  model.Pins{Evaluation: eval},
		ideas: []model.Idea{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	}
	starter := &fakeStarter{running: map[string]bool{"idea-b": true}}

	res, err := Enqueue(context.Background(), starter, planner, EnqueueOptions{Limit: 10, Verify: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Started)
	assert.Equal(t, 1, res.AlreadyRunning)
	assert.Equal(t, []string{"idea-a", "idea-c"}, starter.ids)
	assert.Equal(t, 10, planner.opts.Limit)
	assert.True(t, planner.opts.Verify)

	for _, in := range starter.inputs {
		assert.Equal(t, eval.Pin(), in.Pins[model.PurposeEvaluation])
		assert.True(t, in.Verify)
		assert.NotContains(t, in.Pins, model.PurposeVerification)
	}
}

func TestEnqueue_NoActiveConfig(t *testing.T) {
	planner := &fakePlanner{err: resilience.NewConfigError("no active evaluation model configuration")}
	starter := &fakeStarter{}

	_, err := Enqueue(context.Background(), starter, planner, EnqueueOptions{})
	require.Error(t, err)
	assert.Empty(t, starter.ids)
}
