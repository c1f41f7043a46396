package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/idea-eval/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Ideas ---

func TestSQLite_Idea_SaveAndLoad(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	idea := model.NewIdea("idea-1", "sub-1", "Drone inspection", "Drones inspect bridges.")
	idea.SupportFileURI = "file:///tmp/deck.pdf"
	require.NoError(t, st.SaveIdea(ctx, idea))
	assert.False(t, idea.CreatedAt.IsZero())

	got, err := st.LoadIdea(ctx, "idea-1")
	require.NoError(t, err)
	assert.Equal(t, "Drone inspection", got.Title)
	assert.Equal(t, model.StageStatusPending, got.EvaluationStatus)
	assert.Equal(t, "file:///tmp/deck.pdf", got.SupportFileURI)

	score := 8.7
	got.SetStatus(model.StageEvaluation, model.StageStatusCompleted, "")
	got.WeightedTotalScore = &score
	got.Pins = map[model.Purpose]model.ConfigPin{
		model.PurposeEvaluation: {ConfigID: "cfg-1", Version: 3, Provider: model.ProviderAnthropic, Model: "claude"},
	}
	require.NoError(t, st.SaveIdea(ctx, got))

	again, err := st.LoadIdea(ctx, "idea-1")
	require.NoError(t, err)
	assert.Equal(t, model.StageStatusCompleted, again.EvaluationStatus)
	require.NotNil(t, again.WeightedTotalScore)
	assert.InDelta(t, 8.7, *again.WeightedTotalScore, 1e-9)
	assert.Equal(t, 3, again.Pins[model.PurposeEvaluation].Version)
}

func TestSQLite_Idea_LoadMissing(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.LoadIdea(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
}

func TestSQLite_ListIdeas_Filter(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	done := model.NewIdea("done", "", "Done", "")
	for _, s := range model.Stages {
		done.SetStatus(s, model.StageStatusCompleted, "")
	}
	failed := model.NewIdea("failed", "", "Failed", "")
	failed.SetStatus(model.StageExtraction, model.StageStatusCompleted, "")
	failed.SetStatus(model.StageClassification, model.StageStatusFailed, "malformed_response: bad")
	pending := model.NewIdea("pending", "", "Pending", "")

	for _, i := range []*model.Idea{done, failed, pending} {
		require.NoError(t, st.SaveIdea(ctx, i))
	}

	all, err := st.ListIdeas(ctx, IdeaFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	work, err := st.ListIdeas(ctx, IdeaFilter{
		Stages:   []model.Stage{model.StageExtraction, model.StageClassification, model.StageEvaluation},
		Statuses: []model.StageStatus{model.StageStatusPending, model.StageStatusInProgress},
	})
	require.NoError(t, err)
	require.Len(t, work, 2)
	ids := []string{work[0].ID, work[1].ID}
	assert.ElementsMatch(t, []string{"failed", "pending"}, ids)

	retry, err := st.ListIdeas(ctx, IdeaFilter{
		Stages:   []model.Stage{model.StageClassification},
		Statuses: []model.StageStatus{model.StageStatusFailed},
	})
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, "failed", retry[0].ID)
	assert.Equal(t, "malformed_response: bad", retry[0].StageErrors[model.StageClassification])

	unblocked, err := st.ListIdeas(ctx, IdeaFilter{
		Stages:        []model.Stage{model.StageExtraction, model.StageClassification, model.StageEvaluation},
		Statuses:      []model.StageStatus{model.StageStatusPending, model.StageStatusInProgress},
		ExcludeFailed: []model.Stage{model.StageClassification, model.StageEvaluation},
	})
	require.NoError(t, err)
	require.Len(t, unblocked, 1)
	assert.Equal(t, "pending", unblocked[0].ID)

	limited, err := st.ListIdeas(ctx, IdeaFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	_, err = st.ListIdeas(ctx, IdeaFilter{Stages: []model.Stage{"bogus"}, Statuses: []model.StageStatus{model.StageStatusPending}})
	assert.Error(t, err)
}

// --- Rubrics ---

func TestSQLite_Rubrics(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	n, err := st.UpsertRubrics(ctx, []model.Rubric{
		{ID: "feasibility", Name: "Feasibility", ScaleMin: 0, ScaleMax: 5, Weight: 20, IsActive: true, DisplayOrder: 3},
		{ID: "novelty", Name: "Novelty", ScaleMin: 0, ScaleMax: 5, Weight: 20, IsActive: true, DisplayOrder: 1},
		{ID: "legacy", Name: "Legacy", ScaleMin: 0, ScaleMax: 5, Weight: 10, IsActive: false, DisplayOrder: 2},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	active, err := st.ListActiveRubrics(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "novelty", active[0].ID)
	assert.Equal(t, "feasibility", active[1].ID)
	assert.True(t, active[0].IsActive)
	assert.InDelta(t, 5.0, active[0].ScaleMax, 1e-9)

	require.NoError(t, st.UpsertRubric(ctx, model.Rubric{ID: "legacy", Name: "Legacy v2", ScaleMax: 10, Weight: 15, IsActive: true, DisplayOrder: 2}))

	all, err := st.ListRubrics(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "Legacy v2", all[1].Name)
	assert.True(t, all[1].IsActive)

	assert.Error(t, st.UpsertRubric(ctx, model.Rubric{Name: "no id"}))
}

// --- Model configurations ---

func newConfig(name string, purpose model.Purpose) *model.ModelConfig {
	return &model.ModelConfig{
		Name:     name,
		Provider: model.ProviderOpenAI,
		Purpose:  purpose,
		Settings: model.ModelSettings{Model: "gpt-4o", Credential: "sk-test", RateLimit: 60, MaxTokens: 2048},
	}
}

func TestSQLite_ModelConfig_SaveVersions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cfg := newConfig("primary", model.PurposeEvaluation)
	require.NoError(t, st.SaveModelConfig(ctx, cfg))
	assert.NotEmpty(t, cfg.ID)
	assert.Equal(t, 1, cfg.Version)
	assert.Equal(t, model.ConfigStatusDraft, cfg.Status)

	cfg.Settings.Model = "gpt-4.1"
	require.NoError(t, st.SaveModelConfig(ctx, cfg))
	assert.Equal(t, 2, cfg.Version)

	got, err := st.GetModelConfig(ctx, cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, "gpt-4.1", got.Settings.Model)
	assert.Equal(t, 60, got.Settings.RateLimit)
	assert.Equal(t, model.ProviderOpenAI, got.Provider)

	_, err = st.GetModelConfig(ctx, "missing")
	assert.True(t, IsNotFound(err))
}

func TestSQLite_ModelConfig_Revisions(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	cfg := newConfig("primary", model.PurposeEvaluation)
	require.NoError(t, st.SaveModelConfig(ctx, cfg))
	cfg.Settings.Model = "gpt-4.1"
	cfg.Status = model.ConfigStatusTested
	require.NoError(t, st.SaveModelConfig(ctx, cfg))

	v1, err := st.GetModelConfigRevision(ctx, cfg.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, "gpt-4o", v1.Settings.Model)
	assert.Equal(t, model.ConfigStatusTested, v1.Status, "lifecycle fields are current")

	v2, err := st.GetModelConfigRevision(ctx, cfg.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4.1", v2.Settings.Model)

	_, err = st.GetModelConfigRevision(ctx, cfg.ID, 3)
	assert.True(t, IsNotFound(err))
	_, err = st.GetModelConfigRevision(ctx, "missing", 1)
	assert.True(t, IsNotFound(err))
}

func TestSQLite_ModelConfig_Activation(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	none, err := st.GetActiveModelConfig(ctx, model.PurposeEvaluation)
	require.NoError(t, err)
	assert.Nil(t, none)

	first := newConfig("first", model.PurposeEvaluation)
	second := newConfig("second", model.PurposeEvaluation)
	verifier := newConfig("verifier", model.PurposeVerification)
	for _, c := range []*model.ModelConfig{first, second, verifier} {
		require.NoError(t, st.SaveModelConfig(ctx, c))
	}

	// Draft configs cannot be activated.
	err = st.ActivateModelConfig(ctx, first.ID, model.PurposeEvaluation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only tested or inactive")

	require.NoError(t, st.SetModelConfigStatus(ctx, first.ID, model.ConfigStatusTested))
	require.NoError(t, st.SetModelConfigStatus(ctx, second.ID, model.ConfigStatusTested))
	require.NoError(t, st.SetModelConfigStatus(ctx, verifier.ID, model.ConfigStatusTested))

	require.NoError(t, st.ActivateModelConfig(ctx, first.ID, model.PurposeEvaluation))
	require.NoError(t, st.ActivateModelConfig(ctx, verifier.ID, model.PurposeVerification))

	active, err := st.GetActiveModelConfig(ctx, model.PurposeEvaluation)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, first.ID, active.ID)
	assert.Equal(t, model.ConfigStatusActive, active.Status)

	// Activating the second deactivates the first, leaving verification alone.
	require.NoError(t, st.ActivateModelConfig(ctx, second.ID, model.PurposeEvaluation))

	active, err = st.GetActiveModelConfig(ctx, model.PurposeEvaluation)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	prev, err := st.GetModelConfig(ctx, first.ID)
	require.NoError(t, err)
	assert.False(t, prev.IsActive)
	assert.Equal(t, model.ConfigStatusInactive, prev.Status)

	ver, err := st.GetActiveModelConfig(ctx, model.PurposeVerification)
	require.NoError(t, err)
	assert.Equal(t, verifier.ID, ver.ID)

	// Inactive configs can be re-activated.
	require.NoError(t, st.ActivateModelConfig(ctx, first.ID, model.PurposeEvaluation))

	all, err := st.ListModelConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	var activeCount int
	for _, c := range all {
		if c.IsActive && c.Purpose == model.PurposeEvaluation {
			activeCount++
		}
	}
	assert.Equal(t, 1, activeCount)
}

func TestSQLite_ModelConfig_SetStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	assert.True(t, IsNotFound(st.SetModelConfigStatus(ctx, "missing", model.ConfigStatusTested)))

	cfg := newConfig("c", model.PurposeEvaluation)
	require.NoError(t, st.SaveModelConfig(ctx, cfg))
	err := st.SetModelConfigStatus(ctx, cfg.ID, model.ConfigStatusActive)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ActivateModelConfig")
}

// --- Runs ---

func TestSQLite_Runs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	run := &model.Run{
		Status:  model.RunStatusRunning,
		Pins:    map[model.Purpose]model.ConfigPin{model.PurposeEvaluation: {ConfigID: "cfg", Version: 2}},
		Summary: model.NewRunSummary(),
	}
	require.NoError(t, st.SaveRun(ctx, run))
	require.NotEmpty(t, run.ID)

	run.Summary.Ideas = 4
	run.Summary.Record(model.StageEvaluation, model.StageStatusCompleted)
	run.Status = model.RunStatusComplete
	finished := time.Now().UTC()
	run.FinishedAt = &finished
	require.NoError(t, st.SaveRun(ctx, run))

	runs, err := st.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunStatusComplete, runs[0].Status)
	assert.Equal(t, 4, runs[0].Summary.Ideas)
	assert.Equal(t, 1, runs[0].Summary.Stages[model.StageEvaluation].Succeeded)
	assert.Equal(t, 2, runs[0].Pins[model.PurposeEvaluation].Version)
	require.NotNil(t, runs[0].FinishedAt)

	none, err := st.ListRuns(ctx, RunFilter{Status: model.RunStatusFailed})
	require.NoError(t, err)
	assert.Empty(t, none)
}
