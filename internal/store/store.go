// Package store persists ideas, rubrics, model configurations and run
// records. SQLite backs local runs; Postgres backs shared deployments.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/idea-eval/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = eris.New("not found")

// IdeaFilter selects ideas. An idea matches when any of Stages has a status
// in Statuses. Empty Stages or Statuses match every idea. Ideas with a
// failed status on any of ExcludeFailed never match.
type IdeaFilter struct {
	Stages        []model.Stage       `json:"stages,omitempty"`
	Statuses      []model.StageStatus `json:"statuses,omitempty"`
	ExcludeFailed []model.Stage       `json:"exclude_failed,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
	Offset        int                 `json:"offset,omitempty"`
}

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the evaluation pipeline.
type Store interface {
	// Ideas
	LoadIdea(ctx context.Context, id string) (*model.Idea, error)
	SaveIdea(ctx context.Context, idea *model.Idea) error
	ListIdeas(ctx context.Context, filter IdeaFilter) ([]model.Idea, error)

	// Rubrics
	ListActiveRubrics(ctx context.Context) ([]model.Rubric, error)
	ListRubrics(ctx context.Context) ([]model.Rubric, error)
	UpsertRubric(ctx context.Context, r model.Rubric) error
	UpsertRubrics(ctx context.Context, rubrics []model.Rubric) (int64, error)

	// Model configurations
	GetActiveModelConfig(ctx context.Context, purpose model.Purpose) (*model.ModelConfig, error)
	GetModelConfig(ctx context.Context, id string) (*model.ModelConfig, error)
	GetModelConfigRevision(ctx context.Context, id string, version int) (*model.ModelConfig, error)
	ListModelConfigs(ctx context.Context) ([]model.ModelConfig, error)
	SaveModelConfig(ctx context.Context, cfg *model.ModelConfig) error
	SetModelConfigStatus(ctx context.Context, id string, status model.ConfigStatus) error
	ActivateModelConfig(ctx context.Context, id string, purpose model.Purpose) error

	// Runs
	SaveRun(ctx context.Context, run *model.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return eris.Is(err, ErrNotFound)
}

type configGetter interface {
	GetModelConfig(ctx context.Context, id string) (*model.ModelConfig, error)
}

// currentRevision serves a revision request from the live row when no
// revision was recorded for it, as for configs saved before revisions
// were kept.
func currentRevision(ctx context.Context, st configGetter, id string, version int) (*model.ModelConfig, error) {
	cfg, err := st.GetModelConfig(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.Version != version {
		return nil, eris.Wrapf(ErrNotFound, "model config %s v%d", id, version)
	}
	return cfg, nil
}

func defaultLimit(n int) int {
	if n <= 0 {
		return 100
	}
	return n
}

// stageColumn maps a stage to its status column.
func stageColumn(s model.Stage) (string, error) {
	if _, ok := model.ParseStage(string(s)); !ok {
		return "", eris.Errorf("store: unknown stage %q", s)
	}
	return string(s) + "_status", nil
}

// canActivate enforces the activation rule shared by both backends.
func canActivate(cfg *model.ModelConfig) error {
	if cfg.Status == model.ConfigStatusActive && cfg.IsActive {
		return nil
	}
	if !cfg.Status.CanActivate() {
		return eris.Errorf("store: config %s is %s; only tested or inactive configs can be activated", cfg.ID, cfg.Status)
	}
	return nil
}

func checkSettableStatus(status model.ConfigStatus) error {
	switch status {
	case model.ConfigStatusDraft, model.ConfigStatusTested, model.ConfigStatusInactive:
		return nil
	case model.ConfigStatusActive:
		return eris.New("store: use ActivateModelConfig to activate a config")
	default:
		return eris.Errorf("store: unknown config status %q", status)
	}
}
