package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/idea-eval/internal/db"
	"github.com/sells-group/idea-eval/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

var configCols = []string{"id", "name", "provider", "settings", "status", "purpose", "version", "is_active", "notes", "created_at", "updated_at"}

func configRow(id string, status model.ConfigStatus, active bool) []any {
	settings, _ := json.Marshal(model.ModelSettings{Model: "claude-sonnet-4-5", RateLimit: 30})
	now := time.Now().UTC()
	return []any{id, "primary", "anthropic", settings, string(status), "evaluation", 4, active, "", now, now}
}

func TestPostgresStore_LoadIdea_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM ideas WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.LoadIdea(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadIdea(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	data, err := json.Marshal(model.NewIdea("idea-1", "sub", "Title", "Summary"))
	require.NoError(t, err)
	mock.ExpectQuery(`SELECT data FROM ideas WHERE id = \$1`).
		WithArgs("idea-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow(data))

	got, err := s.LoadIdea(context.Background(), "idea-1")
	require.NoError(t, err)
	assert.Equal(t, "Title", got.Title)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveIdea(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	idea := model.NewIdea("idea-1", "sub", "Title", "Summary")
	idea.SetStatus(model.StageExtraction, model.StageStatusSkipped, "")
	idea.State = model.StateSkipped

	mock.ExpectExec(`INSERT INTO ideas .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("idea-1", "sub", "skipped", "skipped", "pending", "pending", "pending",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveIdea(context.Background(), idea))
	assert.False(t, idea.UpdatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListIdeas_Placeholders(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM ideas WHERE \(extraction_status IN \(\$1, \$2\) OR evaluation_status IN \(\$3, \$4\)\) ORDER BY created_at, id LIMIT \$5 OFFSET \$6`).
		WithArgs("pending", "failed", "pending", "failed", 10, 20).
		WillReturnRows(pgxmock.NewRows([]string{"data"}))

	ideas, err := s.ListIdeas(context.Background(), IdeaFilter{
		Stages:   []model.Stage{model.StageExtraction, model.StageEvaluation},
		Statuses: []model.StageStatus{model.StageStatusPending, model.StageStatusFailed},
		Limit:    10,
		Offset:   20,
	})
	require.NoError(t, err)
	assert.Empty(t, ideas)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListIdeas_ExcludeFailed(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM ideas WHERE \(classification_status IN \(\$1\) OR evaluation_status IN \(\$2\)\) AND classification_status <> \$3 AND evaluation_status <> \$4 ORDER BY created_at, id LIMIT \$5`).
		WithArgs("pending", "pending", "failed", "failed", 100).
		WillReturnRows(pgxmock.NewRows([]string{"data"}))

	_, err := s.ListIdeas(context.Background(), IdeaFilter{
		Stages:        []model.Stage{model.StageClassification, model.StageEvaluation},
		Statuses:      []model.StageStatus{model.StageStatusPending},
		ExcludeFailed: []model.Stage{model.StageClassification, model.StageEvaluation},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetActiveModelConfig_None(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM model_configs WHERE purpose = \$1 AND is_active`).
		WithArgs("verification").
		WillReturnError(pgx.ErrNoRows)

	cfg, err := s.GetActiveModelConfig(context.Background(), model.PurposeVerification)
	require.NoError(t, err)
	assert.Nil(t, cfg)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetActiveModelConfig(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM model_configs WHERE purpose = \$1 AND is_active`).
		WithArgs("evaluation").
		WillReturnRows(pgxmock.NewRows(configCols).AddRow(configRow("cfg-1", model.ConfigStatusActive, true)...))

	cfg, err := s.GetActiveModelConfig(context.Background(), model.PurposeEvaluation)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "cfg-1", cfg.ID)
	assert.Equal(t, model.ProviderAnthropic, cfg.Provider)
	assert.Equal(t, 4, cfg.Version)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Settings.Model)
	assert.Equal(t, "cfg-1@v4", cfg.Key())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveModelConfig_BumpsVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO model_configs .* ON CONFLICT \(id\) DO UPDATE .* version = model_configs.version \+ 1 .* RETURNING version`).
		WithArgs("cfg-1", "primary", "anthropic", pgxmock.AnyArg(), "tested", "evaluation", "", pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"version"}).AddRow(5))
	mock.ExpectExec(`INSERT INTO model_config_revisions`).
		WithArgs("cfg-1", 5, "primary", "anthropic", pgxmock.AnyArg(), "evaluation", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	cfg := &model.ModelConfig{ID: "cfg-1", Name: "primary", Provider: model.ProviderAnthropic, Status: model.ConfigStatusTested, Purpose: model.PurposeEvaluation}
	require.NoError(t, s.SaveModelConfig(context.Background(), cfg))
	assert.Equal(t, 5, cfg.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetModelConfigRevision(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM model_config_revisions r JOIN model_configs c ON c.id = r.config_id\s+WHERE r.config_id = \$1 AND r.version = \$2`).
		WithArgs("cfg-1", 4).
		WillReturnRows(pgxmock.NewRows(configCols).AddRow(configRow("cfg-1", model.ConfigStatusActive, true)...))

	cfg, err := s.GetModelConfigRevision(context.Background(), "cfg-1", 4)
	require.NoError(t, err)
	assert.Equal(t, "cfg-1@v4", cfg.Key())
	assert.Equal(t, "claude-sonnet-4-5", cfg.Settings.Model)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetModelConfigRevision_Missing(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM model_config_revisions`).
		WithArgs("cfg-1", 2).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`FROM model_configs WHERE id = \$1`).
		WithArgs("cfg-1").
		WillReturnRows(pgxmock.NewRows(configCols).AddRow(configRow("cfg-1", model.ConfigStatusActive, true)...))

	_, err := s.GetModelConfigRevision(context.Background(), "cfg-1", 2)
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActivateModelConfig(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM model_configs WHERE id = \$1`).
		WithArgs("cfg-2").
		WillReturnRows(pgxmock.NewRows(configCols).AddRow(configRow("cfg-2", model.ConfigStatusTested, false)...))
	mock.ExpectExec(`UPDATE model_configs SET is_active = false`).
		WithArgs("inactive", pgxmock.AnyArg(), "evaluation", "cfg-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE model_configs SET is_active = true`).
		WithArgs("active", "evaluation", pgxmock.AnyArg(), "cfg-2").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, s.ActivateModelConfig(context.Background(), "cfg-2", model.PurposeEvaluation))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ActivateModelConfig_RejectsDraft(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FROM model_configs WHERE id = \$1`).
		WithArgs("cfg-3").
		WillReturnRows(pgxmock.NewRows(configCols).AddRow(configRow("cfg-3", model.ConfigStatusDraft, false)...))
	mock.ExpectRollback()

	err := s.ActivateModelConfig(context.Background(), "cfg-3", model.PurposeEvaluation)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only tested or inactive")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SetModelConfigStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE model_configs SET status = \$1`).
		WithArgs("tested", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.SetModelConfigStatus(context.Background(), "missing", model.ConfigStatusTested)
	assert.True(t, IsNotFound(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRubrics_Bulk(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_rubrics"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{db.TempTableName("rubrics")}, rubricUpsert.Columns).WillReturnResult(2)
	mock.ExpectExec(`INSERT INTO "rubrics" .* ON CONFLICT \("id"\) DO UPDATE`).
		WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()

	n, err := s.UpsertRubrics(context.Background(), []model.Rubric{
		{ID: "novelty", Name: "Novelty", ScaleMax: 5, Weight: 50, IsActive: true},
		{ID: "feasibility", Name: "Feasibility", ScaleMax: 5, Weight: 50, IsActive: true},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertRubric(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO "rubrics" \("id", .*\) VALUES \(\$1, .*\$10\) ON CONFLICT \("id"\)`).
		WithArgs("novelty", "Novelty", "", "", 0.0, 5.0, 20.0, true, 1, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.UpsertRubric(context.Background(), model.Rubric{ID: "novelty", Name: "Novelty", ScaleMax: 5, Weight: 20, IsActive: true, DisplayOrder: 1})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO runs .* ON CONFLICT \(id\) DO UPDATE`).
		WithArgs("run-1", "complete", pgxmock.AnyArg(), pgxmock.AnyArg(), "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveRun(context.Background(), &model.Run{ID: "run-1", Status: model.RunStatusComplete, Summary: model.NewRunSummary()})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
