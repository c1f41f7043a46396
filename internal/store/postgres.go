package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/idea-eval/internal/db"
	"github.com/sells-group/idea-eval/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the most frequently used store operations.
var preparedStatements = map[string]string{
	"load_idea":           `SELECT data FROM ideas WHERE id = $1`,
	"save_idea":           pgSaveIdea,
	"list_active_rubrics": pgListActiveRubrics,
	"get_active_config":   `SELECT ` + modelConfigColumns + ` FROM model_configs WHERE purpose = $1 AND is_active`,
	"get_model_config":    `SELECT ` + modelConfigColumns + ` FROM model_configs WHERE id = $1`,
	"save_run":            pgSaveRun,
}

const (
	pgSaveIdea = `INSERT INTO ideas (id, submission_id, state, extraction_status, classification_status,
		evaluation_status, verification_status, data, created_at, updated_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	 ON CONFLICT (id) DO UPDATE SET
		submission_id = EXCLUDED.submission_id, state = EXCLUDED.state,
		extraction_status = EXCLUDED.extraction_status,
		classification_status = EXCLUDED.classification_status,
		evaluation_status = EXCLUDED.evaluation_status,
		verification_status = EXCLUDED.verification_status,
		data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`

	pgListActiveRubrics = `SELECT ` + rubricColumns + ` FROM rubrics WHERE is_active ORDER BY display_order, id`
	pgListRubrics       = `SELECT ` + rubricColumns + ` FROM rubrics ORDER BY display_order, id`

	pgSaveRun = `INSERT INTO runs (id, status, pins, summary, error, started_at, finished_at)
	 VALUES ($1, $2, $3, $4, $5, $6, $7)
	 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, pins = EXCLUDED.pins,
		summary = EXCLUDED.summary, error = EXCLUDED.error, finished_at = EXCLUDED.finished_at`
)

var rubricUpsert = db.UpsertConfig{
	Table: "rubrics",
	Columns: []string{
		"id", "name", "description", "guidance", "scale_min", "scale_max",
		"weight", "is_active", "display_order", "updated_at",
	},
	ConflictKeys: []string{"id"},
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS ideas (
	id                    TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	submission_id         TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL DEFAULT 'pending',
	extraction_status     TEXT NOT NULL DEFAULT 'pending',
	classification_status TEXT NOT NULL DEFAULT 'pending',
	evaluation_status     TEXT NOT NULL DEFAULT 'pending',
	verification_status   TEXT NOT NULL DEFAULT 'pending',
	data                  JSONB NOT NULL,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS rubrics (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	guidance      TEXT NOT NULL DEFAULT '',
	scale_min     DOUBLE PRECISION NOT NULL DEFAULT 0,
	scale_max     DOUBLE PRECISION NOT NULL DEFAULT 10,
	weight        DOUBLE PRECISION NOT NULL DEFAULT 0,
	is_active     BOOLEAN NOT NULL DEFAULT true,
	display_order INTEGER NOT NULL DEFAULT 0,
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS model_configs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	name       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	settings   JSONB NOT NULL,
	status     TEXT NOT NULL DEFAULT 'draft',
	purpose    TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 1,
	is_active  BOOLEAN NOT NULL DEFAULT false,
	notes      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS model_config_revisions (
	config_id  TEXT NOT NULL REFERENCES model_configs(id) ON DELETE CASCADE,
	version    INTEGER NOT NULL,
	name       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	settings   JSONB NOT NULL,
	purpose    TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (config_id, version)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	status      TEXT NOT NULL DEFAULT 'running',
	pins        JSONB,
	summary     JSONB,
	error       TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_ideas_state ON ideas(state);
CREATE INDEX IF NOT EXISTS idx_ideas_created_at ON ideas(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_model_configs_active_purpose ON model_configs(purpose) WHERE is_active;
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Ideas ---

func (s *PostgresStore) LoadIdea(ctx context.Context, id string) (*model.Idea, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM ideas WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: idea %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: load idea %s", id)
	}
	var idea model.Idea
	if err := json.Unmarshal(data, &idea); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal idea %s", id)
	}
	return &idea, nil
}

func (s *PostgresStore) SaveIdea(ctx context.Context, idea *model.Idea) error {
	if idea.ID == "" {
		idea.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if idea.CreatedAt.IsZero() {
		idea.CreatedAt = now
	}
	idea.UpdatedAt = now

	data, err := json.Marshal(idea)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal idea")
	}

	_, err = s.pool.Exec(ctx, pgSaveIdea,
		idea.ID, idea.SubmissionID, string(idea.State),
		string(idea.Status(model.StageExtraction)), string(idea.Status(model.StageClassification)),
		string(idea.Status(model.StageEvaluation)), string(idea.Status(model.StageVerification)),
		data, idea.CreatedAt, idea.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save idea %s", idea.ID)
}

func (s *PostgresStore) ListIdeas(ctx context.Context, filter IdeaFilter) ([]model.Idea, error) {
	where, args, err := ideaWhere(filter, func(n int) string { return fmt.Sprintf("$%d", n) })
	if err != nil {
		return nil, err
	}
	args = append(args, defaultLimit(filter.Limit))
	query := `SELECT data FROM ideas` + where + fmt.Sprintf(` ORDER BY created_at, id LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ideas")
	}
	defer rows.Close()

	var ideas []model.Idea
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan idea")
		}
		var idea model.Idea
		if err := json.Unmarshal(data, &idea); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal idea")
		}
		ideas = append(ideas, idea)
	}
	return ideas, eris.Wrap(rows.Err(), "postgres: list ideas iterate")
}

// --- Rubrics ---

func (s *PostgresStore) ListActiveRubrics(ctx context.Context) ([]model.Rubric, error) {
	return s.queryRubrics(ctx, pgListActiveRubrics)
}

func (s *PostgresStore) ListRubrics(ctx context.Context) ([]model.Rubric, error) {
	return s.queryRubrics(ctx, pgListRubrics)
}

func (s *PostgresStore) queryRubrics(ctx context.Context, query string) ([]model.Rubric, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list rubrics")
	}
	defer rows.Close()

	var out []model.Rubric
	for rows.Next() {
		var r model.Rubric
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Guidance, &r.ScaleMin, &r.ScaleMax,
			&r.Weight, &r.IsActive, &r.DisplayOrder, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan rubric")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list rubrics iterate")
}

func rubricRow(r model.Rubric, now time.Time) []any {
	return []any{r.ID, r.Name, r.Description, r.Guidance, r.ScaleMin, r.ScaleMax, r.Weight, r.IsActive, r.DisplayOrder, now}
}

func (s *PostgresStore) UpsertRubric(ctx context.Context, r model.Rubric) error {
	if r.ID == "" {
		return eris.New("postgres: rubric id is required")
	}
	query, err := db.UpsertSQL(rubricUpsert)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, query, rubricRow(r, time.Now().UTC())...)
	return eris.Wrapf(err, "postgres: upsert rubric %s", r.ID)
}

// UpsertRubrics writes a rubric set in one COPY-backed bulk upsert.
func (s *PostgresStore) UpsertRubrics(ctx context.Context, rubrics []model.Rubric) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(rubrics))
	for _, r := range rubrics {
		if r.ID == "" {
			return 0, eris.New("postgres: rubric id is required")
		}
		rows = append(rows, rubricRow(r, now))
	}
	n, err := db.BulkUpsert(ctx, s.pool, rubricUpsert, rows)
	return n, eris.Wrap(err, "postgres: upsert rubrics")
}

// --- Model configurations ---

func (s *PostgresStore) GetActiveModelConfig(ctx context.Context, purpose model.Purpose) (*model.ModelConfig, error) {
	cfg, err := scanPgModelConfig(s.pool.QueryRow(ctx,
		`SELECT `+modelConfigColumns+` FROM model_configs WHERE purpose = $1 AND is_active`,
		string(purpose),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get active %s config", purpose)
	}
	return cfg, nil
}

func (s *PostgresStore) GetModelConfig(ctx context.Context, id string) (*model.ModelConfig, error) {
	return getPgModelConfig(ctx, s.pool, id)
}

func getPgModelConfig(ctx context.Context, pool db.Pool, id string) (*model.ModelConfig, error) {
	cfg, err := scanPgModelConfig(pool.QueryRow(ctx,
		`SELECT `+modelConfigColumns+` FROM model_configs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: model config %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get model config %s", id)
	}
	return cfg, nil
}

func (s *PostgresStore) ListModelConfigs(ctx context.Context) ([]model.ModelConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+modelConfigColumns+` FROM model_configs ORDER BY purpose, is_active DESC, name`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list model configs")
	}
	defer rows.Close()

	var out []model.ModelConfig
	for rows.Next() {
		cfg, err := scanPgModelConfig(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan model config")
		}
		out = append(out, *cfg)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list model configs iterate")
}

// SaveModelConfig inserts a new configuration at version 1 or updates an
// existing one and increments its version. Every version is also kept as a
// revision so runs pinned to it can still load it.
func (s *PostgresStore) SaveModelConfig(ctx context.Context, cfg *model.ModelConfig) error {
	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Status == "" {
		cfg.Status = model.ConfigStatusDraft
	}
	settings, err := json.Marshal(cfg.Settings)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal settings")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save model config")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var version int
	err = tx.QueryRow(ctx,
		`INSERT INTO model_configs (id, name, provider, settings, status, purpose, version, is_active, notes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 1, false, $7, $8, $8)
		 ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, provider = EXCLUDED.provider,
			settings = EXCLUDED.settings, status = EXCLUDED.status, purpose = EXCLUDED.purpose,
			notes = EXCLUDED.notes, version = model_configs.version + 1, updated_at = EXCLUDED.updated_at
		 RETURNING version`,
		cfg.ID, cfg.Name, string(cfg.Provider), settings, string(cfg.Status), string(cfg.Purpose), cfg.Notes, now,
	).Scan(&version)
	if err != nil {
		return eris.Wrapf(err, "postgres: save model config %s", cfg.ID)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO model_config_revisions (config_id, version, name, provider, settings, purpose, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (config_id, version) DO UPDATE SET name = EXCLUDED.name, provider = EXCLUDED.provider,
			settings = EXCLUDED.settings, purpose = EXCLUDED.purpose`,
		cfg.ID, version, cfg.Name, string(cfg.Provider), settings, string(cfg.Purpose), now,
	); err != nil {
		return eris.Wrapf(err, "postgres: record model config %s v%d", cfg.ID, version)
	}
	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit save model config")
	}

	if version == 1 {
		cfg.CreatedAt = now
		cfg.IsActive = false
	}
	cfg.Version = version
	cfg.UpdatedAt = now
	return nil
}

// GetModelConfigRevision returns the configuration as it was at version.
// Lifecycle fields (status, active flag) are the current ones.
func (s *PostgresStore) GetModelConfigRevision(ctx context.Context, id string, version int) (*model.ModelConfig, error) {
	cfg, err := scanPgModelConfig(s.pool.QueryRow(ctx,
		`SELECT c.id, r.name, r.provider, r.settings, c.status, r.purpose, r.version,
			c.is_active, c.notes, c.created_at, c.updated_at
		 FROM model_config_revisions r JOIN model_configs c ON c.id = r.config_id
		 WHERE r.config_id = $1 AND r.version = $2`, id, version))
	if errors.Is(err, pgx.ErrNoRows) {
		return currentRevision(ctx, s, id, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get model config %s v%d", id, version)
	}
	return cfg, nil
}

// SetModelConfigStatus records a lifecycle status other than active and
// clears the active flag. Use ActivateModelConfig to activate.
func (s *PostgresStore) SetModelConfigStatus(ctx context.Context, id string, status model.ConfigStatus) error {
	if err := checkSettableStatus(status); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE model_configs SET status = $1, is_active = false, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set model config status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "model config %s", id)
	}
	return nil
}

// ActivateModelConfig makes id the single active configuration for purpose,
// deactivating the previous one in the same transaction.
func (s *PostgresStore) ActivateModelConfig(ctx context.Context, id string, purpose model.Purpose) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin activate")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	cfg, err := getPgModelConfig(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := canActivate(cfg); err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`UPDATE model_configs SET is_active = false, status = $1, updated_at = $2
		 WHERE purpose = $3 AND is_active AND id <> $4`,
		string(model.ConfigStatusInactive), now, string(purpose), id,
	); err != nil {
		return eris.Wrapf(err, "postgres: deactivate %s configs", purpose)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE model_configs SET is_active = true, status = $1, purpose = $2, updated_at = $3 WHERE id = $4`,
		string(model.ConfigStatusActive), string(purpose), now, id,
	); err != nil {
		return eris.Wrapf(err, "postgres: activate model config %s", id)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit activate")
}

// --- Runs ---

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	pins, err := json.Marshal(run.Pins)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal pins")
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	_, err = s.pool.Exec(ctx, pgSaveRun,
		run.ID, string(run.Status), pins, summary, run.Error, run.StartedAt, run.FinishedAt,
	)
	return eris.Wrapf(err, "postgres: save run %s", run.ID)
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, pins, summary, error, started_at, finished_at FROM runs WHERE true`
	args := []any{}

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, defaultLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		var (
			r       model.Run
			pins    []byte
			summary []byte
		)
		if err := rows.Scan(&r.ID, &r.Status, &pins, &summary, &r.Error, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		if len(pins) > 0 {
			if err := json.Unmarshal(pins, &r.Pins); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal pins")
			}
		}
		if len(summary) > 0 {
			if err := json.Unmarshal(summary, &r.Summary); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal summary")
			}
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func scanPgModelConfig(row pgx.Row) (*model.ModelConfig, error) {
	var (
		cfg      model.ModelConfig
		settings []byte
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Provider, &settings, &cfg.Status, &cfg.Purpose,
		&cfg.Version, &cfg.IsActive, &cfg.Notes, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(settings, &cfg.Settings); err != nil {
		return nil, eris.Wrap(err, "unmarshal settings")
	}
	return &cfg, nil
}
