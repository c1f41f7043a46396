package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/idea-eval/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One writer at a time; pipeline workers share the handle.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS ideas (
	id                    TEXT PRIMARY KEY,
	submission_id         TEXT NOT NULL DEFAULT '',
	state                 TEXT NOT NULL DEFAULT 'pending',
	extraction_status     TEXT NOT NULL DEFAULT 'pending',
	classification_status TEXT NOT NULL DEFAULT 'pending',
	evaluation_status     TEXT NOT NULL DEFAULT 'pending',
	verification_status   TEXT NOT NULL DEFAULT 'pending',
	data                  TEXT NOT NULL,
	created_at            DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at            DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS rubrics (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	guidance      TEXT NOT NULL DEFAULT '',
	scale_min     REAL NOT NULL DEFAULT 0,
	scale_max     REAL NOT NULL DEFAULT 10,
	weight        REAL NOT NULL DEFAULT 0,
	is_active     INTEGER NOT NULL DEFAULT 1,
	display_order INTEGER NOT NULL DEFAULT 0,
	updated_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS model_configs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	settings   TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'draft',
	purpose    TEXT NOT NULL DEFAULT '',
	version    INTEGER NOT NULL DEFAULT 1,
	is_active  INTEGER NOT NULL DEFAULT 0,
	notes      TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS model_config_revisions (
	config_id  TEXT NOT NULL,
	version    INTEGER NOT NULL,
	name       TEXT NOT NULL,
	provider   TEXT NOT NULL,
	settings   TEXT NOT NULL,
	purpose    TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (config_id, version)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL DEFAULT 'running',
	pins        TEXT,
	summary     TEXT,
	error       TEXT NOT NULL DEFAULT '',
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_ideas_state ON ideas(state);
CREATE INDEX IF NOT EXISTS idx_ideas_created_at ON ideas(created_at);
CREATE UNIQUE INDEX IF NOT EXISTS idx_model_configs_active_purpose ON model_configs(purpose) WHERE is_active = 1;
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Ideas ---

func (s *SQLiteStore) LoadIdea(ctx context.Context, id string) (*model.Idea, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM ideas WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: idea %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: load idea %s", id)
	}
	var idea model.Idea
	if err := json.Unmarshal([]byte(data), &idea); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal idea %s", id)
	}
	return &idea, nil
}

func (s *SQLiteStore) SaveIdea(ctx context.Context, idea *model.Idea) error {
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
		return eris.Wrap(err, "sqlite: marshal idea")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ideas (id, submission_id, state, extraction_status, classification_status,
			evaluation_status, verification_status, data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			submission_id = excluded.submission_id, state = excluded.state,
			extraction_status = excluded.extraction_status,
			classification_status = excluded.classification_status,
			evaluation_status = excluded.evaluation_status,
			verification_status = excluded.verification_status,
			data = excluded.data, updated_at = excluded.updated_at`,
		idea.ID, idea.SubmissionID, string(idea.State),
		string(idea.Status(model.StageExtraction)), string(idea.Status(model.StageClassification)),
		string(idea.Status(model.StageEvaluation)), string(idea.Status(model.StageVerification)),
		string(data), idea.CreatedAt, idea.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save idea %s", idea.ID)
}

func (s *SQLiteStore) ListIdeas(ctx context.Context, filter IdeaFilter) ([]model.Idea, error) {
	where, args, err := ideaWhere(filter, func(int) string { return "?" })
	if err != nil {
		return nil, err
	}
	query := `SELECT data FROM ideas` + where + ` ORDER BY created_at, id LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ideas")
	}
	defer rows.Close() //nolint:errcheck

	var ideas []model.Idea
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan idea")
		}
		var idea model.Idea
		if err := json.Unmarshal([]byte(data), &idea); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal idea")
		}
		ideas = append(ideas, idea)
	}
	return ideas, eris.Wrap(rows.Err(), "sqlite: list ideas iterate")
}

// ideaWhere renders the IdeaFilter predicate. ph returns the placeholder
// for the n-th (1-based) argument.
func ideaWhere(filter IdeaFilter, ph func(n int) string) (string, []any, error) {
	var (
		args  []any
		conds []string
	)
	if len(filter.Stages) > 0 && len(filter.Statuses) > 0 {
		var clauses []string
		for _, st := range filter.Stages {
			col, err := stageColumn(st)
			if err != nil {
				return "", nil, err
			}
			marks := make([]string, len(filter.Statuses))
			for i, status := range filter.Statuses {
				args = append(args, string(status))
				marks[i] = ph(len(args))
			}
			clauses = append(clauses, col+" IN ("+strings.Join(marks, ", ")+")")
		}
		conds = append(conds, "("+strings.Join(clauses, " OR ")+")")
	}
	for _, st := range filter.ExcludeFailed {
		col, err := stageColumn(st)
		if err != nil {
			return "", nil, err
		}
		args = append(args, string(model.StageStatusFailed))
		conds = append(conds, col+" <> "+ph(len(args)))
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// --- Rubrics ---

const rubricColumns = `id, name, description, guidance, scale_min, scale_max, weight, is_active, display_order, updated_at`

func (s *SQLiteStore) ListActiveRubrics(ctx context.Context) ([]model.Rubric, error) {
	return s.queryRubrics(ctx, `SELECT `+rubricColumns+` FROM rubrics WHERE is_active = 1 ORDER BY display_order, id`)
}

func (s *SQLiteStore) ListRubrics(ctx context.Context) ([]model.Rubric, error) {
	return s.queryRubrics(ctx, `SELECT `+rubricColumns+` FROM rubrics ORDER BY display_order, id`)
}

func (s *SQLiteStore) queryRubrics(ctx context.Context, query string) ([]model.Rubric, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list rubrics")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Rubric
	for rows.Next() {
		var r model.Rubric
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Guidance, &r.ScaleMin, &r.ScaleMax,
			&r.Weight, &r.IsActive, &r.DisplayOrder, &r.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan rubric")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list rubrics iterate")
}

const sqliteUpsertRubric = `INSERT INTO rubrics (` + rubricColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		name = excluded.name, description = excluded.description, guidance = excluded.guidance,
		scale_min = excluded.scale_min, scale_max = excluded.scale_max, weight = excluded.weight,
		is_active = excluded.is_active, display_order = excluded.display_order,
		updated_at = excluded.updated_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertRubric(ctx context.Context, db execer, r model.Rubric) error {
	if r.ID == "" {
		return eris.New("sqlite: rubric id is required")
	}
	_, err := db.ExecContext(ctx, sqliteUpsertRubric,
		r.ID, r.Name, r.Description, r.Guidance, r.ScaleMin, r.ScaleMax,
		r.Weight, r.IsActive, r.DisplayOrder, time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert rubric %s", r.ID)
}

func (s *SQLiteStore) UpsertRubric(ctx context.Context, r model.Rubric) error {
	return upsertRubric(ctx, s.db, r)
}

func (s *SQLiteStore) UpsertRubrics(ctx context.Context, rubrics []model.Rubric) (int64, error) {
	if len(rubrics) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin rubric upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, r := range rubrics {
		if err := upsertRubric(ctx, tx, r); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit rubric upsert")
	}
	return int64(len(rubrics)), nil
}

// --- Model configurations ---

const modelConfigColumns = `id, name, provider, settings, status, purpose, version, is_active, notes, created_at, updated_at`

func (s *SQLiteStore) GetActiveModelConfig(ctx context.Context, purpose model.Purpose) (*model.ModelConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+modelConfigColumns+` FROM model_configs WHERE purpose = ? AND is_active = 1`,
		string(purpose),
	)
	cfg, err := scanModelConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get active %s config", purpose)
	}
	return cfg, nil
}

func (s *SQLiteStore) GetModelConfig(ctx context.Context, id string) (*model.ModelConfig, error) {
	return getModelConfig(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getModelConfig(ctx context.Context, db queryRower, id string) (*model.ModelConfig, error) {
	cfg, err := scanModelConfig(db.QueryRowContext(ctx,
		`SELECT `+modelConfigColumns+` FROM model_configs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: model config %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get model config %s", id)
	}
	return cfg, nil
}

func (s *SQLiteStore) ListModelConfigs(ctx context.Context) ([]model.ModelConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+modelConfigColumns+` FROM model_configs ORDER BY purpose, is_active DESC, name`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list model configs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ModelConfig
	for rows.Next() {
		cfg, err := scanModelConfig(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan model config")
		}
		out = append(out, *cfg)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list model configs iterate")
}

// SaveModelConfig inserts a new configuration at version 1 or updates an
// existing one and increments its version. Every version is also kept as a
// revision so runs pinned to it can still load it.
func (s *SQLiteStore) SaveModelConfig(ctx context.Context, cfg *model.ModelConfig) error {
	now := time.Now().UTC()
	if cfg.ID == "" {
		cfg.ID = uuid.New().String()
	}
	if cfg.Status == "" {
		cfg.Status = model.ConfigStatusDraft
	}
	settings, err := json.Marshal(cfg.Settings)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal settings")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save model config")
	}
	defer tx.Rollback() //nolint:errcheck

	var version int
	err = tx.QueryRowContext(ctx,
		`UPDATE model_configs SET name = ?, provider = ?, settings = ?, status = ?, purpose = ?,
			notes = ?, version = version + 1, updated_at = ?
		 WHERE id = ? RETURNING version`,
		cfg.Name, string(cfg.Provider), string(settings), string(cfg.Status), string(cfg.Purpose),
		cfg.Notes, now, cfg.ID,
	).Scan(&version)
	inserted := false
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows):
		version = 1
		inserted = true
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO model_configs (`+modelConfigColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cfg.ID, cfg.Name, string(cfg.Provider), string(settings), string(cfg.Status), string(cfg.Purpose),
			version, false, cfg.Notes, now, now,
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert model config %s", cfg.ID)
		}
	default:
		return eris.Wrapf(err, "sqlite: update model config %s", cfg.ID)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO model_config_revisions (config_id, version, name, provider, settings, purpose, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cfg.ID, version, cfg.Name, string(cfg.Provider), string(settings), string(cfg.Purpose), now,
	); err != nil {
		return eris.Wrapf(err, "sqlite: record model config %s v%d", cfg.ID, version)
	}
	if err := tx.Commit(); err != nil {
		return eris.Wrap(err, "sqlite: commit save model config")
	}

	cfg.Version = version
	cfg.UpdatedAt = now
	if inserted {
		cfg.IsActive = false
		cfg.CreatedAt = now
	}
	return nil
}

// GetModelConfigRevision returns the configuration as it was at version.
// Lifecycle fields (status, active flag) are the current ones.
func (s *SQLiteStore) GetModelConfigRevision(ctx context.Context, id string, version int) (*model.ModelConfig, error) {
	cfg, err := scanModelConfig(s.db.QueryRowContext(ctx, sqliteRevisionQuery, id, version))
	if errors.Is(err, sql.ErrNoRows) {
		return currentRevision(ctx, s, id, version)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get model config %s v%d", id, version)
	}
	return cfg, nil
}

const sqliteRevisionQuery = `SELECT c.id, r.name, r.provider, r.settings, c.status, r.purpose, r.version,
		c.is_active, c.notes, c.created_at, c.updated_at
	 FROM model_config_revisions r JOIN model_configs c ON c.id = r.config_id
	 WHERE r.config_id = ? AND r.version = ?`

// SetModelConfigStatus records a lifecycle status other than active and
// clears the active flag. Use ActivateModelConfig to activate.
func (s *SQLiteStore) SetModelConfigStatus(ctx context.Context, id string, status model.ConfigStatus) error {
	if err := checkSettableStatus(status); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE model_configs SET status = ?, is_active = 0, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set model config status %s", id)
	}
	return checkRowsAffected(res, "model config", id)
}

// ActivateModelConfig makes id the single active configuration for purpose,
// deactivating the previous one in the same transaction.
func (s *SQLiteStore) ActivateModelConfig(ctx context.Context, id string, purpose model.Purpose) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin activate")
	}
	defer tx.Rollback() //nolint:errcheck

	cfg, err := getModelConfig(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := canActivate(cfg); err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_configs SET is_active = 0, status = ?, updated_at = ?
		 WHERE purpose = ? AND is_active = 1 AND id <> ?`,
		string(model.ConfigStatusInactive), now, string(purpose), id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: deactivate %s configs", purpose)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE model_configs SET is_active = 1, status = ?, purpose = ?, updated_at = ? WHERE id = ?`,
		string(model.ConfigStatusActive), string(purpose), now, id,
	); err != nil {
		return eris.Wrapf(err, "sqlite: activate model config %s", id)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit activate")
}

// --- Runs ---

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	pins, err := json.Marshal(run.Pins)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal pins")
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, status, pins, summary, error, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET status = excluded.status, pins = excluded.pins,
			summary = excluded.summary, error = excluded.error, finished_at = excluded.finished_at`,
		run.ID, string(run.Status), string(pins), string(summary), run.Error, run.StartedAt, nullTime(run.FinishedAt),
	)
	return eris.Wrapf(err, "sqlite: save run %s", run.ID)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	query := `SELECT id, status, pins, summary, error, started_at, finished_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, defaultLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		var (
			r        model.Run
			pins     sql.NullString
			summary  sql.NullString
			finished sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Status, &pins, &summary, &r.Error, &r.StartedAt, &finished); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		if pins.Valid {
			if err := json.Unmarshal([]byte(pins.String), &r.Pins); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal pins")
			}
		}
		if summary.Valid {
			if err := json.Unmarshal([]byte(summary.String), &r.Summary); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal summary")
			}
		}
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanModelConfig(row scannable) (*model.ModelConfig, error) {
	var (
		cfg      model.ModelConfig
		settings string
	)
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.Provider, &settings, &cfg.Status, &cfg.Purpose,
		&cfg.Version, &cfg.IsActive, &cfg.Notes, &cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(settings), &cfg.Settings); err != nil {
		return nil, eris.Wrap(err, "unmarshal settings")
	}
	return &cfg, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
