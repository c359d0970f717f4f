package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"taskflow/backend/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_definitions (
	seq         BIGSERIAL,
	id          TEXT        NOT NULL,
	version     TEXT        NOT NULL,
	name        TEXT        NOT NULL,
	description TEXT        NOT NULL DEFAULT '',
	owner       TEXT        NOT NULL DEFAULT '',
	tags        TEXT[]      NOT NULL DEFAULT '{}',
	tasks       JSONB       NOT NULL,
	fingerprint TEXT        NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	workflow_id TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	start_time  TIMESTAMPTZ NOT NULL,
	document    JSONB       NOT NULL
);

CREATE INDEX IF NOT EXISTS runs_workflow_start_idx ON runs (workflow_id, start_time DESC);
`

const definitionColumns = `d.id, d.version, d.name, d.description, d.owner, d.tags, d.tasks, d.created_at,
	d.seq = (SELECT MAX(l.seq) FROM workflow_definitions l WHERE l.id = d.id) AS is_latest`

// PostgresStore is a PostgreSQL implementation of Store.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() {
	s.db.Close()
}

// CreateWorkflow inserts def unless its (id, version) already exists.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, bool, error) {
	fp, err := Fingerprint(def)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fingerprint definition: %w", err)
	}

	tags := def.Tags
	if tags == nil {
		tags = []string{}
	}
	tasks := def.Tasks
	if tasks == nil {
		tasks = []models.TaskSpec{}
	}

	tag, err := s.db.Exec(ctx,
		`INSERT INTO workflow_definitions (id, version, name, description, owner, tags, tasks, fingerprint, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id, version) DO NOTHING`,
		def.ID, def.Version, def.Name, def.Description, def.Owner, tags, tasks, fp, time.Now().UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert workflow %s: %w", def.ID, err)
	}
	created := tag.RowsAffected() == 1

	if !created {
		var existing string
		err := s.db.QueryRow(ctx,
			`SELECT fingerprint FROM workflow_definitions WHERE id = $1 AND version = $2`,
			def.ID, def.Version,
		).Scan(&existing)
		if err != nil {
			return nil, false, fmt.Errorf("failed to read workflow %s: %w", def.ID, err)
		}
		if existing != fp {
			return nil, false, fmt.Errorf("workflow %s version %s: %w", def.ID, def.Version, ErrDefinitionConflict)
		}
	}

	stored, err := s.GetWorkflowVersion(ctx, def.ID, def.Version)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetWorkflow returns the latest version of id.
func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions d WHERE d.id = $1 ORDER BY d.seq DESC LIMIT 1`,
		id,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return def, err
}

// GetWorkflowVersion returns one version of id.
func (s *PostgresStore) GetWorkflowVersion(ctx context.Context, id, version string) (*models.WorkflowDefinition, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+definitionColumns+` FROM workflow_definitions d WHERE d.id = $1 AND d.version = $2`,
		id, version,
	)
	def, err := scanDefinition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s version %s: %w", id, version, ErrNotFound)
	}
	return def, err
}

// ListWorkflows returns definitions in storage order.
func (s *PostgresStore) ListWorkflows(ctx context.Context, latestOnly bool) ([]*models.WorkflowDefinition, error) {
	query := `SELECT ` + definitionColumns + ` FROM workflow_definitions d`
	if latestOnly {
		query += ` WHERE d.seq = (SELECT MAX(l.seq) FROM workflow_definitions l WHERE l.id = d.id)`
	}
	query += ` ORDER BY d.seq`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var defs []*models.WorkflowDefinition
	for rows.Next() {
		def, err := scanDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanDefinition(row pgx.Row) (*models.WorkflowDefinition, error) {
	var def models.WorkflowDefinition
	err := row.Scan(&def.ID, &def.Version, &def.Name, &def.Description, &def.Owner,
		&def.Tags, &def.Tasks, &def.CreatedAt, &def.IsLatest)
	if err != nil {
		return nil, err
	}
	def.UpdatedAt = def.CreatedAt
	return &def, nil
}

// SaveRun upserts the run document.
func (s *PostgresStore) SaveRun(ctx context.Context, run *models.Run) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO runs (id, workflow_id, status, start_time, document)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, document = EXCLUDED.document`,
		run.ID, run.WorkflowID, string(run.Status), run.StartTime, run,
	)
	if err != nil {
		return fmt.Errorf("failed to save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads one run.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	err := s.db.QueryRow(ctx, `SELECT document FROM runs WHERE id = $1`, id).Scan(&run)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %s: %w", id, err)
	}
	return &run, nil
}

// ListRuns returns matching runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error) {
	query := `SELECT document FROM runs
		WHERE ($1::text = '' OR workflow_id = $1) AND ($2::text = '' OR status = $2)
		ORDER BY start_time DESC, id DESC`
	args := []any{filter.WorkflowID, string(filter.Status)}
	if filter.Limit > 0 {
		query += ` LIMIT $3`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var run models.Run
		if err := rows.Scan(&run); err != nil {
			return nil, err
		}
		runs = append(runs, &run)
	}
	return runs, rows.Err()
}
