// Package postgres provides a Postgres-backed job store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/msgbridge/internal/job"
)

// DefaultTable holds export job rows unless configured otherwise.
const DefaultTable = "export_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore persists export jobs in Postgres.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the job table when it does not exist.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id           TEXT PRIMARY KEY,
	status       TEXT NOT NULL,
	upload_id    TEXT NOT NULL,
	sheet_name   TEXT NOT NULL DEFAULT '',
	result_key   TEXT NOT NULL DEFAULT '',
	result_uri   TEXT NOT NULL DEFAULT '',
	row_count    INTEGER NOT NULL DEFAULT 0,
	error_text   TEXT NOT NULL DEFAULT '',
	submitted_at TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	finished_at  TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// CreateJob inserts a job row.
func (s *JobStore) CreateJob(ctx context.Context, j job.Job) error {
	if j.ID == "" {
		return fmt.Errorf("job id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	status,
	upload_id,
	sheet_name,
	submitted_at
) VALUES (
	$1,$2,$3,$4,$5
)
ON CONFLICT (id) DO NOTHING`, s.table)

	tag, err := s.pool.Exec(ctx, query, j.ID, string(j.Status), j.UploadID, j.SheetName, j.Submitted)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", j.ID, job.ErrExists)
	}
	return nil
}

// UpdateJobStatus advances a job. Started is stamped once on the first running update
// and Finished on terminal states, mirroring job.Apply.
func (s *JobStore) UpdateJobStatus(
	ctx context.Context,
	jobID string,
	status job.Status,
	errText string,
	out job.Outcome,
	at time.Time,
) error {
	query := fmt.Sprintf(`
UPDATE %s SET
	status      = $2,
	error_text  = $3,
	row_count   = CASE WHEN $4::int > 0 THEN $4::int ELSE row_count END,
	result_key  = COALESCE(NULLIF($5, ''), result_key),
	result_uri  = COALESCE(NULLIF($6, ''), result_uri),
	started_at  = CASE WHEN $2 = 'running' AND started_at IS NULL THEN $7::timestamptz ELSE started_at END,
	finished_at = CASE WHEN $2 IN ('succeeded', 'failed') THEN $7::timestamptz ELSE finished_at END
WHERE id = $1`, s.table)

	tag, err := s.pool.Exec(ctx, query,
		jobID,
		string(status),
		errText,
		out.Rows,
		out.ResultKey,
		out.ResultURI,
		at,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (job.Job, error) {
	query := fmt.Sprintf(`
SELECT id, status, upload_id, sheet_name, result_key, result_uri, row_count, error_text,
	submitted_at, started_at, finished_at
FROM %s
WHERE id = $1`, s.table)

	var (
		j      job.Job
		status string
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&j.ID,
		&status,
		&j.UploadID,
		&j.SheetName,
		&j.ResultKey,
		&j.ResultURI,
		&j.Rows,
		&j.ErrorText,
		&j.Submitted,
		&j.Started,
		&j.Finished,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return job.Job{}, fmt.Errorf("job %s: %w", jobID, job.ErrNotFound)
	}
	if err != nil {
		return job.Job{}, fmt.Errorf("select job: %w", err)
	}
	j.Status = job.Status(status)
	return j, nil
}
