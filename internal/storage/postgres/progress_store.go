// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/resume-corpus-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for run rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// ProgressStore implements store.ProgressRepository on a single runs table.
type ProgressStore struct {
	pool  dbPool
	table string
}

// NewProgressStore connects to Postgres using cfg.
func NewProgressStore(ctx context.Context, cfg Config) (*ProgressStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("db.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewProgressStoreWithPool(pool, cfg.Table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewProgressStoreWithPool constructs a store from an existing pool.
func NewProgressStoreWithPool(pool dbPool, table string) (*ProgressStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = "scrape_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ProgressStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ProgressStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the runs table when it does not exist.
func (s *ProgressStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          UUID PRIMARY KEY,
	occupation  TEXT NOT NULL,
	output_key  TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ,
	updated_at  TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL,
	collected   BIGINT NOT NULL DEFAULT 0,
	skipped     BIGINT NOT NULL DEFAULT 0,
	retries     BIGINT NOT NULL DEFAULT 0,
	note        TEXT
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertRunStart inserts a running row; a repeated start leaves the row untouched.
func (s *ProgressStore) UpsertRunStart(
	ctx context.Context,
	runID uuid.UUID,
	occupation, key string,
	startedAt time.Time,
) error {
	query := fmt.Sprintf(`
INSERT INTO %s (id, occupation, output_key, started_at, updated_at, status)
VALUES ($1, $2, $3, $4, $4, $5)
ON CONFLICT (id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, runID, occupation, key, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("upsert run start: %w", err)
	}
	return nil
}

// AddRunCounts applies count deltas to a running row.
func (s *ProgressStore) AddRunCounts(
	ctx context.Context,
	runID uuid.UUID,
	collected, skipped, retries int64,
	at time.Time,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET collected = collected + $1, skipped = skipped + $2, retries = retries + $3, updated_at = $4
WHERE id = $5`, s.table)
	tag, err := s.pool.Exec(ctx, query, collected, skipped, retries, at, runID)
	if err != nil {
		return fmt.Errorf("add run counts: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("add run counts %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// CompleteRun records the final status. collected overwrites the running
// total since the runner's count is authoritative.
func (s *ProgressStore) CompleteRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	collected int64,
	note *string,
) error {
	query := fmt.Sprintf(`
UPDATE %s
SET finished_at = $1, updated_at = $1, status = $2, collected = $3, note = $4
WHERE id = $5`, s.table)
	if _, err := s.pool.Exec(ctx, query, finishedAt, string(status), collected, note, runID); err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// GetRun retrieves a single run by its ID.
func (s *ProgressStore) GetRun(ctx context.Context, runID uuid.UUID) (store.JobRun, error) {
	query := fmt.Sprintf(`
SELECT id, occupation, output_key, started_at, finished_at, status, collected, skipped, retries, note
FROM %s
WHERE id = $1`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, fmt.Errorf("run %s: %w", runID, store.ErrNotFound)
		}
		return store.JobRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by status.
func (s *ProgressStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := fmt.Sprintf(`
SELECT id, occupation, output_key, started_at, finished_at, status, collected, skipped, retries, note
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, s.table)
	var filter any
	if status != nil {
		filter = string(*status)
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []store.JobRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		id     string
		status string
	)
	if err := row.Scan(
		&id,
		&run.Occupation,
		&run.Key,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Collected,
		&run.Skipped,
		&run.Retries,
		&run.Note,
	); err != nil {
		return store.JobRun{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return store.JobRun{}, fmt.Errorf("parse run id %q: %w", id, err)
	}
	run.ID = parsed
	run.Status = store.RunStatus(status)
	return run, nil
}
