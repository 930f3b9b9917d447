package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("progress record not found")

// RunStatus mirrors the scrape_runs.status column.
type RunStatus string

// Run statuses.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// JobRun is one Runner invocation for one occupation.
type JobRun struct {
	ID         uuid.UUID
	Occupation string
	Key        string
	StartedAt  time.Time
	// FinishedAt is nil while the run is in progress.
	FinishedAt *time.Time
	Status     RunStatus
	Collected  int64
	Skipped    int64
	Retries    int64
	// Note holds the outcome on success or the failure reason on error.
	Note *string
}

// ProgressRepository persists incremental run progress.
type ProgressRepository interface {
	// UpsertRunStart records a run as running; repeating it is harmless.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, occupation, key string, startedAt time.Time) error
	// AddRunCounts applies record, skip and retry deltas.
	AddRunCounts(ctx context.Context, runID uuid.UUID, collected, skipped, retries int64, at time.Time) error
	// CompleteRun stores the final status and authoritative record count.
	CompleteRun(
		ctx context.Context,
		runID uuid.UUID,
		finishedAt time.Time,
		status RunStatus,
		collected int64,
		note *string,
	) error

	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (JobRun, error)
	// ListRuns returns runs, newest first, optionally filtered by status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]JobRun, error)
}
