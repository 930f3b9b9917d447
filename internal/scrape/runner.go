package scrape

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/clock/system"
	"github.com/JakeFAU/resume-corpus-crawler/internal/extract"
	idgen "github.com/JakeFAU/resume-corpus-crawler/internal/id/uuid"
	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
	"github.com/JakeFAU/resume-corpus-crawler/internal/progress"
	"github.com/JakeFAU/resume-corpus-crawler/internal/retry"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
	"github.com/JakeFAU/resume-corpus-crawler/internal/taxonomy"
)

// ErrRetriesExhausted is returned when a job keeps failing after the retry
// policy's last allowed attempt.
var ErrRetriesExhausted = errors.New("scrape retries exhausted")

// Defaults for Config.
const (
	DefaultTarget   = 2000
	DefaultPageSize = 50
)

// Config controls pagination bounds.
type Config struct {
	// Target caps the records collected per occupation.
	Target int `mapstructure:"target"`
	// PageSize is how far the listing offset advances per page.
	PageSize int `mapstructure:"page_size"`
}

// Pool hands out exclusive session leases.
type Pool interface {
	Acquire(ctx context.Context) (*session.Lease, error)
}

// Clock supplies timestamps for events.
type Clock interface {
	Now() time.Time
}

// IDGenerator creates run identifiers.
type IDGenerator interface {
	NewRunID() (uuid.UUID, error)
}

// Result summarises one Runner invocation.
type Result struct {
	RunID     uuid.UUID
	Task      taxonomy.Task
	Collected int
	Outcome   Outcome
	// Attempts counts Job runs, including the successful one.
	Attempts int
	Duration time.Duration
}

// Runner drives one occupation's Job to completion, replacing the session and
// resuming from the checkpoint after each transport failure.
type Runner struct {
	pool      Pool
	store     output.Store
	extractor *extract.Extractor
	detail    Fetcher
	policy    retry.Policy
	cfg       Config
	emitter   progress.Emitter
	clock     Clock
	ids       IDGenerator
	logger    *zap.Logger
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithDetailFetcher fetches detail pages with f instead of the leased session.
func WithDetailFetcher(f Fetcher) RunnerOption {
	return func(r *Runner) { r.detail = f }
}

// WithRetryPolicy overrides the retry policy.
func WithRetryPolicy(p retry.Policy) RunnerOption {
	return func(r *Runner) {
		if p != nil {
			r.policy = p
		}
	}
}

// WithEmitter sends progress events to e.
func WithEmitter(e progress.Emitter) RunnerOption {
	return func(r *Runner) {
		if e != nil {
			r.emitter = e
		}
	}
}

// WithClock overrides the event clock.
func WithClock(c Clock) RunnerOption {
	return func(r *Runner) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithIDGenerator overrides run ID generation.
func WithIDGenerator(g IDGenerator) RunnerOption {
	return func(r *Runner) {
		if g != nil {
			r.ids = g
		}
	}
}

// NewRunner builds a Runner. Zero Config fields take the package defaults.
func NewRunner(
	pool Pool,
	store output.Store,
	extractor *extract.Extractor,
	cfg Config,
	logger *zap.Logger,
	opts ...RunnerOption,
) (*Runner, error) {
	if pool == nil {
		return nil, errors.New("session pool is required")
	}
	if store == nil {
		return nil, errors.New("output store is required")
	}
	if extractor == nil {
		return nil, errors.New("extractor is required")
	}
	if cfg.Target <= 0 {
		cfg.Target = DefaultTarget
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		pool:      pool,
		store:     store,
		extractor: extractor,
		policy:    retry.NewExponentialPolicy(8, time.Second, time.Minute),
		cfg:       cfg,
		emitter:   progress.Discard,
		clock:     system.New(),
		ids:       idgen.New(),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run scrapes task into its output key. Records are appended to the key's
// staging object, which is opened once and stays open across retries, so
// records written before a failure are kept and counted exactly once. The
// staging object replaces the destination only when the job succeeds; a failed
// job leaves no destination behind and is picked up again by the next run. On
// error the Result still carries the partial count.
func (r *Runner) Run(ctx context.Context, task taxonomy.Task) (Result, error) {
	runID, err := r.ids.NewRunID()
	if err != nil {
		return Result{Task: task}, fmt.Errorf("new run id: %w", err)
	}
	started := r.clock.Now()
	p := &Progress{
		SearchTerm: task.Occupation,
		Key:        task.Key(),
		Target:     r.cfg.Target,
	}
	res := Result{RunID: runID, Task: task}
	logger := r.logger.With(
		zap.String("run_id", runID.String()),
		zap.String("occupation", task.Occupation),
		zap.String("key", p.Key),
	)

	staging := output.StagingKey(p.Key)
	// A leftover staging object belongs to an earlier run that never finished.
	if err := r.store.Delete(ctx, staging); err != nil {
		return res, fmt.Errorf("clear %s: %w", staging, err)
	}
	writer, err := r.store.OpenAppend(ctx, staging)
	if err != nil {
		return res, fmt.Errorf("open %s: %w", staging, err)
	}
	r.emit(runID, progress.Event{Stage: progress.StageJobStart}, p, 0)
	logger.Info("scrape started", zap.Int("target", p.Target))

	outcome, attempts, runErr := r.attempt(ctx, runID, p, writer, logger)
	closeErr := writer.Close()
	if runErr == nil && closeErr != nil {
		runErr = fmt.Errorf("close %s: %w", staging, closeErr)
	}
	if runErr == nil {
		runErr = r.promote(ctx, staging, p)
	}

	res.Collected = p.Collected
	res.Outcome = outcome
	res.Attempts = attempts
	res.Duration = r.clock.Now().Sub(started)
	if runErr != nil {
		r.emit(runID, progress.Event{Stage: progress.StageJobError, Dur: res.Duration, Note: runErr.Error()}, p, attempts)
		logger.Error("scrape failed",
			zap.Int("collected", p.Collected),
			zap.Int("attempt", attempts),
			zap.Error(runErr),
		)
		return res, runErr
	}
	r.emit(runID, progress.Event{Stage: progress.StageJobDone, Dur: res.Duration, Note: string(outcome)}, p, attempts)
	logger.Info("scrape finished",
		zap.Int("collected", p.Collected),
		zap.String("outcome", string(outcome)),
		zap.Int("attempt", attempts),
		zap.Duration("duration", res.Duration),
	)
	return res, nil
}

func (r *Runner) attempt(
	ctx context.Context,
	runID uuid.UUID,
	p *Progress,
	writer output.Writer,
	logger *zap.Logger,
) (Outcome, int, error) {
	for attempt := 1; ; attempt++ {
		lease, err := r.pool.Acquire(ctx)
		if err != nil {
			return "", attempt - 1, fmt.Errorf("acquire session: %w", err)
		}
		job := &Job{
			Listing:   lease.Session(),
			Detail:    r.detail,
			Extractor: r.extractor,
			Writer:    writer,
			PageSize:  r.cfg.PageSize,
			Emitter:   r.emitter,
			RunID:     progress.UUIDToBytes(runID),
			Logger:    logger,
		}
		outcome, err := job.Run(ctx, p)
		if err == nil {
			lease.Release()
			return outcome, attempt, nil
		}
		if !errors.Is(err, session.ErrTransport) || ctx.Err() != nil {
			lease.Release()
			return "", attempt, err
		}

		sessionID := lease.Session().ID()
		if replaceErr := lease.Replace(); replaceErr != nil {
			return "", attempt, fmt.Errorf("%w (replace session: %w)", err, replaceErr)
		}
		if !r.policy.ShouldRetry(err, attempt) {
			return "", attempt, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, err)
		}
		// Resume from the last confirmed record.
		p.Offset = p.Collected
		wait := r.policy.Backoff(attempt - 1)
		logger.Warn("scrape attempt failed; resuming with a fresh session",
			zap.String("session_id", sessionID),
			zap.Int("attempt", attempt),
			zap.Int("offset", p.Offset),
			zap.Int("collected", p.Collected),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		r.emit(runID, progress.Event{Stage: progress.StageJobRetry, Note: err.Error()}, p, attempt)
		if err := retry.Sleep(ctx, wait); err != nil {
			return "", attempt, fmt.Errorf("wait before retry: %w", err)
		}
	}
}

// promote publishes the staging object as the destination. A job that
// collected nothing may have no staging object at all.
func (r *Runner) promote(ctx context.Context, staging string, p *Progress) error {
	err := r.store.Promote(ctx, staging, p.Key)
	if err == nil || (errors.Is(err, output.ErrNotFound) && p.Collected == 0) {
		return nil
	}
	return fmt.Errorf("promote %s: %w", staging, err)
}

func (r *Runner) emit(runID uuid.UUID, evt progress.Event, p *Progress, attempt int) {
	evt.RunID = progress.UUIDToBytes(runID)
	evt.TS = r.clock.Now()
	evt.Occupation = p.SearchTerm
	evt.Key = p.Key
	evt.Offset = p.Offset
	evt.Collected = p.Collected
	evt.Attempt = attempt
	r.emitter.Emit(evt)
}
