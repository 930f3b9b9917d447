// Package orchestrator enumerates occupation tasks, skips finished ones and
// runs the rest on a fixed set of workers sharing the session pool.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/clock/system"
	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
	"github.com/JakeFAU/resume-corpus-crawler/internal/queue/memory"
	"github.com/JakeFAU/resume-corpus-crawler/internal/scrape"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
	"github.com/JakeFAU/resume-corpus-crawler/internal/taxonomy"
)

// Runner scrapes one occupation.
type Runner interface {
	Run(ctx context.Context, task taxonomy.Task) (scrape.Result, error)
}

// Pool is the session pool shut down once every job has finished.
type Pool interface {
	Stats() session.Stats
	Close()
}

// Publisher announces finished occupations.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock supplies completion timestamps.
type Clock interface {
	Now() time.Time
}

// Config sizes the worker set.
type Config struct {
	// Workers defaults to the pool capacity, or 1 without a pool.
	Workers int `mapstructure:"workers"`
	// QueueSize bounds tasks waiting for a worker (default 2*Workers).
	QueueSize int `mapstructure:"queue_size"`
	// Topic receives one Notice per finished occupation when a Publisher is set.
	Topic string `mapstructure:"-"`
}

// ClusterError is a taxonomy or output failure that stopped part of a cluster.
type ClusterError struct {
	Cluster string
	Err     error
}

func (e ClusterError) Error() string {
	return fmt.Sprintf("cluster %s: %v", e.Cluster, e.Err)
}

// TaskFailure is a job that ended with an error.
type TaskFailure struct {
	Task      taxonomy.Task
	Collected int
	Err       error
}

// Report summarises one orchestrator run.
type Report struct {
	Submitted     int
	Skipped       int
	Succeeded     int
	Failed        int
	Records       int
	ClusterErrors []ClusterError
	Failures      []TaskFailure
	Duration      time.Duration
}

// Status is a live view of a run for the status endpoint.
type Status struct {
	Running   bool          `json:"running"`
	StartedAt *time.Time    `json:"started_at,omitempty"`
	Submitted int64         `json:"submitted"`
	Skipped   int64         `json:"skipped"`
	Succeeded int64         `json:"succeeded"`
	Failed    int64         `json:"failed"`
	Active    int64         `json:"active"`
	Records   int64         `json:"records"`
	Pool      session.Stats `json:"pool"`
}

// Orchestrator drives every occupation of a taxonomy through a Runner.
type Orchestrator struct {
	provider  taxonomy.Provider
	store     output.Store
	runner    Runner
	pool      Pool
	publisher Publisher
	clock     Clock
	cfg       Config
	logger    *zap.Logger

	running   atomic.Bool
	startedAt atomic.Pointer[time.Time]
	submitted atomic.Int64
	skipped   atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64
	records   atomic.Int64
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithPublisher sends a Notice to cfg.Topic after each successful job.
func WithPublisher(p Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithClock overrides the marker clock.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.clock = c
		}
	}
}

// New builds an Orchestrator. pool may be nil when the runner owns no sessions.
func New(
	provider taxonomy.Provider,
	store output.Store,
	runner Runner,
	pool Pool,
	cfg Config,
	logger *zap.Logger,
	opts ...Option,
) (*Orchestrator, error) {
	if provider == nil {
		return nil, errors.New("taxonomy provider is required")
	}
	if store == nil {
		return nil, errors.New("output store is required")
	}
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
		if pool != nil {
			cfg.Workers = pool.Stats().Capacity
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 2 * cfg.Workers
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		provider: provider,
		store:    store,
		runner:   runner,
		pool:     pool,
		clock:    system.New(),
		cfg:      cfg,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Status returns live counters. It is safe to call while Run is in progress.
func (o *Orchestrator) Status() Status {
	st := Status{
		Running:   o.running.Load(),
		StartedAt: o.startedAt.Load(),
		Submitted: o.submitted.Load(),
		Skipped:   o.skipped.Load(),
		Succeeded: o.succeeded.Load(),
		Failed:    o.failed.Load(),
		Active:    o.active.Load(),
		Records:   o.records.Load(),
	}
	if o.pool != nil {
		st.Pool = o.pool.Stats()
	}
	return st
}

// Run scrapes every pending occupation of the listed clusters, or of all
// clusters when none are given. It closes the pool once every submitted job has
// returned. The error is non-nil only when enumeration could not start or ctx
// ended; per-cluster and per-job failures are in the Report.
func (o *Orchestrator) Run(ctx context.Context, clusters ...string) (Report, error) {
	if !o.running.CompareAndSwap(false, true) {
		return Report{}, errors.New("orchestrator is already running")
	}
	defer o.running.Store(false)
	started := o.clock.Now()
	o.startedAt.Store(&started)
	if o.pool != nil {
		defer o.pool.Close()
	}

	if len(clusters) == 0 {
		all, err := o.provider.Clusters(ctx)
		if err != nil {
			return Report{}, fmt.Errorf("list clusters: %w", err)
		}
		clusters = all
	}
	o.logger.Info("orchestrator starting",
		zap.Int("clusters", len(clusters)),
		zap.Int("workers", o.cfg.Workers),
	)

	queue := memory.NewQueue(o.cfg.QueueSize)
	tallies := make([]tally, o.cfg.Workers)
	var wg sync.WaitGroup
	for i := range tallies {
		wg.Add(1)
		go func(t *tally) {
			defer wg.Done()
			o.work(ctx, queue, t)
		}(&tallies[i])
	}

	report := o.enqueue(ctx, queue, clusters)
	queue.Close()
	wg.Wait()

	// Summed only after every worker has returned.
	for _, t := range tallies {
		report.Succeeded += t.succeeded
		report.Failed += len(t.failures)
		report.Records += t.records
		report.Failures = append(report.Failures, t.failures...)
	}
	report.Duration = o.clock.Now().Sub(started)

	o.logger.Info("orchestrator finished",
		zap.Int("submitted", report.Submitted),
		zap.Int("skipped", report.Skipped),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
		zap.Int("records", report.Records),
		zap.Int("cluster_errors", len(report.ClusterErrors)),
		zap.Duration("duration", report.Duration),
	)
	if err := ctx.Err(); err != nil {
		return report, fmt.Errorf("orchestrator interrupted: %w", err)
	}
	return report, nil
}

// enqueue walks clusters in order. Cluster-level failures are recorded and the
// next cluster is tried.
func (o *Orchestrator) enqueue(ctx context.Context, queue *memory.Queue, clusters []string) Report {
	var report Report
	for _, cluster := range clusters {
		if ctx.Err() != nil {
			return report
		}
		tasks, err := taxonomy.Tasks(ctx, o.provider, cluster)
		if err != nil {
			o.clusterFailed(&report, cluster, err)
			continue
		}
		for _, task := range tasks {
			key := task.Key()
			exists, err := o.store.Exists(ctx, key)
			if err != nil {
				o.clusterFailed(&report, cluster, fmt.Errorf("check %s: %w", key, err))
				break
			}
			if exists {
				report.Skipped++
				o.skipped.Add(1)
				o.logger.Debug("output exists; skipping", zap.String("occupation", task.Occupation), zap.String("key", key))
				continue
			}
			if err := queue.Enqueue(ctx, task); err != nil {
				return report
			}
			report.Submitted++
			o.submitted.Add(1)
		}
	}
	return report
}

func (o *Orchestrator) clusterFailed(report *Report, cluster string, err error) {
	report.ClusterErrors = append(report.ClusterErrors, ClusterError{Cluster: cluster, Err: err})
	o.logger.Error("cluster enumeration failed", zap.String("cluster", cluster), zap.Error(err))
}

// tally is one worker's private share of the report.
type tally struct {
	succeeded int
	records   int
	failures  []TaskFailure
}

func (o *Orchestrator) work(ctx context.Context, queue *memory.Queue, t *tally) {
	for {
		task, err := queue.Dequeue(ctx)
		if err != nil {
			return
		}
		o.active.Add(1)
		res, err := o.runner.Run(ctx, task)
		o.active.Add(-1)

		t.records += res.Collected
		o.records.Add(int64(res.Collected))
		if err != nil {
			t.failures = append(t.failures, TaskFailure{Task: task, Collected: res.Collected, Err: err})
			o.failed.Add(1)
			continue
		}
		t.succeeded++
		o.succeeded.Add(1)
		o.finish(ctx, task, res)
	}
}

// finish records the completion marker and announces the occupation. Neither
// failure changes the job's result.
func (o *Orchestrator) finish(ctx context.Context, task taxonomy.Task, res scrape.Result) {
	notice := Notice{
		Cluster:    task.Cluster,
		Pathway:    task.Pathway,
		Occupation: task.Occupation,
		Key:        task.Key(),
		RunID:      res.RunID.String(),
		Collected:  res.Collected,
		Outcome:    string(res.Outcome),
		FinishedAt: o.clock.Now(),
	}
	marker := output.Marker{
		Occupation: notice.Occupation,
		Key:        notice.Key,
		Collected:  notice.Collected,
		Outcome:    notice.Outcome,
		FinishedAt: notice.FinishedAt,
	}
	if err := output.WriteMarker(ctx, o.store, marker); err != nil {
		o.logger.Warn("completion marker not written", zap.String("key", notice.Key), zap.Error(err))
	}
	if o.publisher == nil || o.cfg.Topic == "" {
		return
	}
	if _, err := o.publisher.Publish(ctx, o.cfg.Topic, notice); err != nil {
		o.logger.Warn("completion notice not published",
			zap.String("occupation", notice.Occupation),
			zap.String("topic", o.cfg.Topic),
			zap.Error(err),
		)
	}
}
