// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/api"
	"github.com/JakeFAU/resume-corpus-crawler/internal/config"
	"github.com/JakeFAU/resume-corpus-crawler/internal/extract"
	collyfetcher "github.com/JakeFAU/resume-corpus-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/resume-corpus-crawler/internal/middleware"
	"github.com/JakeFAU/resume-corpus-crawler/internal/orchestrator"
	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
	"github.com/JakeFAU/resume-corpus-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/resume-corpus-crawler/internal/progress"
	"github.com/JakeFAU/resume-corpus-crawler/internal/progress/sinks"
	pubsubpublisher "github.com/JakeFAU/resume-corpus-crawler/internal/publisher/pubsub"
	"github.com/JakeFAU/resume-corpus-crawler/internal/retry"
	"github.com/JakeFAU/resume-corpus-crawler/internal/scrape"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
	"github.com/JakeFAU/resume-corpus-crawler/internal/storage/gcs"
	"github.com/JakeFAU/resume-corpus-crawler/internal/storage/local"
	"github.com/JakeFAU/resume-corpus-crawler/internal/storage/memory"
	"github.com/JakeFAU/resume-corpus-crawler/internal/storage/postgres"
	"github.com/JakeFAU/resume-corpus-crawler/internal/store"
	"github.com/JakeFAU/resume-corpus-crawler/internal/taxonomy"
)

// shutdownGrace is added to the sink timeout when draining the hub on exit.
const shutdownGrace = 5 * time.Second

// ProgressStore is a run history repository owning a connection.
type ProgressStore interface {
	store.ProgressRepository
	Close()
}

// Notifier publishes completion notices and owns a client.
type Notifier interface {
	orchestrator.Publisher
	Close()
}

// App holds the shared, long-lived services. It is built once per command and
// closed by the root command's post-run hook.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	Output   output.Store
	Limiter  *ratelimit.Limiter
	Registry *prometheus.Registry
	Hub      *progress.Hub
	// Progress is nil unless db.dsn is set.
	Progress ProgressStore
	// Notifier is nil unless pubsub.topic_name is set.
	Notifier Notifier

	factory     session.Factory
	httpMetrics *middleware.HTTPMetrics
	closers     []func() error
}

// Option customises New, mostly to substitute external clients in tests.
type Option func(*App)

// WithOutputStore uses s instead of the configured output backend.
func WithOutputStore(s output.Store) Option {
	return func(a *App) { a.Output = s }
}

// WithSessionFactory uses f instead of launching Chrome.
func WithSessionFactory(f session.Factory) Option {
	return func(a *App) { a.factory = f }
}

// WithProgressStore uses p instead of connecting to db.dsn.
func WithProgressStore(p ProgressStore) Option {
	return func(a *App) { a.Progress = p }
}

// WithNotifier uses n instead of connecting to Pub/Sub.
func WithNotifier(n Notifier) Option {
	return func(a *App) { a.Notifier = n }
}

// New initializes every service the configuration enables. It fails fast if
// any configured backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	logger.Info("initializing application services")

	if a.Output == nil {
		out, err := a.openOutput(ctx)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Output = out
	}

	if a.Progress == nil && cfg.DB.DSN != "" {
		ps, err := postgres.NewProgressStore(ctx, postgres.Config{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init progress store: %w", err)
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			ps.Close()
			a.Close()
			return nil, fmt.Errorf("ensure progress schema: %w", err)
		}
		a.Progress = ps
	}

	if a.Notifier == nil && cfg.PubSub.TopicName != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		a.Notifier = pubsubpublisher.New(client.Topic(cfg.PubSub.TopicName))
		logger.Info("publishing completion notices", zap.String("topic", cfg.PubSub.TopicName))
	}

	a.Registry = prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(a.Registry)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init metrics sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(logger.Named("progress")), promSink}
	if a.Progress != nil {
		hubSinks = append(hubSinks, sinks.NewStoreSink(a.Progress, logger.Named("progress")))
	}
	a.Hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait,
		SinkTimeout:    cfg.Progress.SinkTimeout,
		Logger:         logger.Named("progress"),
	}, hubSinks...)

	a.Limiter = ratelimit.New(ratelimit.Config{RPS: cfg.HTTP.RequestsPerSecond, Burst: cfg.HTTP.Burst})
	if a.factory == nil {
		a.factory = session.NewChromedpFactory(session.Config{
			ExecPath:          cfg.Headless.ExecPath,
			UserAgent:         cfg.HTTP.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			Settle:            cfg.Headless.Settle,
			WaitSelector:      cfg.Headless.WaitSelector,
			Headful:           cfg.Headless.Headful,
		}, a.Limiter, logger.Named("session"))
	}

	logger.Info("application services initialized",
		zap.String("output", cfg.Output.Backend),
		zap.Bool("progress_store", a.Progress != nil),
		zap.Bool("notifier", a.Notifier != nil),
	)
	return a, nil
}

func (a *App) openOutput(ctx context.Context) (output.Store, error) {
	switch a.Config.Output.Backend {
	case config.OutputMemory:
		a.Logger.Warn("using in-memory output; records are discarded on exit")
		return memory.New(), nil
	case config.OutputGCS:
		client, err := gcstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init storage client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		s, err := gcs.New(client, gcs.Config{Bucket: a.Config.Output.Bucket, Prefix: a.Config.Output.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs output: %w", err)
		}
		return s, nil
	case config.OutputLocal, "":
		s, err := local.New(local.Config{BaseDir: a.Config.Output.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init local output: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown output backend: %s", a.Config.Output.Backend)
	}
}

// Taxonomy reads the taxonomy persisted by the discover command.
func (a *App) Taxonomy() taxonomy.Provider {
	return taxonomy.NewStoreProvider(a.Output)
}

// NewPool launches headless.sessions browser sessions.
func (a *App) NewPool(ctx context.Context) (*session.Pool, error) {
	pool, err := session.NewPool(ctx, a.factory, a.Config.Headless.Sessions, a.Logger.Named("pool"))
	if err != nil {
		return nil, fmt.Errorf("start session pool: %w", err)
	}
	return pool, nil
}

// NewSession launches a single session outside any pool.
func (a *App) NewSession(ctx context.Context) (session.Session, error) {
	s, err := a.factory.New(ctx)
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	return s, nil
}

// NewRunner builds the per-occupation runner drawing sessions from pool.
func (a *App) NewRunner(pool scrape.Pool) (*scrape.Runner, error) {
	initial, maxDelay := a.Config.RetryBackoff()
	opts := []scrape.RunnerOption{
		scrape.WithRetryPolicy(retry.NewExponentialPolicy(a.Config.Scrape.MaxAttempts, initial, maxDelay)),
		scrape.WithEmitter(a.Hub),
	}
	if a.Config.Scrape.DetailVia == config.DetailViaHTTP {
		opts = append(opts, scrape.WithDetailFetcher(collyfetcher.New(collyfetcher.Config{
			UserAgent: a.Config.HTTP.UserAgent,
			Timeout:   a.Config.HTTP.Timeout,
		}, a.Limiter)))
	}
	runner, err := scrape.NewRunner(
		pool,
		a.Output,
		extract.New(a.Config.Site),
		scrape.Config{Target: a.Config.Scrape.Target, PageSize: a.Config.Scrape.PageSize},
		a.Logger.Named("runner"),
		opts...,
	)
	if err != nil {
		return nil, fmt.Errorf("init runner: %w", err)
	}
	return runner, nil
}

// NewOrchestrator wires runner and pool behind the stored taxonomy.
func (a *App) NewOrchestrator(runner orchestrator.Runner, pool orchestrator.Pool) (*orchestrator.Orchestrator, error) {
	var opts []orchestrator.Option
	if a.Notifier != nil {
		opts = append(opts, orchestrator.WithPublisher(a.Notifier))
	}
	o, err := orchestrator.New(a.Taxonomy(), a.Output, runner, pool, orchestrator.Config{
		Workers:   a.Config.Scrape.Workers,
		QueueSize: a.Config.Scrape.QueueSize,
		Topic:     a.Config.PubSub.TopicName,
	}, a.Logger.Named("orchestrator"), opts...)
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}
	return o, nil
}

// NewServer builds the status server, or returns nil when server.port is 0.
func (a *App) NewServer(status api.StatusSource) *api.Server {
	if a.Config.Server.Port <= 0 {
		return nil
	}
	var repo store.ProgressRepository
	if a.Progress != nil {
		repo = a.Progress
	}
	var opts []api.Option
	if a.httpMetrics == nil {
		m, err := middleware.NewHTTPMetrics(a.Registry)
		if err != nil {
			a.Logger.Warn("http metrics disabled", zap.Error(err))
		}
		a.httpMetrics = m
	}
	if a.httpMetrics != nil {
		opts = append(opts, api.WithMiddleware(a.httpMetrics.Handler))
	}
	return api.NewServer(api.Config{
		Port:           a.Config.Server.Port,
		APIKey:         a.Config.Server.APIKey,
		RequestTimeout: a.Config.Server.RequestTimeout,
	}, status, api.NewProgressHandler(repo, a.Logger.Named("api")),
		prometheus.Gatherers{a.Registry, prometheus.DefaultGatherer}, a.Logger.Named("api"), opts...)
}

// NewDiscoverer walks the career directory with fetch and saves the taxonomy
// into the output store.
func (a *App) NewDiscoverer(fetch taxonomy.Fetcher) *taxonomy.Discoverer {
	return taxonomy.NewDiscoverer(fetch, a.Config.Taxonomy.Directory, a.Output, a.Logger.Named("discover"))
}

// Close flushes progress events, then releases every client. Errors are logged.
func (a *App) Close() {
	a.Logger.Info("shutting down application services")
	if a.Hub != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.Config.Progress.SinkTimeout+shutdownGrace)
		if err := a.Hub.Close(ctx); err != nil {
			a.Logger.Warn("error closing progress hub", zap.Error(err))
		}
		cancel()
	}
	if a.Notifier != nil {
		a.Notifier.Close()
	}
	if a.Progress != nil {
		a.Progress.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Warn("error closing client", zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.Logger.Sync()
}
