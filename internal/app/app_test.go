package app_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/app"
	"github.com/JakeFAU/resume-corpus-crawler/internal/config"
	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
	"github.com/JakeFAU/resume-corpus-crawler/internal/storage/memory"
	"github.com/JakeFAU/resume-corpus-crawler/internal/store"
	"github.com/JakeFAU/resume-corpus-crawler/internal/taxonomy"
)

// MockProgressStore mocks app.ProgressStore.
type MockProgressStore struct {
	mock.Mock
}

func (m *MockProgressStore) UpsertRunStart(ctx context.Context, id uuid.UUID, occupation, key string, at time.Time) error {
	return m.Called(ctx, id, occupation, key, at).Error(0)
}

func (m *MockProgressStore) AddRunCounts(ctx context.Context, id uuid.UUID, c, s, r int64, at time.Time) error {
	return m.Called(ctx, id, c, s, r, at).Error(0)
}

func (m *MockProgressStore) CompleteRun(
	ctx context.Context,
	id uuid.UUID,
	at time.Time,
	status store.RunStatus,
	collected int64,
	note *string,
) error {
	return m.Called(ctx, id, at, status, collected, note).Error(0)
}

func (m *MockProgressStore) GetRun(ctx context.Context, id uuid.UUID) (store.JobRun, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(store.JobRun), args.Error(1)
}

func (m *MockProgressStore) ListRuns(ctx context.Context, status *store.RunStatus, limit, offset int) ([]store.JobRun, error) {
	args := m.Called(ctx, status, limit, offset)
	return args.Get(0).([]store.JobRun), args.Error(1)
}

func (m *MockProgressStore) Close() {
	m.Called()
}

// MockNotifier mocks app.Notifier.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Publish(ctx context.Context, topic string, payload any) (string, error) {
	args := m.Called(ctx, topic, payload)
	return args.String(0), args.Error(1)
}

func (m *MockNotifier) Close() {
	m.Called()
}

type blankSession struct {
	id string
}

func (s *blankSession) ID() string { return s.id }

func (s *blankSession) Fetch(context.Context, string) (string, error) {
	return "<html><body><p>no results</p></body></html>", nil
}

func (s *blankSession) Close() error { return nil }

func blankFactory() session.Factory {
	var seq atomic.Int64
	return session.FactoryFunc(func(context.Context) (session.Session, error) {
		return &blankSession{id: fmt.Sprintf("blank-%d", seq.Add(1))}, nil
	})
}

func testConfig() config.Config {
	return config.Config{
		Scrape: config.ScrapeConfig{
			Target:         100,
			PageSize:       50,
			DetailVia:      config.DetailViaSession,
			MaxAttempts:    2,
			BackoffInitial: time.Millisecond,
			BackoffMax:     time.Millisecond,
		},
		Headless: config.HeadlessConfig{Sessions: 2},
		Output:   config.OutputConfig{Backend: config.OutputMemory},
		Progress: config.ProgressConfig{MaxBatchWait: 10 * time.Millisecond, SinkTimeout: time.Second},
	}
}

func TestNewMemoryBackend(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(), zap.NewNop(), app.WithSessionFactory(blankFactory()))
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &memory.Store{}, a.Output)
	assert.NotNil(t, a.Hub)
	assert.NotNil(t, a.Registry)
	assert.NotNil(t, a.Limiter)
	assert.Nil(t, a.Progress)
	assert.Nil(t, a.Notifier)
	assert.Nil(t, a.NewServer(nil), "server disabled without a port")
}

func TestNewLocalBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Output = config.OutputConfig{Backend: config.OutputLocal, BaseDir: t.TempDir()}
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithSessionFactory(blankFactory()))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Output.Put(context.Background(), "probe.txt", []byte("x")))
	ok, err := a.Output.Exists(context.Background(), "probe.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNewUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Output.Backend = "tape"
	_, err := app.New(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output backend: tape")
}

func TestScrapeWiringEndToEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := testConfig()
	cfg.PubSub = config.PubSubConfig{ProjectID: "corpus", TopicName: "done"}
	cfg.Server.Port = 8099

	notifier := new(MockNotifier)
	notifier.On("Publish", mock.Anything, "done", mock.AnythingOfType("orchestrator.Notice")).Return("msg-1", nil).Times(3)
	notifier.On("Close").Return().Once()

	out := memory.New()
	require.NoError(t, taxonomy.SaveClusterNames(ctx, out, []string{"Manufacturing"}))
	require.NoError(t, taxonomy.Save(ctx, out, taxonomy.Hierarchy{
		Cluster: "Manufacturing",
		Pathways: map[string][]string{
			"Production":  {"Welders", "Machinists"},
			"Maintenance": {"Millwrights"},
		},
	}))

	a, err := app.New(ctx, cfg, zap.NewNop(),
		app.WithOutputStore(out),
		app.WithSessionFactory(blankFactory()),
		app.WithNotifier(notifier),
	)
	require.NoError(t, err)

	pool, err := a.NewPool(ctx)
	require.NoError(t, err)
	runner, err := a.NewRunner(pool)
	require.NoError(t, err)
	orch, err := a.NewOrchestrator(runner, pool)
	require.NoError(t, err)

	report, err := orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Submitted)
	assert.Equal(t, 3, report.Succeeded)
	assert.Zero(t, report.Records)

	marker, err := output.ReadMarker(ctx, out, "Manufacturing/Production/Welders.txt")
	require.NoError(t, err)
	assert.Equal(t, "Welders", marker.Occupation)

	server := a.NewServer(orch)
	require.NotNil(t, server)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"succeeded":3`)

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "resumes_jobs_running")
	assert.Contains(t, rec.Body.String(), `resumes_http_requests_total{code="200",method="GET",route="/v1/status"} 1`)

	a.Close()
	notifier.AssertExpectations(t)
}

func TestNewRunnerHTTPDetailMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Scrape.DetailVia = config.DetailViaHTTP
	a, err := app.New(context.Background(), cfg, zap.NewNop(), app.WithSessionFactory(blankFactory()))
	require.NoError(t, err)
	defer a.Close()

	pool, err := a.NewPool(context.Background())
	require.NoError(t, err)
	defer pool.Close()
	runner, err := a.NewRunner(pool)
	require.NoError(t, err)
	assert.NotNil(t, runner)
}

func TestAppClose(t *testing.T) {
	t.Parallel()

	progressMock := new(MockProgressStore)
	notifierMock := new(MockNotifier)
	progressMock.On("Close").Return().Once()
	notifierMock.On("Close").Return().Once()

	a, err := app.New(context.Background(), testConfig(), zap.NewNop(),
		app.WithProgressStore(progressMock),
		app.WithNotifier(notifierMock),
		app.WithSessionFactory(blankFactory()),
	)
	require.NoError(t, err)
	a.Close()

	progressMock.AssertExpectations(t)
	notifierMock.AssertExpectations(t)
}

func TestNewPoolFactoryFailure(t *testing.T) {
	t.Parallel()

	failing := session.FactoryFunc(func(context.Context) (session.Session, error) {
		return nil, errors.New("chrome not found")
	})
	a, err := app.New(context.Background(), testConfig(), zap.NewNop(), app.WithSessionFactory(failing))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.NewPool(context.Background())
	require.ErrorContains(t, err, "chrome not found")
}
