package scrape

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/extract"
	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
	"github.com/JakeFAU/resume-corpus-crawler/internal/progress"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
	"github.com/JakeFAU/resume-corpus-crawler/internal/storage/memory"
	"github.com/JakeFAU/resume-corpus-crawler/internal/taxonomy"
)

var nurseTask = taxonomy.Task{
	Cluster:    "Health Science",
	Pathway:    "Therapeutic Services",
	Occupation: "Registered Nurses",
}

type fixedIDs struct{}

func (fixedIDs) NewRunID() (uuid.UUID, error) {
	return uuid.MustParse("01890f4e-7a3b-7cc0-8000-000000000001"), nil
}

func newTestRunner(t *testing.T, pool Pool, store output.Store, cfg Config, opts ...RunnerOption) *Runner {
	t.Helper()
	opts = append([]RunnerOption{WithRetryPolicy(fastRetry(5)), WithIDGenerator(fixedIDs{})}, opts...)
	r, err := NewRunner(pool, store, extract.New(testSite), cfg, zap.NewNop(), opts...)
	require.NoError(t, err)
	return r
}

func requireDistinctIDs(t *testing.T, lines []string, want int) {
	t.Helper()
	require.Len(t, lines, want)
	seen := make(map[string]bool, len(lines))
	for _, line := range lines {
		require.False(t, seen[line], "duplicate record %s", line)
		seen[line] = true
	}
	for i := 0; i < want; i++ {
		require.True(t, seen[fmt.Sprintf(`{"id":%d}`, i)], "record %d missing", i)
	}
}

func TestNewRunnerValidation(t *testing.T) {
	t.Parallel()

	_, err := NewRunner(nil, memory.New(), extract.New(testSite), Config{}, nil)
	require.Error(t, err)
	pool := newSitePool(t, newFakeSite(0, 50), 1)
	_, err = NewRunner(pool, nil, extract.New(testSite), Config{}, nil)
	require.Error(t, err)
	_, err = NewRunner(pool, memory.New(), nil, Config{}, nil)
	require.Error(t, err)

	r, err := NewRunner(pool, memory.New(), extract.New(testSite), Config{}, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultTarget, r.cfg.Target)
	require.Equal(t, DefaultPageSize, r.cfg.PageSize)
}

func TestRunnerCapsAtTarget(t *testing.T) {
	t.Parallel()

	site := newFakeSite(1000, 50)
	pool := newSitePool(t, site, 1)
	store := memory.New()
	r := newTestRunner(t, pool, store, Config{Target: 120, PageSize: 50})

	res, err := r.Run(context.Background(), nurseTask)
	require.NoError(t, err)
	require.Equal(t, 120, res.Collected)
	require.Equal(t, OutcomeCapped, res.Outcome)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, []int{0, 50, 100}, site.Listings())
	requireDistinctIDs(t, store.Lines(nurseTask.Key()), 120)
	require.Equal(t, 1, pool.Stats().Idle)
}

func TestRunnerResumesAfterListingFailure(t *testing.T) {
	t.Parallel()

	site := newFakeSite(80, 50)
	site.failListing[50] = 1
	pool := newSitePool(t, site, 1)
	store := memory.New()
	emitter := &recordingEmitter{}
	r := newTestRunner(t, pool, store, Config{Target: 2000, PageSize: 50}, WithEmitter(emitter))

	res, err := r.Run(context.Background(), nurseTask)
	require.NoError(t, err)
	require.Equal(t, 80, res.Collected)
	require.Equal(t, OutcomeExhausted, res.Outcome)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, []int{0, 50, 50, 100}, site.Listings())
	requireDistinctIDs(t, store.Lines(nurseTask.Key()), 80)

	retries := emitter.Stage(progress.StageJobRetry)
	require.Len(t, retries, 1)
	require.Equal(t, 50, retries[0].Offset)
	require.Equal(t, 50, retries[0].Collected)

	stats := pool.Stats()
	require.Equal(t, 1, stats.Replaced)
	require.Equal(t, stats.Capacity, stats.Idle)
}

func TestRunnerResumesMidPageAtCollectedCount(t *testing.T) {
	t.Parallel()

	site := newFakeSite(100, 50)
	site.failDetail[60] = 1
	pool := newSitePool(t, site, 2)
	store := memory.New()
	r := newTestRunner(t, pool, store, Config{Target: 2000, PageSize: 50})

	res, err := r.Run(context.Background(), nurseTask)
	require.NoError(t, err)
	require.Equal(t, 100, res.Collected)
	require.Equal(t, []int{0, 50, 60, 110}, site.Listings())
	requireDistinctIDs(t, store.Lines(nurseTask.Key()), 100)
}

func TestRunnerRetriesExhausted(t *testing.T) {
	t.Parallel()

	site := newFakeSite(100, 50)
	site.failAlways = true
	pool := newSitePool(t, site, 1)
	emitter := &recordingEmitter{}
	r := newTestRunner(t, pool, memory.New(), Config{}, WithRetryPolicy(fastRetry(3)), WithEmitter(emitter))

	res, err := r.Run(context.Background(), nurseTask)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, session.ErrTransport)
	require.Equal(t, 3, res.Attempts)
	require.Zero(t, res.Collected)
	require.Len(t, site.Listings(), 3)
	require.Len(t, emitter.Stage(progress.StageJobError), 1)

	stats := pool.Stats()
	require.Equal(t, 3, stats.Replaced)
	require.Equal(t, stats.Capacity, stats.Idle+stats.Borrowed)
}

func TestRunnerFailureLeavesNoDestination(t *testing.T) {
	t.Parallel()

	site := newFakeSite(80, 50)
	site.failListing[50] = 2
	pool := newSitePool(t, site, 1)
	store := memory.New()
	r := newTestRunner(t, pool, store, Config{}, WithRetryPolicy(fastRetry(2)))
	ctx := context.Background()

	res, err := r.Run(ctx, nurseTask)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.Equal(t, 50, res.Collected)
	ok, err := store.Exists(ctx, nurseTask.Key())
	require.NoError(t, err)
	require.False(t, ok, "a failed job must not look complete")
	require.Len(t, store.Lines(output.StagingKey(nurseTask.Key())), 50)

	res, err = r.Run(ctx, nurseTask)
	require.NoError(t, err)
	require.Equal(t, 80, res.Collected)
	requireDistinctIDs(t, store.Lines(nurseTask.Key()), 80)
	require.NotContains(t, store.Keys(), output.StagingKey(nurseTask.Key()))
}

func TestRunnerEmptyListingLeavesNoDestination(t *testing.T) {
	t.Parallel()

	pool := newSitePool(t, newFakeSite(0, 50), 1)
	store := memory.New()
	r := newTestRunner(t, pool, store, Config{})

	res, err := r.Run(context.Background(), nurseTask)
	require.NoError(t, err)
	require.Zero(t, res.Collected)
	require.Equal(t, OutcomeExhausted, res.Outcome)
	ok, err := store.Exists(context.Background(), nurseTask.Key())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRunnerDoesNotRetryWriteFailure(t *testing.T) {
	t.Parallel()

	site := newFakeSite(10, 50)
	pool := newSitePool(t, site, 1)
	r := newTestRunner(t, pool, brokenStore{Store: memory.New()}, Config{})

	res, err := r.Run(context.Background(), nurseTask)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrRetriesExhausted))
	require.Equal(t, 1, res.Attempts)

	stats := pool.Stats()
	require.Zero(t, stats.Replaced)
	require.Equal(t, 1, stats.Idle)
}

func TestRunnerStopsOnCancellation(t *testing.T) {
	t.Parallel()

	site := newFakeSite(100, 50)
	site.failAlways = true
	pool := newSitePool(t, site, 1)
	r := newTestRunner(t, pool, memory.New(), Config{},
		WithRetryPolicy(retryForever(time.Hour)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Run(ctx, nurseTask)
		done <- err
	}()
	require.Eventually(t, func() bool { return len(site.Listings()) >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner ignored cancellation")
	}
}

func TestRunnerFetchesDetailsOverSeparateFetcher(t *testing.T) {
	t.Parallel()

	listing := newFakeSite(30, 50)
	details := newFakeSite(30, 50)
	pool := newSitePool(t, listing, 1)
	store := memory.New()
	r := newTestRunner(t, pool, store, Config{}, WithDetailFetcher(details))

	res, err := r.Run(context.Background(), nurseTask)
	require.NoError(t, err)
	require.Equal(t, 30, res.Collected)
	require.Zero(t, listing.detailCalls)
	require.Equal(t, 30, details.detailCalls)
}

func TestRunnerEmitsLifecycleEvents(t *testing.T) {
	t.Parallel()

	site := newFakeSite(3, 50)
	pool := newSitePool(t, site, 1)
	emitter := &recordingEmitter{}
	r := newTestRunner(t, pool, memory.New(), Config{}, WithEmitter(emitter))

	res, err := r.Run(context.Background(), nurseTask)
	require.NoError(t, err)

	starts := emitter.Stage(progress.StageJobStart)
	require.Len(t, starts, 1)
	require.Equal(t, nurseTask.Occupation, starts[0].Occupation)
	require.Equal(t, progress.UUIDToBytes(res.RunID), starts[0].RunID)
	require.Len(t, emitter.Stage(progress.StageRecordDone), 3)
	require.Len(t, emitter.Stage(progress.StageListingDone), 2)

	done := emitter.Stage(progress.StageJobDone)
	require.Len(t, done, 1)
	require.Equal(t, 3, done[0].Collected)
	require.Equal(t, string(OutcomeExhausted), done[0].Note)
	for _, evt := range emitter.events {
		require.NoError(t, evt.Validate())
	}
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) OpenAppend(context.Context, string) (output.Writer, error) {
	return failingWriter{}, nil
}

type foreverPolicy struct{ wait time.Duration }

func retryForever(wait time.Duration) foreverPolicy { return foreverPolicy{wait: wait} }

func (foreverPolicy) ShouldRetry(error, int) bool { return true }
func (p foreverPolicy) Backoff(int) time.Duration { return p.wait }
