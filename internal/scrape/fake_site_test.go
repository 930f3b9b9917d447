package scrape

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/extract"
	"github.com/JakeFAU/resume-corpus-crawler/internal/progress"
	"github.com/JakeFAU/resume-corpus-crawler/internal/retry"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
)

var testSite = extract.Site{
	SearchURL:     "http://search.test/resumes",
	Country:       "US",
	DetailBaseURL: "http://detail.test",
}

// fakeSite serves total numbered résumés, pageSize per listing page.
type fakeSite struct {
	total    int
	pageSize int

	mu           sync.Mutex
	listingCalls []int
	detailCalls  int
	failListing  map[int]int
	failDetail   map[int]int
	malformed    map[int]bool
	gone         map[int]bool
	failAlways   bool
}

func newFakeSite(total, pageSize int) *fakeSite {
	return &fakeSite{
		total:       total,
		pageSize:    pageSize,
		failListing: map[int]int{},
		failDetail:  map[int]int{},
		malformed:   map[int]bool{},
		gone:        map[int]bool{},
	}
}

func (s *fakeSite) Fetch(_ context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Host == "search.test" {
		offset, err := strconv.Atoi(u.Query().Get("start"))
		if err != nil {
			return "", err
		}
		s.listingCalls = append(s.listingCalls, offset)
		if s.failAlways {
			return "", errors.New("net::ERR_CONNECTION_RESET")
		}
		if s.failListing[offset] > 0 {
			s.failListing[offset]--
			return "", errors.New("net::ERR_TIMED_OUT")
		}
		var b strings.Builder
		b.WriteString("<html><body>")
		for i := offset; i < s.total && i < offset+s.pageSize; i++ {
			fmt.Fprintf(&b, `<div class="rezemp-ResumeSearchCard-contents"><a href="/r/%d?sp=%d">r</a></div>`, i, i-offset)
		}
		b.WriteString("</body></html>")
		return b.String(), nil
	}

	s.detailCalls++
	n, err := strconv.Atoi(strings.TrimPrefix(u.Path, "/r/"))
	if err != nil {
		return "", err
	}
	if s.failDetail[n] > 0 {
		s.failDetail[n]--
		return "", errors.New("net::ERR_NAME_NOT_RESOLVED")
	}
	if s.gone[n] {
		return "", fmt.Errorf("status 404: %w", session.ErrPageGone)
	}
	if s.malformed[n] {
		return `<html><body>This resume is private.</body></html>`, nil
	}
	return fmt.Sprintf(`<html><head><script>window.initialState = {"id":%d};</script></head></html>`, n), nil
}

func (s *fakeSite) Listings() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.listingCalls...)
}

type siteSession struct {
	id   string
	site *fakeSite
}

func (s *siteSession) ID() string { return s.id }

func (s *siteSession) Fetch(ctx context.Context, rawURL string) (string, error) {
	return s.site.Fetch(ctx, rawURL)
}

func (s *siteSession) Close() error { return nil }

func newSitePool(t *testing.T, site *fakeSite, capacity int) *session.Pool {
	t.Helper()
	var seq atomic.Int64
	factory := session.FactoryFunc(func(context.Context) (session.Session, error) {
		return &siteSession{id: fmt.Sprintf("fake-%d", seq.Add(1)), site: site}, nil
	})
	pool, err := session.NewPool(context.Background(), factory, capacity, zap.NewNop(),
		session.WithReplacementBackoff(retry.NewExponentialPolicy(0, time.Millisecond, time.Millisecond)))
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recordingEmitter) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recordingEmitter) Stage(stage progress.Stage) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, e := range r.events {
		if e.Stage == stage {
			out = append(out, e)
		}
	}
	return out
}

func fastRetry(maxAttempts int) retry.Policy {
	return retry.NewExponentialPolicy(maxAttempts, time.Millisecond, time.Millisecond)
}
