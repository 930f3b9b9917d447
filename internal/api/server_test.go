package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/resume-corpus-crawler/internal/orchestrator"
	"github.com/JakeFAU/resume-corpus-crawler/internal/session"
	"github.com/JakeFAU/resume-corpus-crawler/internal/store"
)

func TestServerHealthz(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(nil, nil), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"ok"`)
}

func TestServerReadyzRequiresStatusSource(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(nil, nil), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = serve(newTestServer(&fakeStatus{}, nil), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestServerStatusReportsOrchestratorCounters(t *testing.T) {
	t.Parallel()

	src := &fakeStatus{status: orchestrator.Status{
		Running:   true,
		Submitted: 12,
		Succeeded: 4,
		Active:    2,
		Records:   8000,
		Pool:      session.Stats{Capacity: 2, Borrowed: 2},
	}}
	rec := serve(newTestServer(src, nil), http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var got orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, src.status.Submitted, got.Submitted)
	require.Equal(t, src.status.Records, got.Records)
	require.Equal(t, 2, got.Pool.Borrowed)
	require.True(t, got.Running)
}

func TestServerStatusWithoutRun(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(nil, nil), http.MethodGet, "/v1/status", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerMetricsUsesGatherer(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "resumes_test_counter_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Add(3)

	server := NewServer(Config{}, nil, nil, reg, zap.NewNop())
	rec := serve(server, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "resumes_test_counter_total 3")
}

func TestServerAppliesExtraMiddleware(t *testing.T) {
	t.Parallel()

	tag := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Served-By", "resumes")
			next.ServeHTTP(w, r)
		})
	}
	server := NewServer(Config{}, nil, nil, prometheus.NewRegistry(), zap.NewNop(), WithMiddleware(tag), WithMiddleware(nil))
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, "resumes", rec.Header().Get("X-Served-By"))
}

func TestServerRoutesRuns(t *testing.T) {
	t.Parallel()

	runID := uuid.New()
	repo := &mockProgressRepo{runs: []store.JobRun{{ID: runID, Occupation: "Welders", Status: store.RunRunning}}}
	server := newTestServer(nil, NewProgressHandler(repo, zap.NewNop()))

	rec := serve(server, http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), runID.String())

	rec = serve(server, http.MethodGet, "/v1/runs/"+runID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"run"`)

	rec = serve(server, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerRunsWithoutRepository(t *testing.T) {
	t.Parallel()

	rec := serve(newTestServer(nil, nil), http.MethodGet, "/v1/runs", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServerAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{APIKey: "secret"}, nil, nil, prometheus.NewRegistry(), zap.NewNop())

	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz", map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(server, http.MethodGet, "/healthz?api_key=secret", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	server := newTestServer(nil, nil)
	rec := serve(server, http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(server, http.MethodGet, "/healthz", map[string]string{"X-Request-ID": "req-42"})
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}

func TestServerListenAndServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	server := NewServer(Config{Port: 0}, nil, nil, prometheus.NewRegistry(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.CloseClient())
}

type fakeStatus struct {
	status orchestrator.Status
}

func (f *fakeStatus) Status() orchestrator.Status { return f.status }

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}

func (h *hijackableRecorder) CloseClient() error {
	if h.client != nil {
		if err := h.client.Close(); err != nil {
			return fmt.Errorf("close hijacker client: %w", err)
		}
	}
	return nil
}

func newTestServer(status StatusSource, progress *ProgressHandler) *Server {
	return NewServer(Config{}, status, progress, prometheus.NewRegistry(), zap.NewNop())
}

func serve(s *Server, method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}
