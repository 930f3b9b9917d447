package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
)

func newTestStore(t *testing.T, handler http.Handler, cfg Config) *Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, cfg)
	require.NoError(t, err)
	return store
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()
	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "b", Prefix: "/corpus/"})
	require.NoError(t, err)
	require.Equal(t, "corpus/Health/Nursing/RN.txt", store.ObjectName("Health/Nursing/RN.txt"))
}

func TestExists(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(r.URL.Path, "missing"):
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"code":404,"message":"No such object"}}`)
		case strings.Contains(r.URL.Path, "empty"):
			_, _ = io.WriteString(w, `{"bucket":"resumes","name":"empty.txt","size":"0"}`)
		default:
			_, _ = io.WriteString(w, `{"bucket":"resumes","name":"full.txt","size":"42"}`)
		}
	})
	store := newTestStore(t, handler, Config{Bucket: "resumes"})
	ctx := context.Background()

	ok, err := store.Exists(ctx, "missing.txt")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Exists(ctx, "empty.txt")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Exists(ctx, "full.txt")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPutUploadsObject(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		body string
		name string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		mu.Lock()
		body = string(data)
		name = r.URL.Query().Get("name")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"bucket":"resumes","name":"taxonomy/cluster_names.txt"}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "resumes", Prefix: "taxonomy"})

	require.NoError(t, store.Put(context.Background(), "cluster_names.txt", []byte("Health_Science\n")))
	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, body, "Health_Science")
	if name != "" {
		require.Equal(t, "taxonomy/cluster_names.txt", name)
	}
}

func TestAppendWriterWithoutLinesTouchesNothing(t *testing.T) {
	t.Parallel()

	var calls int
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	})
	store := newTestStore(t, handler, Config{Bucket: "resumes"})

	w, err := store.OpenAppend(context.Background(), "a/b/c.txt")
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.Error(t, w.WriteLine("late"))
	require.Zero(t, calls)
}

func TestContentType(t *testing.T) {
	t.Parallel()

	require.Equal(t, "application/json", contentType("hierarchy_info/Health.json"))
	require.Equal(t, "text/plain; charset=utf-8", contentType("a/b.txt"))
}

func TestPromoteCopiesThenDeletesStaging(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls []string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.Path)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNoContent)
		case strings.Contains(r.URL.Path, "/rewriteTo/"):
			_, _ = io.WriteString(w, `{"kind":"storage#rewriteResponse","totalBytesRewritten":"9",`+
				`"objectSize":"9","done":true,"resource":{"bucket":"resumes","name":"out/a.txt","size":"9"}}`)
		default:
			_, _ = io.WriteString(w, `{"bucket":"resumes","name":"out/a.txt.part","size":"9"}`)
		}
	})
	store := newTestStore(t, handler, Config{Bucket: "resumes", Prefix: "out"})

	require.NoError(t, store.Promote(context.Background(), "a.txt.part", "a.txt"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 3)
	require.True(t, strings.HasPrefix(calls[0], http.MethodGet+" "))
	require.Contains(t, calls[1], "/rewriteTo/")
	require.True(t, strings.HasPrefix(calls[2], http.MethodDelete+" "))
	require.Contains(t, calls[2], "a.txt.part")
}

func TestPromoteMissingStaging(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"code":404,"message":"No such object"}}`)
	})
	store := newTestStore(t, handler, Config{Bucket: "resumes"})

	err := store.Promote(context.Background(), "a.txt.part", "a.txt")
	require.ErrorIs(t, err, output.ErrNotFound)
	require.NoError(t, store.Delete(context.Background(), "a.txt.part"))
}
