// Package gcs implements the output store on Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
)

// Config captures the bucket and optional key prefix.
type Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// Store maps keys to objects in one bucket.
//
// GCS objects are immutable, so appends are staged in a part object and folded
// into the destination with a compose request when the writer closes.
type Store struct {
	client *storage.Client
	bucket string
	prefix string
	seq    atomic.Int64
}

// New creates a GCS-backed store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName returns the object name key is stored under.
func (s *Store) ObjectName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) object(key string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.ObjectName(key))
}

// Exists implements output.Store.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	attrs, err := s.object(key).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat gs://%s/%s: %w", s.bucket, s.ObjectName(key), err)
	}
	return attrs.Size > 0, nil
}

// Put implements output.Store.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	w := s.object(key).NewWriter(ctx)
	w.ContentType = contentType(key)
	if _, err := w.Write(data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Get implements output.Store.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	r, err := s.object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", key, output.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("open object %s: %w", key, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %w", key, err)
	}
	return data, nil
}

// Promote copies from over to and deletes from.
func (s *Store) Promote(ctx context.Context, from, to string) error {
	src := s.object(from)
	if _, err := src.Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%s: %w", from, output.ErrNotFound)
		}
		return fmt.Errorf("stat %s: %w", from, err)
	}
	copier := s.object(to).CopierFrom(src)
	copier.ContentType = contentType(to)
	if _, err := copier.Run(ctx); err != nil {
		return fmt.Errorf("copy %s to %s: %w", from, to, err)
	}
	return s.Delete(ctx, from)
}

// Delete implements output.Store.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", s.bucket, s.ObjectName(key), err)
	}
	return nil
}

// OpenAppend implements output.Store. Lines become visible in the destination
// when the writer closes.
func (s *Store) OpenAppend(ctx context.Context, key string) (output.Writer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("key is required")
	}
	part := fmt.Sprintf("%s.part-%d-%d", key, time.Now().UnixNano(), s.seq.Add(1))
	return &appendWriter{ctx: ctx, store: s, key: key, part: part}, nil
}

type appendWriter struct {
	ctx   context.Context
	store *Store
	key   string
	part  string

	mu     sync.Mutex
	w      *storage.Writer
	closed bool
}

func (a *appendWriter) WriteLine(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errors.New("writer closed")
	}
	if a.w == nil {
		a.w = a.store.object(a.part).NewWriter(a.ctx)
		a.w.ContentType = contentType(a.key)
	}
	if _, err := io.WriteString(a.w, line+"\n"); err != nil {
		return fmt.Errorf("append line: %w", err)
	}
	return nil
}

func (a *appendWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.w == nil {
		return nil
	}
	if err := a.w.Close(); err != nil {
		return fmt.Errorf("upload part %s: %w", a.part, err)
	}

	dst := a.store.object(a.key)
	part := a.store.object(a.part)
	var err error
	if _, attrErr := dst.Attrs(a.ctx); attrErr == nil {
		composer := dst.ComposerFrom(dst, part)
		composer.ContentType = contentType(a.key)
		_, err = composer.Run(a.ctx)
	} else if errors.Is(attrErr, storage.ErrObjectNotExist) {
		_, err = dst.CopierFrom(part).Run(a.ctx)
	} else {
		err = attrErr
	}
	if err != nil {
		return fmt.Errorf("fold part into %s: %w", a.key, err)
	}
	if err := part.Delete(a.ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete part %s: %w", a.part, err)
	}
	return nil
}

func contentType(key string) string {
	switch path.Ext(key) {
	case ".json":
		return "application/json"
	default:
		return "text/plain; charset=utf-8"
	}
}
