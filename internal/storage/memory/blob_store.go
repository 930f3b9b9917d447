// Package memory keeps output destinations in memory for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/resume-corpus-crawler/internal/output"
)

// Store is an output.Store backed by a map.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Exists implements output.Store.
func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data[key]) > 0, nil
}

// OpenAppend implements output.Store.
func (s *Store) OpenAppend(_ context.Context, key string) (output.Writer, error) {
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		s.data[key] = nil
	}
	return &writer{store: s, key: key}, nil
}

// Put implements output.Store.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// Get implements output.Store.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, output.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Promote implements output.Store.
func (s *Store) Promote(_ context.Context, from, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.data[from]
	if !ok {
		return fmt.Errorf("%s: %w", from, output.ErrNotFound)
	}
	s.data[to] = data
	delete(s.data, from)
	return nil
}

// Delete implements output.Store.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Lines returns the lines appended to key.
func (s *Store) Lines(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	text := strings.TrimSuffix(string(s.data[key]), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// Keys returns every stored key in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type writer struct {
	store  *Store
	key    string
	closed bool
}

func (w *writer) WriteLine(line string) error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	if w.closed {
		return errors.New("writer closed")
	}
	w.store.data[w.key] = append(w.store.data[w.key], line+"\n"...)
	return nil
}

func (w *writer) Close() error {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()
	w.closed = true
	return nil
}
