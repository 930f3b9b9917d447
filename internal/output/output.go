// Package output defines the append-only destinations scrape jobs write to.
// A destination exists and is non-empty once its occupation has been scraped;
// that existence is what later runs use to skip completed work.
package output

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get and Promote when the key has no object.
var ErrNotFound = errors.New("object not found")

const stagingSuffix = ".part"

// StagingKey returns the key a destination is written under until its job
// succeeds. Only a promoted destination counts as complete.
func StagingKey(key string) string {
	return key + stagingSuffix
}

// Writer appends newline-terminated lines to one destination.
type Writer interface {
	// WriteLine appends line followed by a newline and makes it durable as far
	// as the backend allows before returning.
	WriteLine(line string) error
	Close() error
}

// Store is a keyed, existence-checkable, appendable destination.
type Store interface {
	// Exists reports whether key holds a non-empty object.
	Exists(ctx context.Context, key string) (bool, error)
	// OpenAppend opens key for appending, creating it on first write.
	OpenAppend(ctx context.Context, key string) (Writer, error)
	// Put replaces the object at key.
	Put(ctx context.Context, key string, data []byte) error
	// Get returns the object at key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Promote moves the object at from to to, replacing any object there.
	// It returns ErrNotFound when from is missing.
	Promote(ctx context.Context, from, to string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}
