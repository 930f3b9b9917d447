// Package session owns the headless browser sessions used by scrape workers and
// the fixed-capacity pool that hands them out.
//
// A Session is exclusively owned, at any instant, either by the Pool or by a
// single Lease. Every Lease ends in exactly one terminal disposition: Release
// (the session goes back to the pool) or Replace (the session is destroyed and a
// freshly created one takes its place so capacity stays constant).
package session

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport marks navigation and network failures. Callers treat it as
	// recoverable by discarding the session and resuming elsewhere.
	ErrTransport = errors.New("session transport failure")
	// ErrPoolClosed is returned by Acquire once the pool has shut down.
	ErrPoolClosed = errors.New("session pool closed")
	// ErrPageGone marks a page the server reports as permanently missing.
	// Retrying with another session cannot help.
	ErrPageGone = errors.New("page gone")
)

// Session is one live browser handle able to render a URL to markup.
type Session interface {
	// ID is a stable label used in logs.
	ID() string
	// Fetch navigates to url and returns the rendered document markup.
	Fetch(ctx context.Context, url string) (string, error)
	// Close tears down the underlying browser process.
	Close() error
}

// Factory provisions new sessions.
type Factory interface {
	New(ctx context.Context) (Session, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(ctx context.Context) (Session, error)

// New calls f(ctx).
func (f FactoryFunc) New(ctx context.Context) (Session, error) {
	return f(ctx)
}

// Transport wraps err so that errors.Is(err, ErrTransport) holds.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransport) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}
