// Package progress carries job lifecycle events from scrape runners to
// pluggable sinks. Emitting never blocks a runner: events are buffered, batched
// on a background goroutine and handed to each sink with a per-call timeout.
package progress
