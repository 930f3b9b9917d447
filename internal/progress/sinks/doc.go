// Package sinks implements progress consumers: structured logging, Prometheus
// collectors and the run repository. Each satisfies progress.Sink.
package sinks
