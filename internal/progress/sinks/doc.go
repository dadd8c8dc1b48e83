// Package sinks holds the progress.Sink implementations the rotator wires
// into its hub: structured logging, Prometheus counters, and durable run
// archiving. The hub fans batches out to every registered sink.
package sinks
