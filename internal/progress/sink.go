package progress

import "context"

// Sink receives flushed event batches from the Hub. Implementations honor
// the ctx deadline and tolerate being called again after a failure.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter is the write side handed to workers and the session pool. Hub
// implements it.
type Emitter interface {
	Emit(evt Event)
}
