// Package memory provides queue implementations for local development and
// batch runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// Queue is a bounded in-memory request queue with context-aware operations.
// After Close, Dequeue keeps draining buffered requests and then reports
// rotation.ErrQueueClosed, which is how batch runs wind down cleanly.
type Queue struct {
	buf  chan rotation.Request
	done chan struct{}
	once sync.Once
}

// NewQueue constructs a queue holding at most capacity requests.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		buf:  make(chan rotation.Request, capacity),
		done: make(chan struct{}),
	}
}

// Enqueue adds a request, blocking while the queue is full. It fails once
// the queue closes or the context ends.
func (q *Queue) Enqueue(ctx context.Context, req rotation.Request) error {
	select {
	case <-q.done:
		return rotation.ErrQueueClosed
	default:
	}
	select {
	case q.buf <- req:
		return nil
	case <-q.done:
		return rotation.ErrQueueClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	}
}

// Dequeue pops the next request. Buffered requests are handed out even after
// Close; only an empty closed queue reports rotation.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (rotation.Request, error) {
	select {
	case req := <-q.buf:
		return req, nil
	default:
	}
	select {
	case req := <-q.buf:
		return req, nil
	case <-q.done:
		// Close raced a buffered request; prefer the request.
		select {
		case req := <-q.buf:
			return req, nil
		default:
			return rotation.Request{}, rotation.ErrQueueClosed
		}
	case <-ctx.Done():
		return rotation.Request{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	}
}

// Len reports how many requests are waiting.
func (q *Queue) Len() int {
	return len(q.buf)
}

// Close stops accepting new requests. Safe to call more than once, and safe
// alongside concurrent Enqueue and Dequeue calls.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.done)
	})
}
