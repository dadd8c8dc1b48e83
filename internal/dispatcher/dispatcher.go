// Package dispatcher manages worker fan-out over the request queue.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
	"github.com/JakeFAU/proxy-session-rotator/internal/worker"
)

// Dispatcher runs a worker pool against the request queue and reports the
// backlog depth while it does.
type Dispatcher struct {
	queue   rotation.Queue
	workers []*worker.Worker
}

// New builds a Dispatcher over the queue and workers.
func New(queue rotation.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until every worker returns. Workers exit
// on context cancellation or when the queue closes, so batch runs finish as
// soon as the backlog drains.
func (d *Dispatcher) Run(ctx context.Context) {
	depthCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go d.reportDepth(depthCtx)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()
}

// Enqueue hands a request to the queue, wrapping any failure for callers.
func (d *Dispatcher) Enqueue(ctx context.Context, req rotation.Request) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// reportDepth samples the queue backlog for queues that can report it.
func (d *Dispatcher) reportDepth(ctx context.Context) {
	backlog, ok := d.queue.(interface{ Len() int })
	if !ok {
		return
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.SetQueueDepth(backlog.Len())
		}
	}
}
