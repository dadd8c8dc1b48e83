package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config tunes buffering and batching for the Hub. Zero values fall back to
// the defaults below.
type Config struct {
	// BufferSize caps the emit channel; events past it are dropped.
	BufferSize int
	// MaxBatchEvents flushes a batch once it reaches this many events.
	MaxBatchEvents int
	// MaxBatchWait bounds how long a partial batch waits for more events.
	MaxBatchWait time.Duration
	// SinkTimeout limits each sink call during a flush.
	SinkTimeout time.Duration
	// BaseContext is the parent context for sink calls.
	BaseContext context.Context
	// Logger receives drop and sink-failure warnings.
	Logger *zap.Logger
}

const (
	defaultBufferSize  = 4096
	defaultBatchEvents = 1000
	defaultBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout = 10 * time.Second
	dropWarnInterval   = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = defaultBufferSize
	}
	if c.MaxBatchEvents <= 0 {
		c.MaxBatchEvents = defaultBatchEvents
	}
	if c.MaxBatchWait <= 0 {
		c.MaxBatchWait = defaultBatchWait
	}
	if c.SinkTimeout <= 0 {
		c.SinkTimeout = defaultSinkTimeout
	}
	if c.BaseContext == nil {
		c.BaseContext = context.Background()
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return c
}

// Hub collects events from workers and the session pool, batches them, and
// fans each batch out to every sink. Emit never blocks the caller.
type Hub struct {
	cfg    Config
	sinks  []Sink
	inbox  chan Event
	quit   chan struct{}
	done   chan struct{}
	logger *zap.Logger

	dropped     atomic.Int64
	lastDropLog atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine over the supplied sinks and returns a
// hub that immediately accepts events. Nil sinks are ignored.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	cfg = cfg.withDefaults()
	h := &Hub{
		cfg:    cfg,
		inbox:  make(chan Event, cfg.BufferSize),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: cfg.Logger,
	}
	for _, s := range sinks {
		if s != nil {
			h.sinks = append(h.sinks, s)
		}
	}
	go h.loop()
	return h
}

// Emit queues an event for delivery. Invalid events are discarded, and when
// the buffer is full the event is dropped with a throttled warning.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("dropping malformed progress event",
			zap.String("stage", string(evt.Stage)), zap.Error(err))
		return
	}
	select {
	case h.inbox <- evt:
	default:
		h.dropped.Add(1)
		h.logDrops(time.Now())
	}
}

// logDrops emits at most one backpressure warning per dropWarnInterval,
// carrying the number of events lost since the previous warning.
func (h *Hub) logDrops(now time.Time) {
	last := h.lastDropLog.Load()
	if now.UnixNano()-last < dropWarnInterval.Nanoseconds() {
		return
	}
	if !h.lastDropLog.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	h.logger.Warn("progress events dropped due to backpressure", zap.Int64("dropped", h.dropped.Swap(0)))
}

// Close flushes whatever is buffered, closes the sinks, and waits for the
// background goroutine to exit. Later calls return immediately.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.quit)
	})
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub shutdown: %w", ctx.Err())
	}
}

func (h *Hub) loop() {
	defer close(h.done)

	flush := time.NewTicker(h.cfg.MaxBatchWait)
	defer flush.Stop()

	batch := make([]Event, 0, h.cfg.MaxBatchEvents)
	for {
		select {
		case evt := <-h.inbox:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.deliver(batch)
			}
		case <-flush.C:
			batch = h.deliver(batch)
		case <-h.quit:
			h.shutdown(batch)
			return
		}
	}
}

// deliver copies the batch to every sink and returns the slice emptied for
// reuse. A sink failure is logged and does not stop delivery to the rest.
func (h *Hub) deliver(batch []Event) []Event {
	if len(batch) == 0 {
		return batch
	}
	out := append([]Event(nil), batch...)
	for _, sink := range h.sinks {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, out); err != nil {
			h.logger.Warn("sink rejected progress batch", zap.Error(err))
		}
		cancel()
	}
	return batch[:0]
}

// shutdown drains the inbox, delivers the remainder, and closes every sink.
func (h *Hub) shutdown(batch []Event) {
	for {
		select {
		case evt := <-h.inbox:
			batch = append(batch, evt)
			if len(batch) >= h.cfg.MaxBatchEvents {
				batch = h.deliver(batch)
			}
		default:
			h.deliver(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("sink close failed", zap.Error(err))
		}
	}
}
