package progress

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestHubFlushesAtBatchSize(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, rec)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(dispatchDone("shop.example.com"))
	hub.Emit(dispatchDone("shop.example.com"))

	require.Eventually(t, func() bool {
		batches := rec.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, rec)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sessionRetire("sess-01"))

	require.Eventually(t, func() bool {
		return len(rec.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubBackpressureDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	gate := &gateSink{entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(Config{
		BufferSize:     1,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
	}, gate)

	hub.Emit(dispatchDone("slow.example.com"))
	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatal("sink never saw the first event")
	}

	// The sink is now stuck mid-flush, so one more event fits in the buffer
	// and the rest must drop without blocking the emitter.
	start := time.Now()
	for i := 0; i < 5; i++ {
		hub.Emit(dispatchDone("slow.example.com"))
	}
	require.Less(t, time.Since(start), 100*time.Millisecond, "Emit must not wait on a stuck sink")

	close(gate.release)

	closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, hub.Close(closeCtx))

	var delivered int
	for _, batch := range gate.Batches() {
		delivered += len(batch)
	}
	require.Equal(t, 2, delivered, "one in flight plus one buffered; the rest drop")
}

func TestHubFansOutPastFailingSink(t *testing.T) {
	t.Parallel()

	failing := &failingSink{}
	rec := &recordingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
	}, failing, rec)

	hub.Emit(runStart())
	require.NoError(t, hub.Close(context.Background()))

	require.GreaterOrEqual(t, failing.calls.Load(), int32(1))
	require.Len(t, rec.Batches(), 1, "second sink must still receive the batch")
	require.True(t, rec.Closed())
}

func TestHubDropsMalformedEvents(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   10 * time.Millisecond,
	}, rec)

	malformed := []Event{
		{TS: time.Now(), Stage: StageRunStart},
		{RunID: UUIDToBytes(uuid.New()), Stage: StageRunStart},
		{RunID: UUIDToBytes(uuid.New()), TS: time.Now(), Stage: "MYSTERY"},
		{RunID: UUIDToBytes(uuid.New()), TS: time.Now(), Stage: StageSessionBlacklist, SessionID: "sess-01"},
	}
	for _, evt := range malformed {
		hub.Emit(evt)
	}

	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, rec.Batches())
}

func TestHubFlushesBufferedEventsOnClose(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, rec)

	hub.Emit(dispatchDone("shop.example.com"))
	require.NoError(t, hub.Close(context.Background()))

	batches := rec.Batches()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 1)
	require.True(t, rec.Closed())
}

func TestHubIgnoresEmitAfterClose(t *testing.T) {
	t.Parallel()

	rec := &recordingSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, rec)

	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(dispatchDone("shop.example.com"))
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, rec.Batches())

	var gone *Hub
	gone.Emit(runStart())
	require.NoError(t, gone.Close(context.Background()))
}

type recordingSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func (s *recordingSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *recordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func (s *recordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// gateSink holds every Consume call until release is closed and signals
// entered on the first one.
type gateSink struct {
	recordingSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *gateSink) Consume(ctx context.Context, batch []Event) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return s.recordingSink.Consume(ctx, batch)
}

type failingSink struct {
	calls atomic.Int32
}

func (s *failingSink) Consume(context.Context, []Event) error {
	s.calls.Add(1)
	return errors.New("archive unavailable")
}

func (s *failingSink) Close(context.Context) error { return nil }

func runStart() Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: StageRunStart,
	}
}

func dispatchDone(host string) Event {
	return Event{
		RunID:       UUIDToBytes(uuid.New()),
		TS:          time.Now(),
		Stage:       StageDispatchDone,
		Host:        host,
		URL:         "https://" + host + "/item/1",
		StatusClass: Status2xx,
		Bytes:       1024,
		Dispatches:  1,
		Dur:         45 * time.Millisecond,
	}
}

func sessionRetire(id string) Event {
	return Event{
		RunID:     UUIDToBytes(uuid.New()),
		TS:        time.Now(),
		Stage:     StageSessionRetire,
		SessionID: id,
	}
}
