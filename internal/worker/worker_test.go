package worker

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
	memqueue "github.com/JakeFAU/proxy-session-rotator/internal/queue/memory"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
	memstore "github.com/JakeFAU/proxy-session-rotator/internal/storage/memory"
)

func TestWorkerProcessesSuccessfulDispatch(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memqueue.NewQueue(4)
	requests := memstore.NewRequestStore()
	engine := &fakeEngine{results: map[string]rotation.Result{
		"https://shop.example.com/catalog": {
			State:      rotation.StateSucceeded,
			Attempts:   1,
			SessionIDs: []string{"sess-0001"},
			StatusCode: http.StatusOK,
			Response: &rotation.Response{
				StatusCode: http.StatusOK,
				Body:       []byte("<html>ok</html>"),
			},
		},
	}}
	blobStore := newFakeBlobStore()
	publisher := newFakePublisher()
	emitter := &captureEmitter{}

	w := New(
		queue,
		requests,
		engine,
		blobStore,
		publisher,
		&fakeHasher{hash: "abc123"},
		&fakeClock{now: time.Unix(100, 0)},
		emitter,
		Config{
			ContentType: "text/html",
			BlobPrefix:  "artifacts",
			Topic:       "dispatch.results",
			RunID:       uuid.New(),
		},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.NoError(t, requests.CreateRequest(ctx, rotation.DispatchRecord{
		ID:         "req-1",
		URL:        "https://shop.example.com/catalog",
		Method:     http.MethodGet,
		EnqueuedAt: time.Unix(90, 0),
	}))
	require.NoError(t, queue.Enqueue(ctx, rotation.Request{
		ID:  "req-1",
		URL: "https://shop.example.com/catalog",
	}))

	require.Eventually(t, func() bool {
		got, err := requests.GetRequest(ctx, "req-1")
		return err == nil && got.State == rotation.StateSucceeded
	}, time.Second, 10*time.Millisecond)

	got, err := requests.GetRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Equal(t, []string{"sess-0001"}, got.SessionIDs)
	require.Equal(t, http.StatusOK, got.StatusCode)
	require.Equal(t, 1, got.Attempts)
	require.NotNil(t, got.CompletedAt)

	require.Equal(t, "artifacts/req-1/abc123.html", blobStore.lastBlobPath())
	require.Eventually(t, func() bool {
		return len(publisher.published()) == 1
	}, time.Second, 10*time.Millisecond)
	msg := publisher.published()[0]
	require.Equal(t, "req-1", msg["request_id"])
	require.Equal(t, "memory://artifacts/req-1/abc123.html", msg["blob_uri"])
	require.Equal(t, string(rotation.StateSucceeded), msg["state"])

	require.Eventually(t, func() bool {
		stages := emitter.stages()
		return len(stages) == 2 &&
			stages[0] == progress.StageDispatchStart &&
			stages[1] == progress.StageDispatchDone
	}, time.Second, 10*time.Millisecond)
	done := emitter.lastEvent()
	require.Equal(t, "shop.example.com", done.Host)
	require.Equal(t, progress.Status2xx, done.StatusClass)
	require.Equal(t, int64(len("<html>ok</html>")), done.Bytes)
	cancel()
}

func TestWorkerRecordsFailedDispatch(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memqueue.NewQueue(4)
	requests := memstore.NewRequestStore()
	engine := &fakeEngine{results: map[string]rotation.Result{
		"https://shop.example.com/blocked": {
			State:      rotation.StateFailed,
			Attempts:   4,
			SessionIDs: []string{"sess-0001", "sess-0002"},
			StatusCode: http.StatusServiceUnavailable,
			Err:        fmt.Errorf("%w after 4 attempts: status 503", rotation.ErrRetriesExhausted),
		},
	}}
	publisher := newFakePublisher()
	emitter := &captureEmitter{}

	w := New(
		queue,
		requests,
		engine,
		nil,
		publisher,
		nil,
		&fakeClock{now: time.Unix(200, 0)},
		emitter,
		Config{Topic: "dispatch.results", RunID: uuid.New()},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.NoError(t, requests.CreateRequest(ctx, rotation.DispatchRecord{
		ID:         "req-2",
		URL:        "https://shop.example.com/blocked",
		EnqueuedAt: time.Unix(190, 0),
	}))
	require.NoError(t, queue.Enqueue(ctx, rotation.Request{
		ID:  "req-2",
		URL: "https://shop.example.com/blocked",
	}))

	require.Eventually(t, func() bool {
		got, err := requests.GetRequest(ctx, "req-2")
		return err == nil && got.State == rotation.StateFailed
	}, time.Second, 10*time.Millisecond)

	got, err := requests.GetRequest(ctx, "req-2")
	require.NoError(t, err)
	require.Equal(t, 4, got.Attempts)
	require.Len(t, got.SessionIDs, 2)
	require.Contains(t, got.ErrorText, "retries exhausted")
	require.Zero(t, len(publisher.published()), "failed dispatches must not publish")

	require.Eventually(t, func() bool {
		stages := emitter.stages()
		return len(stages) == 2 && stages[1] == progress.StageDispatchFailed
	}, time.Second, 10*time.Millisecond)
	cancel()
}

func TestWorkerCreatesMissingRecords(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memqueue.NewQueue(1)
	requests := memstore.NewRequestStore()
	engine := &fakeEngine{}

	w := New(
		queue,
		requests,
		engine,
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(300, 0)},
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	// No record was created up front; the message arrived from an external
	// producer straight onto the queue.
	require.NoError(t, queue.Enqueue(ctx, rotation.Request{
		ID:     "req-external",
		URL:    "https://shop.example.com/item",
		Method: http.MethodGet,
	}))

	require.Eventually(t, func() bool {
		got, err := requests.GetRequest(ctx, "req-external")
		return err == nil && got.State == rotation.StateSucceeded
	}, time.Second, 10*time.Millisecond)

	got, err := requests.GetRequest(ctx, "req-external")
	require.NoError(t, err)
	require.Equal(t, "https://shop.example.com/item", got.URL)
	require.Equal(t, time.Unix(300, 0), got.EnqueuedAt)
	cancel()
}

func TestWorkerSkipsCancelledRequests(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := memqueue.NewQueue(4)
	requests := memstore.NewRequestStore()
	engine := &fakeEngine{}

	w := New(
		queue,
		requests,
		engine,
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(400, 0)},
		nil,
		Config{},
		zap.NewNop(),
	)

	go w.Run(ctx)

	require.NoError(t, requests.CreateRequest(ctx, rotation.DispatchRecord{
		ID:         "req-cancelled",
		URL:        "https://shop.example.com/old",
		State:      rotation.StateCancelled,
		EnqueuedAt: time.Unix(390, 0),
	}))
	require.NoError(t, queue.Enqueue(ctx, rotation.Request{
		ID:  "req-cancelled",
		URL: "https://shop.example.com/old",
	}))
	require.NoError(t, queue.Enqueue(ctx, rotation.Request{
		ID:  "req-live",
		URL: "https://shop.example.com/new",
	}))

	require.Eventually(t, func() bool {
		got, err := requests.GetRequest(ctx, "req-live")
		return err == nil && got.State == rotation.StateSucceeded
	}, time.Second, 10*time.Millisecond)

	got, err := requests.GetRequest(ctx, "req-cancelled")
	require.NoError(t, err)
	require.Equal(t, rotation.StateCancelled, got.State, "cancelled record must not be dispatched")
	require.Equal(t, 1, engine.callCount(), "only the live request reaches the engine")
	cancel()
}

func TestWorkerStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()
	metrics.Init()

	queue := memqueue.NewQueue(1)
	w := New(
		queue,
		memstore.NewRequestStore(),
		&fakeEngine{},
		nil,
		nil,
		nil,
		&fakeClock{now: time.Unix(0, 0)},
		nil,
		Config{},
		zap.NewNop(),
	)

	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()

	queue.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue close")
	}
}

func TestWorkerBuildBlobPath(t *testing.T) {
	t.Parallel()

	w := New(nil, nil, nil, nil, nil, nil, nil, nil, Config{BlobPrefix: "/artifacts/"}, zap.NewNop())
	if got := w.buildBlobPath("req", "hash"); got != "artifacts/req/hash.html" {
		t.Fatalf("unexpected blob path: %s", got)
	}
	w.cfg.BlobPrefix = ""
	if got := w.buildBlobPath("req", "hash"); got != "req/hash.html" {
		t.Fatalf("unexpected fallback blob path: %s", got)
	}
}

// --- fakes ---

// fakeEngine answers scripted results by URL; unscripted URLs succeed with
// an empty 200.
type fakeEngine struct {
	mu      sync.Mutex
	results map[string]rotation.Result
	err     error
	calls   int
}

func (e *fakeEngine) Do(_ context.Context, req rotation.Request) (rotation.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return rotation.Result{}, e.err
	}
	if res, ok := e.results[req.URL]; ok {
		res.Request = req
		return res, nil
	}
	return rotation.Result{
		Request:    req,
		State:      rotation.StateSucceeded,
		Attempts:   1,
		StatusCode: http.StatusOK,
	}, nil
}

func (e *fakeEngine) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type fakeBlobStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	lastPath string
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (b *fakeBlobStore) PutObject(_ context.Context, path string, _ string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.objects[path] = append([]byte(nil), data...)
	b.lastPath = path
	return "memory://" + path, nil
}

func (b *fakeBlobStore) lastBlobPath() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastPath
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []map[string]any
	err      error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{}
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := payload.(map[string]any); ok {
		p.messages = append(p.messages, m)
	}
	return "msgid", nil
}

func (p *fakePublisher) published() []map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]map[string]any(nil), p.messages...)
}

type fakeHasher struct {
	hash string
	err  error
}

func (h *fakeHasher) Hash(data []byte) (string, error) {
	if h.err != nil {
		return "", h.err
	}
	if h.hash != "" {
		return h.hash, nil
	}
	return string(data), nil
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (e *captureEmitter) Emit(evt progress.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *captureEmitter) stages() []progress.Stage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]progress.Stage, 0, len(e.events))
	for _, evt := range e.events {
		out = append(out, evt.Stage)
	}
	return out
}

func (e *captureEmitter) lastEvent() progress.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.events) == 0 {
		return progress.Event{}
	}
	return e.events[len(e.events)-1]
}
