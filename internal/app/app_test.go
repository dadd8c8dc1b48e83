package app

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/config"
	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
	memorypublisher "github.com/JakeFAU/proxy-session-rotator/internal/publisher/memory"
	memqueue "github.com/JakeFAU/proxy-session-rotator/internal/queue/memory"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
	"github.com/JakeFAU/proxy-session-rotator/internal/storage/local"
	memstore "github.com/JakeFAU/proxy-session-rotator/internal/storage/memory"
	"github.com/JakeFAU/proxy-session-rotator/internal/store"
)

type stubTransport struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTransport) Dispatch(context.Context, rotation.Request, rotation.Session) (rotation.Response, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return rotation.Response{
		StatusCode: 200,
		Body:       []byte("<html><body>inventory page</body></html>"),
	}, nil
}

func (s *stubTransport) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type captureEmitter struct {
	mu     sync.Mutex
	events []progress.Event
}

func (c *captureEmitter) Emit(evt progress.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureEmitter) all() []progress.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]progress.Event, len(c.events))
	copy(out, c.events)
	return out
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type remoteQueueStub struct{}

func (remoteQueueStub) Enqueue(context.Context, rotation.Request) error { return nil }

func (remoteQueueStub) Dequeue(context.Context) (rotation.Request, error) {
	return rotation.Request{}, rotation.ErrQueueClosed
}

func memoryConfig() config.Config {
	cfg := config.Config{}
	cfg.Storage.Backend = "memory"
	cfg.Workers.Count = 2
	cfg.Workers.QueueCapacity = 8
	cfg.HTTP.TimeoutSeconds = 5
	cfg.Progress.BufferSize = 64
	cfg.Progress.BatchSize = 16
	cfg.Progress.FlushSeconds = 1
	return cfg
}

// buildTestApp swaps in a fresh metrics registry so sequential Builds inside
// one test binary do not trip duplicate collector registration.
func buildTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	metricsRegistry = prometheus.NewRegistry()
	t.Cleanup(func() { metricsRegistry = prometheus.DefaultRegisterer })
	a, err := Build(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	return a
}

func withStubTransport(t *testing.T, transport rotation.Transport) {
	t.Helper()
	prev := newTransport
	newTransport = func(config.Config) rotation.Transport { return transport }
	t.Cleanup(func() { newTransport = prev })
}

func TestBuildMemoryBackends(t *testing.T) {
	a := buildTestApp(t, memoryConfig())
	defer a.Close(context.Background())

	require.NotNil(t, a.engine)
	require.NotNil(t, a.dispatch)
	require.NotNil(t, a.server)
	require.NotNil(t, a.hub)
	require.IsType(t, &memstore.BlobStore{}, a.blobs)
	require.IsType(t, &memstore.RunRepo{}, a.runs)
	require.IsType(t, &memqueue.Queue{}, a.queue)
	require.NotEqual(t, uuid.Nil, a.RunID())
}

func TestBuildLocalBlobStore(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Backend = "local"
	cfg.Storage.LocalDir = t.TempDir()

	a := buildTestApp(t, cfg)
	defer a.Close(context.Background())

	require.IsType(t, &local.BlobStore{}, a.blobs)
}

func TestBuildUnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Storage.Backend = "tape"

	_, err := Build(context.Background(), cfg, zap.NewNop())
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown storage backend")
}

func TestRunBatchProcessesTargets(t *testing.T) {
	transport := &stubTransport{}
	withStubTransport(t, transport)

	cfg := memoryConfig()
	cfg.Publisher.Topic = "rotator-results"
	cfg.StandardTargets = map[string]config.Target{
		"inventory": {URLs: []string{
			"https://shop.example.com/a",
			"https://shop.example.com/b",
		}},
	}

	a := buildTestApp(t, cfg)
	runID := a.RunID()

	require.NoError(t, a.RunBatch(context.Background(), nil))

	recs, err := a.requests.ListRequests(context.Background(), rotation.StateSucceeded, 10)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, 2, transport.total())

	blobs, ok := a.blobs.(*memstore.BlobStore)
	require.True(t, ok)
	_, found := blobs.Object(fmt.Sprintf("reports/%s.json", runID))
	require.True(t, found, "report artifact should be stored")

	pub, ok := a.publisher.(*memorypublisher.Publisher)
	require.True(t, ok)
	require.GreaterOrEqual(t, pub.Len(), 3, "two dispatch results plus the run summary")

	a.Close(context.Background())

	run, err := a.runs.GetRun(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, store.RunSuccess, run.Status)
	require.NotNil(t, run.ReportURI)
}

func TestRunBatchUnknownTarget(t *testing.T) {
	transport := &stubTransport{}
	withStubTransport(t, transport)

	cfg := memoryConfig()
	cfg.StandardTargets = map[string]config.Target{
		"inventory": {URLs: []string{"https://shop.example.com/a"}},
	}

	a := buildTestApp(t, cfg)
	defer a.Close(context.Background())

	err := a.RunBatch(context.Background(), []string{"nope"})
	require.ErrorContains(t, err, "unknown target")
	require.Zero(t, transport.total())
}

func TestRunBatchRejectsRemoteQueue(t *testing.T) {
	t.Parallel()

	a := &App{queue: remoteQueueStub{}}
	err := a.RunBatch(context.Background(), nil)
	require.ErrorContains(t, err, "in-memory queue")
}

func TestSelectTargets(t *testing.T) {
	t.Parallel()

	a := &App{cfg: config.Config{StandardTargets: map[string]config.Target{
		"alpha": {URLs: []string{"https://a.example.com"}},
		"beta":  {URLs: []string{"https://b.example.com"}},
	}}}

	all, err := a.selectTargets(nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "alpha", all[0].name)
	require.Equal(t, "beta", all[1].name)

	one, err := a.selectTargets([]string{"beta"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	require.Equal(t, "beta", one[0].name)

	_, err = a.selectTargets([]string{"gamma"})
	require.ErrorContains(t, err, "unknown target")

	empty := &App{}
	_, err = empty.selectTargets(nil)
	require.ErrorContains(t, err, "no standard targets")
}

func TestPoolObserverEmitsSessionEvents(t *testing.T) {
	t.Parallel()

	capture := &captureEmitter{}
	runID := progress.UUIDToBytes(uuid.MustParse("7f2a1c7e-9f0b-4c7a-8a9e-1d2f3a4b5c6d"))
	obs := poolObserver{hub: capture, runID: runID, clock: fixedClock{now: time.Unix(500, 0)}}

	obs.SessionCreated(rotation.Session{ID: "sess-1"})
	obs.SessionBlacklisted(rotation.Session{ID: "sess-1"}, rotation.BlacklistEntry{Reason: "rateLimited"})
	obs.SessionRetired(rotation.Session{ID: "sess-1"})

	events := capture.all()
	require.Len(t, events, 3)
	require.Equal(t, progress.StageSessionCreate, events[0].Stage)
	require.Equal(t, progress.StageSessionBlacklist, events[1].Stage)
	require.Equal(t, "rateLimited", events[1].Reason)
	require.Equal(t, progress.StageSessionRetire, events[2].Stage)
	for _, evt := range events {
		require.Equal(t, runID, evt.RunID)
		require.Equal(t, time.Unix(500, 0), evt.TS)
		require.Equal(t, "sess-1", evt.SessionID)
	}
}

func TestRetryHookEmitsOnRotate(t *testing.T) {
	t.Parallel()

	capture := &captureEmitter{}
	runID := progress.UUIDToBytes(uuid.MustParse("9b8c7d6e-5f4a-4b3c-9d2e-1f0a9b8c7d6e"))
	hook := retryHook(capture, runID, fixedClock{now: time.Unix(500, 0)})

	req := rotation.Request{URL: "https://shop.example.com/a"}
	rotating := rotation.Verdict{
		Rotate:  true,
		Outcome: rotation.Outcome{Kind: rotation.OutcomeHTTPError, StatusCode: 429},
	}
	require.Equal(t, rotation.HookProceed, hook(context.Background(), req, nil, rotating))

	events := capture.all()
	require.Len(t, events, 1)
	require.Equal(t, progress.StageDispatchRetry, events[0].Stage)
	require.Equal(t, "shop.example.com", events[0].Host)
	require.Equal(t, "https://shop.example.com/a", events[0].URL)
	require.Equal(t, string(rotation.OutcomeHTTPError), events[0].Note)

	require.Equal(t, rotation.HookProceed,
		hook(context.Background(), req, nil, rotation.Verdict{Rotate: false}))
	require.Equal(t, rotation.HookProceed,
		hook(context.Background(), req, nil, rotation.Verdict{Rotate: true, Fatal: true}))
	require.Len(t, capture.all(), 1)
}
