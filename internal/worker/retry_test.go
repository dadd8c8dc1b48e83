package worker

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/clock/system"
	"github.com/JakeFAU/proxy-session-rotator/internal/fingerprint"
	"github.com/JakeFAU/proxy-session-rotator/internal/hash/sha256"
	idgen "github.com/JakeFAU/proxy-session-rotator/internal/id/uuid"
	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
	memqueue "github.com/JakeFAU/proxy-session-rotator/internal/queue/memory"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
	memstore "github.com/JakeFAU/proxy-session-rotator/internal/storage/memory"
)

// countingTransport answers 503 for its first fails calls, then 200.
type countingTransport struct {
	mu       sync.Mutex
	attempts int
	fails    int
}

func (f *countingTransport) Dispatch(_ context.Context, req rotation.Request, _ rotation.Session) (rotation.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.attempts <= f.fails {
		return rotation.Response{StatusCode: http.StatusServiceUnavailable}, nil
	}
	return rotation.Response{
		StatusCode: http.StatusOK,
		Body:       []byte("success"),
		FinalURL:   req.URL,
	}, nil
}

func (f *countingTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// instantRetry keeps the retry budget but never sleeps.
type instantRetry struct{ retries int }

func (r instantRetry) ShouldRetry(attempt int) bool { return attempt <= r.retries }
func (r instantRetry) Backoff(int) time.Duration    { return 0 }

func newRetryEngine(t *testing.T, transport rotation.Transport, maxRetries int) *rotation.Engine {
	t.Helper()

	prints, err := fingerprint.New(fingerprint.DefaultProfiles(), 7, sha256.New(), zap.NewNop())
	require.NoError(t, err)

	engine, err := rotation.NewEngine(rotation.Config{
		MaxSessions:        2,
		RotationInterval:   50,
		Policy:             rotation.PolicyRoundRobin,
		AcquisitionTimeout: time.Second,
		MaxRetries:         maxRetries,
		BlacklistThreshold: 5,
		BlacklistDuration:  time.Hour,
		Seed:               7,
	}, rotation.EngineDeps{
		Credential:   rotation.Credential{Host: "proxy.test", Port: 33335, Username: "user", Password: "pw"},
		Fingerprints: prints,
		Transport:    transport,
		RetryPolicy:  instantRetry{retries: maxRetries},
		Clock:        system.New(),
		IDs:          idgen.NewUUIDGenerator(),
		Logger:       zap.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)
	return engine
}

func TestWorkerRetriesThroughEngine(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fails 2 times, succeeds on 3rd attempt.
	transport := &countingTransport{fails: 2}
	engine := newRetryEngine(t, transport, 3)

	queue := memqueue.NewQueue(2)
	requests := memstore.NewRequestStore()
	w := New(queue, requests, engine, nil, nil, nil, system.New(), nil, Config{}, zap.NewNop())

	go w.Run(ctx)

	require.NoError(t, requests.CreateRequest(ctx, rotation.DispatchRecord{
		ID:         "req-retry",
		URL:        "https://shop.example.com/catalog",
		EnqueuedAt: time.Now(),
	}))
	require.NoError(t, queue.Enqueue(ctx, rotation.Request{
		ID:  "req-retry",
		URL: "https://shop.example.com/catalog",
	}))

	require.Eventually(t, func() bool {
		got, err := requests.GetRequest(ctx, "req-retry")
		return err == nil && got.State == rotation.StateSucceeded
	}, 2*time.Second, 10*time.Millisecond)

	got, err := requests.GetRequest(ctx, "req-retry")
	require.NoError(t, err)
	require.Equal(t, 3, got.Attempts)
	require.Len(t, got.SessionIDs, 3)
	require.Equal(t, http.StatusOK, got.StatusCode)
	require.Equal(t, 3, transport.count())
	cancel()
}

func TestWorkerRetryExhausted(t *testing.T) {
	t.Parallel()
	metrics.Init()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Fails 10 times, max retries is 3.
	transport := &countingTransport{fails: 10}
	engine := newRetryEngine(t, transport, 3)

	queue := memqueue.NewQueue(2)
	requests := memstore.NewRequestStore()
	w := New(queue, requests, engine, nil, nil, nil, system.New(), nil, Config{}, zap.NewNop())

	go w.Run(ctx)

	require.NoError(t, requests.CreateRequest(ctx, rotation.DispatchRecord{
		ID:         "req-retry-fail",
		URL:        "https://shop.example.com/catalog",
		EnqueuedAt: time.Now(),
	}))
	require.NoError(t, queue.Enqueue(ctx, rotation.Request{
		ID:  "req-retry-fail",
		URL: "https://shop.example.com/catalog",
	}))

	require.Eventually(t, func() bool {
		got, err := requests.GetRequest(ctx, "req-retry-fail")
		return err == nil && got.State == rotation.StateFailed
	}, 2*time.Second, 10*time.Millisecond)

	// Initial attempt + 3 retries = 4 attempts.
	got, err := requests.GetRequest(ctx, "req-retry-fail")
	require.NoError(t, err)
	require.Equal(t, 4, got.Attempts)
	require.Contains(t, got.ErrorText, "retries exhausted")
	require.Equal(t, 4, transport.count())
	cancel()
}
