package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://shop.example.com/catalog", "shop.example.com"},
		{"uppercase host", "https://Shop.Example.com/catalog", "shop.example.com"},
		{"no scheme", "shop.example.com/catalog", "shop.example.com"},
		{"bare host", "shop.example.com", "shop.example.com"},
		{"host with port", "proxy.example.net:24000", "proxy.example.net"},
		{"ip address", "10.20.30.40", "10.20.30.40"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIdempotent(t *testing.T) {
	Init()
	Init()

	if rotatorDispatchesTotal == nil || rotatorBytesTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil ||
		rotatorRequestsTotal == nil || rotatorHostGateDelaysSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveDispatchCounts(t *testing.T) {
	Init()

	ObserveDispatch("https://shop.example.com/item/1", "success", 2048)
	ObserveDispatch("https://shop.example.com/item/2", "success", 1024)

	dispatches := rotatorDispatchesTotal.WithLabelValues("shop.example.com", "success")
	if got := testutil.ToFloat64(dispatches); got != 2 {
		t.Errorf("dispatch counter = %f; want 2", got)
	}
	fetched := rotatorBytesTotal.WithLabelValues("shop.example.com")
	if got := testutil.ToFloat64(fetched); got != 3072 {
		t.Errorf("byte counter = %f; want 3072", got)
	}
}

func TestObserveRequestState(t *testing.T) {
	Init()

	ObserveRequestState("succeeded")
	ObserveRequestState("succeeded")
	ObserveRequestState("failed")

	if got := testutil.ToFloat64(rotatorRequestsTotal.WithLabelValues("succeeded")); got != 2 {
		t.Errorf("succeeded counter = %f; want 2", got)
	}
	if got := testutil.ToFloat64(rotatorRequestsTotal.WithLabelValues("failed")); got != 1 {
		t.Errorf("failed counter = %f; want 1", got)
	}
}

func TestWorkerGauges(t *testing.T) {
	Init()

	IncActiveWorkers()
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(rotatorActiveWorkers); got != 1 {
		t.Errorf("active workers gauge = %f; want 1", got)
	}
	DecActiveWorkers()

	SetQueueDepth(7)
	if got := testutil.ToFloat64(rotatorQueueDepth); got != 7 {
		t.Errorf("queue depth gauge = %f; want 7", got)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	seeds := []string{"http://shop.example.com", "https://news.example.org", "ftp://archive.example.net"}
	for _, s := range seeds {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
