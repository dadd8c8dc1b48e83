package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

func testSession() rotation.Session {
	return rotation.Session{
		ID: "sess-0001",
		Endpoint: rotation.Endpoint{
			Host:     "proxy.test",
			Port:     33335,
			Username: "user-session-0001",
			Password: "pw",
		},
		Fingerprint: rotation.Fingerprint{
			Name:      "chrome-120-win",
			UserAgent: "Mozilla/5.0 test-agent",
			Headers:   map[string]string{"Accept-Language": "en-US"},
		},
	}
}

func TestBuildCollectorAppliesSessionIdentity(t *testing.T) {
	t.Parallel()

	f := New(Config{Timeout: time.Second})
	sess := testSession()

	collector := f.buildCollector(rotation.Request{URL: "https://shop.example.com"}, sess,
		time.Unix(0, 0), &rotation.Response{}, new(error))
	if collector.UserAgent != sess.Fingerprint.UserAgent {
		t.Fatalf("expected session user agent, got %q", collector.UserAgent)
	}
	if !collector.ParseHTTPErrorResponse {
		t.Fatal("expected blocked statuses to surface as responses")
	}
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	req := rotation.Request{
		URL:     "https://shop.example.com",
		Headers: map[string]string{"X-Trace": "yes", "Accept-Language": "de-DE"},
	}
	sess := testSession()
	start := time.Unix(0, 0)
	var result rotation.Response
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, req, sess, start, &result, &fetchErr)
	if hooks.onRequest == nil || hooks.onResponse == nil || hooks.onError == nil {
		t.Fatal("expected hooks to be registered")
	}

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	if collyReq.Headers.Get("X-Trace") != "yes" {
		t.Fatalf("expected request header propagation, got %+v", collyReq.Headers)
	}
	if collyReq.Headers.Get("Accept-Language") != "de-DE" {
		t.Fatal("request headers must win over fingerprint headers")
	}

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusTooManyRequests,
		Body:       []byte("slow down"),
		Headers:    &http.Header{"Retry-After": {"30"}},
		Request: &colly.Request{
			URL: mustParseURL(t, "https://shop.example.com/catalog"),
		},
	})
	if result.StatusCode != http.StatusTooManyRequests || string(result.Body) != "slow down" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if http.Header(result.Headers).Get("Retry-After") != "30" {
		t.Fatalf("expected headers copied, got %+v", result.Headers)
	}
	if result.FinalURL != "https://shop.example.com/catalog" {
		t.Fatalf("unexpected final url %q", result.FinalURL)
	}

	hooks.onError(nil, errors.New("boom"))
	if fetchErr == nil || fetchErr.Error() != "boom" {
		t.Fatalf("expected fetchErr set, got %v", fetchErr)
	}
}

func TestProxyForUsesSessionEndpoint(t *testing.T) {
	t.Parallel()

	sess := testSession()
	proxy := proxyFor(sess)
	httpReq, _ := http.NewRequest(http.MethodGet, "https://shop.example.com", nil)

	u, err := proxy(httpReq)
	if err != nil {
		t.Fatalf("proxy func error = %v", err)
	}
	if u == nil || u.Host != "proxy.test:33335" {
		t.Fatalf("proxy = %v, want session endpoint", u)
	}
	if u.User == nil || u.User.Username() != "user-session-0001" {
		t.Fatalf("proxy credentials missing: %v", u)
	}

	if proxyFor(rotation.Session{}) == nil {
		t.Fatal("sessionless dispatch still needs a proxy selector")
	}
}

func TestDispatchAgainstLocalServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/blocked" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>prices</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})

	resp, err := f.Dispatch(context.Background(), rotation.Request{URL: srv.URL + "/catalog"}, rotation.Session{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if len(resp.Body) == 0 || resp.Duration <= 0 {
		t.Fatalf("response not populated: %+v", resp)
	}

	resp, err = f.Dispatch(context.Background(), rotation.Request{URL: srv.URL + "/blocked"}, rotation.Session{})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("StatusCode = %d, want 403 delivered as a response", resp.StatusCode)
	}
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("failed to parse url %q: %v", raw, err)
	}
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
