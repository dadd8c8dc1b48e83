// Package headless executes JavaScript-dependent fetches with a browser.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

const (
	defaultNavTimeout = 45 * time.Second
	// settleDelay gives client-side rendering a beat after body readiness.
	settleDelay = 500 * time.Millisecond
)

// Config controls the behavior of the headless transport.
type Config struct {
	MaxParallel       int
	NavigationTimeout time.Duration

	// ProxyAddr routes browser traffic through the rotation endpoint, for
	// example "brd.superproxy.io:33335". The per-session credentials answer
	// the proxy's auth challenge on each dispatch; without an address the
	// browser goes direct.
	ProxyAddr string
}

// Fetcher implements rotation.Transport using chromedp and headless Chrome.
// One browser process serves all sessions; session identity travels in the
// proxy credentials and the fingerprint override per dispatch.
type Fetcher struct {
	cfg         Config
	slots       chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless transport backed by chromedp.
func NewChromedp(cfg Config) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavTimeout
	}
	var slots chan struct{}
	if cfg.MaxParallel > 0 {
		slots = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ProxyAddr != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyAddr))
	}
	allocator, cancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Fetcher{
		cfg:         cfg,
		slots:       slots,
		allocator:   allocator,
		allocCancel: cancel,
	}, nil
}

// Close tears down the browser allocator.
func (f *Fetcher) Close() {
	f.allocCancel()
}

// Dispatch navigates with a headless browser and returns the fully rendered
// DOM. Headless dispatches always navigate, so the request method is
// effectively GET.
func (f *Fetcher) Dispatch(ctx context.Context, req rotation.Request, sess rotation.Session) (rotation.Response, error) {
	if err := f.acquire(ctx); err != nil {
		return rotation.Response{}, err
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()

	doc := &docResponse{}
	chromedp.ListenTarget(taskCtx, doc.listen)
	if f.authRequired(sess) {
		answerAuthChallenges(taskCtx, sess)
	}

	start := time.Now()
	html, located, err := f.navigate(taskCtx, req, sess)
	if err != nil {
		return rotation.Response{}, err
	}

	status, headers, finalURL := doc.result(req.URL, located)
	return rotation.Response{
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		FinalURL:   finalURL,
		Duration:   time.Since(start),
	}, nil
}

func (f *Fetcher) authRequired(sess rotation.Session) bool {
	return f.cfg.ProxyAddr != "" && sess.Endpoint.Username != ""
}

func (f *Fetcher) navigate(ctx context.Context, req rotation.Request, sess rotation.Session) (string, string, error) {
	var html, located string
	err := chromedp.Run(ctx,
		f.prepare(req, sess),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.Location(&located),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, located, nil
}

// prepare enables the CDP domains the dispatch needs and applies the
// session's fingerprint before navigation.
func (f *Fetcher) prepare(req rotation.Request, sess rotation.Session) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if f.authRequired(sess) {
			if err := fetch.Enable().WithHandleAuthRequests(true).Do(ctx); err != nil {
				return fmt.Errorf("enable fetch domain: %w", err)
			}
		}
		if ua := sess.Fingerprint.UserAgent; ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if headers := mergeHeaders(sess.Fingerprint.Headers, req.Headers); len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(headers).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// answerAuthChallenges provides the session's proxy credentials when the
// endpoint challenges the tunnel, and waves through every paused request.
func answerAuthChallenges(ctx context.Context, sess rotation.Session) {
	chromedp.ListenTarget(ctx, func(ev any) {
		switch ev := ev.(type) {
		case *fetch.EventRequestPaused:
			go func() {
				c := chromedp.FromContext(ctx)
				execCtx := cdp.WithExecutor(ctx, c.Target)
				_ = fetch.ContinueRequest(ev.RequestID).Do(execCtx)
			}()
		case *fetch.EventAuthRequired:
			go func() {
				c := chromedp.FromContext(ctx)
				execCtx := cdp.WithExecutor(ctx, c.Target)
				_ = fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
					Response: fetch.AuthChallengeResponseResponseProvideCredentials,
					Username: sess.Endpoint.Username,
					Password: sess.Endpoint.Password,
				}).Do(execCtx)
			}()
		}
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	if f.slots == nil {
		return nil
	}
	select {
	case f.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	if f.slots == nil {
		return
	}
	<-f.slots
}

// docResponse records the network response of the top-level document as the
// browser emits it.
type docResponse struct {
	mu     sync.Mutex
	status int
	hdr    http.Header
	url    string
}

func (d *docResponse) listen(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.hdr = decodeHeaders(resp.Response.Headers)
}

// result applies fallbacks: a redirect can leave the document URL behind the
// final location, and some navigations never emit a response event at all.
func (d *docResponse) result(requestURL, locatedURL string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, hdr, url := d.status, d.hdr, d.url
	if url == "" {
		url = locatedURL
	}
	if url == "" {
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if hdr == nil {
		hdr = http.Header{}
	}
	return status, hdr, url
}

// decodeHeaders flattens the loosely typed CDP header map.
func decodeHeaders(raw network.Headers) http.Header {
	hdr := http.Header{}
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			hdr.Add(key, v)
		case []interface{}:
			for _, item := range v {
				hdr.Add(key, fmt.Sprint(item))
			}
		default:
			hdr.Add(key, fmt.Sprint(v))
		}
	}
	return hdr
}

func mergeHeaders(fingerprint, request map[string]string) network.Headers {
	if len(fingerprint)+len(request) == 0 {
		return nil
	}
	headers := network.Headers{}
	for key, value := range fingerprint {
		headers[key] = value
	}
	for key, value := range request {
		headers[key] = value
	}
	return headers
}
