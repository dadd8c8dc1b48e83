// Package collyfetcher implements the plain-HTTP transport using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// Config controls collector behavior.
type Config struct {
	// Timeout bounds one dispatch, including the proxy handshake.
	Timeout time.Duration

	// MaxBodySize caps response bodies in bytes. Zero keeps colly's default.
	MaxBodySize int
}

// Fetcher implements rotation.Transport using the Colly collector. Every
// dispatch clones the base collector, points it at the session's proxy
// endpoint and sends the session's fingerprint.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	c := colly.NewCollector(colly.Async(false))
	c.IgnoreRobotsTxt = true
	// Blocked statuses must come back as responses for classification, not
	// as collector errors.
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Dispatch executes a single request through the session's proxy endpoint.
// A session without an endpoint goes direct, which is how bypassed
// bookkeeping traffic travels.
func (f *Fetcher) Dispatch(ctx context.Context, req rotation.Request, sess rotation.Session) (rotation.Response, error) {
	var (
		result   rotation.Response
		fetchErr error
	)
	start := time.Now()
	collector := f.buildCollector(req, sess, start, &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req, &fetchErr); err != nil {
		return rotation.Response{}, err
	}
	return result, nil
}

func (f *Fetcher) buildCollector(
	req rotation.Request,
	sess rotation.Session,
	start time.Time,
	result *rotation.Response,
	fetchErr *error,
) *colly.Collector {
	collector := f.baseCollector.Clone()
	if ua := sess.Fingerprint.UserAgent; ua != "" {
		collector.UserAgent = ua
	}
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	collector.SetRequestTimeout(timeout)
	collector.WithTransport(newHTTPTransport(proxyFor(sess)))

	f.configureCollectorHooks(collector, req, sess, start, result, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	req rotation.Request,
	sess rotation.Session,
	start time.Time,
	result *rotation.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, value := range sess.Fingerprint.Headers {
			r.Headers.Set(key, value)
		}
		for key, value := range req.Headers {
			r.Headers.Set(key, value)
		}
	})

	hooks.OnResponse(func(r *colly.Response) {
		*result = rotation.Response{
			StatusCode: r.StatusCode,
			Headers:    r.Headers.Clone(),
			Body:       append([]byte(nil), r.Body...),
			FinalURL:   r.Request.URL.String(),
			Duration:   time.Since(start),
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, req rotation.Request, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		if req.Method == "" || req.Method == http.MethodGet {
			done <- collector.Visit(req.URL)
			return
		}
		done <- collector.Request(req.Method, req.URL, nil, nil, nil)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("dispatch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("fetch failed: %w", *fetchErr)
		}
		return nil
	}
}

// proxyFor returns the proxy selector for a session. Sessions carry their
// own credentials in the endpoint URL; without an endpoint the environment
// settings apply.
func proxyFor(sess rotation.Session) func(*http.Request) (*url.URL, error) {
	if sess.Endpoint.Host == "" {
		return http.ProxyFromEnvironment
	}
	return http.ProxyURL(sess.Endpoint.URL())
}

func newHTTPTransport(proxy func(*http.Request) (*url.URL, error)) *http.Transport {
	return &http.Transport{
		Proxy: proxy,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
