// Package ratelimit gates outbound traffic per host: a token bucket for
// request rate plus an in-flight cap, shared by every worker in the run.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
)

// Gate manages per-host rate limits and concurrency slots.
type Gate struct {
	mu    sync.Mutex
	hosts map[string]*hostState

	defaultRate  rate.Limit
	defaultBurst int
	maxPerHost   int
}

type hostState struct {
	limiter *rate.Limiter
	slots   chan struct{}
}

// Config holds host gate configuration.
type Config struct {
	// DefaultRPS caps requests per second per host. Zero or negative means
	// unlimited.
	DefaultRPS float64

	// DefaultBurst is the token bucket burst size.
	DefaultBurst int

	// MaxPerHost caps concurrent in-flight requests per host. Zero or
	// negative means uncapped.
	MaxPerHost int
}

// New creates a new Gate.
func New(cfg Config) *Gate {
	metrics.Init()

	r := rate.Limit(cfg.DefaultRPS)
	if cfg.DefaultRPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.DefaultBurst
	if burst <= 0 {
		burst = 1
	}
	return &Gate{
		hosts:        make(map[string]*hostState),
		defaultRate:  r,
		defaultBurst: burst,
		maxPerHost:   cfg.MaxPerHost,
	}
}

// Acquire blocks until the host admits another request, respecting the
// context. The returned release function must be called when the request
// finishes to free the concurrency slot.
func (g *Gate) Acquire(ctx context.Context, rawURL string) (func(), error) {
	host := hostOf(rawURL)
	st := g.stateFor(host)

	if st.slots != nil {
		select {
		case st.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, fmt.Errorf("host slot wait: %w", ctx.Err())
		}
	}

	start := time.Now()
	if err := st.limiter.Wait(ctx); err != nil {
		if st.slots != nil {
			<-st.slots
		}
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveHostGateDelay(host, waited)
	}

	release := func() {
		if st.slots != nil {
			<-st.slots
		}
	}
	return release, nil
}

func (g *Gate) stateFor(host string) *hostState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.hosts[host]
	if !ok {
		st = &hostState{limiter: rate.NewLimiter(g.defaultRate, g.defaultBurst)}
		if g.maxPerHost > 0 {
			st.slots = make(chan struct{}, g.maxPerHost)
		}
		g.hosts[host] = st
	}
	return st
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}
