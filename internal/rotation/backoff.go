package rotation

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// TimerPause sleeps on a real timer, returning early when the context ends.
type TimerPause struct{}

// Pause implements PauseController.
func (TimerPause) Pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ExponentialBackoff implements RetryPolicy with jittered exponential
// delays between rotation attempts.
type ExponentialBackoff struct {
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

// NewExponentialBackoff builds a policy allowing maxRetries additional
// attempts after the first.
func NewExponentialBackoff(maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		maxRetries: maxRetries,
		baseDelay:  250 * time.Millisecond,
		maxDelay:   5 * time.Second,
	}
}

// ShouldRetry reports whether another attempt is allowed after the given
// attempt number (1-based).
func (p *ExponentialBackoff) ShouldRetry(attempt int) bool {
	return attempt <= p.maxRetries
}

// Backoff returns the wait duration before the next attempt.
func (p *ExponentialBackoff) Backoff(attempt int) time.Duration {
	delay := float64(p.baseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(p.maxDelay) {
		delay = float64(p.maxDelay)
	}
	jitter := randomJitter(time.Duration(delay) / 2)
	return time.Duration(delay/2) + jitter
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	bound := big.NewInt(int64(limit))
	n, err := rand.Int(rand.Reader, bound)
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
