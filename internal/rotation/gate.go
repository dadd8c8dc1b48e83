package rotation

import "fmt"

// Gate walks one request through the dispatch state machine:
//
//	pending -> dispatched -> succeeded | failed | cancelled
//	                      -> retrying -> dispatched
//
// Succeeded, failed and cancelled are terminal. Attempts are bounded by
// maxRetries additional tries after the first.
type Gate struct {
	req        Request
	state      RequestState
	attempts   int
	maxRetries int
	sessionIDs []string
}

// NewGate starts a request in the pending state.
func NewGate(req Request, maxRetries int) *Gate {
	return &Gate{
		req:        req,
		state:      StatePending,
		maxRetries: maxRetries,
	}
}

// State returns the current lifecycle state.
func (g *Gate) State() RequestState { return g.state }

// Attempts returns how many dispatches have started.
func (g *Gate) Attempts() int { return g.attempts }

// SessionIDs lists the session used by each attempt, in order.
func (g *Gate) SessionIDs() []string {
	return append([]string(nil), g.sessionIDs...)
}

// Terminal reports whether the request reached a final state.
func (g *Gate) Terminal() bool {
	switch g.state {
	case StateSucceeded, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanRetry reports whether another attempt fits in the retry budget.
func (g *Gate) CanRetry() bool {
	return g.attempts <= g.maxRetries
}

// BeginAttempt transitions into dispatched and charges one attempt.
func (g *Gate) BeginAttempt(sessionID string) error {
	if g.state != StatePending && g.state != StateRetrying {
		return fmt.Errorf("begin attempt from %s", g.state)
	}
	if g.attempts > g.maxRetries {
		return fmt.Errorf("attempt %d exceeds retry budget %d: %w",
			g.attempts+1, g.maxRetries, ErrRetriesExhausted)
	}
	g.attempts++
	if sessionID != "" {
		g.sessionIDs = append(g.sessionIDs, sessionID)
	}
	g.state = StateDispatched
	return nil
}

// Succeed marks the request done.
func (g *Gate) Succeed() error {
	if g.state != StateDispatched {
		return fmt.Errorf("succeed from %s", g.state)
	}
	g.state = StateSucceeded
	return nil
}

// Retry queues another attempt after a failed dispatch.
func (g *Gate) Retry() error {
	if g.state != StateDispatched {
		return fmt.Errorf("retry from %s", g.state)
	}
	if !g.CanRetry() {
		return fmt.Errorf("request used all %d attempts: %w",
			g.attempts, ErrRetriesExhausted)
	}
	g.state = StateRetrying
	return nil
}

// Fail marks the request terminally failed.
func (g *Gate) Fail() error {
	switch g.state {
	case StateDispatched, StateRetrying, StatePending:
		g.state = StateFailed
		return nil
	default:
		return fmt.Errorf("fail from %s", g.state)
	}
}

// Cancel marks the request cancelled. Valid from any non-terminal state.
func (g *Gate) Cancel() error {
	if g.Terminal() {
		return fmt.Errorf("cancel from %s", g.state)
	}
	g.state = StateCancelled
	return nil
}

// Result assembles the terminal record for the request.
func (g *Gate) Result(resp *Response, err error, bypassed bool) Result {
	res := Result{
		Request:    g.req,
		State:      g.state,
		Attempts:   g.attempts,
		SessionIDs: g.SessionIDs(),
		Response:   resp,
		Err:        err,
		Bypassed:   bypassed,
	}
	if resp != nil {
		res.StatusCode = resp.StatusCode
	}
	return res
}
