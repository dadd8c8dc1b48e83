// Package rotation implements the proxy session rotation engine: a bounded
// pool of sticky proxy sessions, per-request selection policies, outcome
// classification, timed blacklisting, and bounded retry dispatch.
package rotation

import (
	"maps"
	"net/url"
	"time"
)

// SessionStatus represents the lifecycle state of a proxy session.
type SessionStatus string

// Session status values. The only legal transitions are
// active -> blacklisted, active -> retired, and blacklisted -> retired.
const (
	StatusActive      SessionStatus = "active"
	StatusBlacklisted SessionStatus = "blacklisted"
	StatusRetired     SessionStatus = "retired"
)

// Fingerprint is a browser identity assigned to a session at creation and
// never changed afterwards.
type Fingerprint struct {
	Name      string            `json:"name"`
	UserAgent string            `json:"user_agent"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Clone returns a deep copy so callers can mutate headers freely.
func (f Fingerprint) Clone() Fingerprint {
	out := f
	if f.Headers != nil {
		out.Headers = maps.Clone(f.Headers)
	}
	return out
}

// Endpoint is the upstream proxy address a session routes through. Username
// carries the session and country suffixes understood by session-aware
// proxy providers.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
	Zone     string `json:"zone,omitempty"`
	Country  string `json:"country,omitempty"`
}

// URL renders the endpoint as a proxy URL suitable for http.Transport.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: "http",
		Host:   hostPort(e.Host, e.Port),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// Redacted renders the endpoint without the password, for logs and the API.
func (e Endpoint) Redacted() string {
	u := e.URL()
	if u.User != nil {
		u.User = url.User(e.Username)
	}
	return u.String()
}

// Session is the record kept for each proxy identity in the pool.
type Session struct {
	ID          string        `json:"id"`
	Endpoint    Endpoint      `json:"endpoint"`
	Fingerprint Fingerprint   `json:"fingerprint"`
	CreatedAt   time.Time     `json:"created_at"`
	LastUsedAt  time.Time     `json:"last_used_at"`
	Status      SessionStatus `json:"status"`

	RequestCount int `json:"request_count"`
	SuccessCount int `json:"success_count"`
	FailureCount int `json:"failure_count"`

	// ConsecutiveFailures resets to zero on every success and drives the
	// blacklist threshold. Not part of the reported counters.
	ConsecutiveFailures int `json:"-"`

	// RetiredAt is set once when the session leaves the pool.
	RetiredAt *time.Time `json:"retired_at,omitempty"`

	// BlacklistReason records why the session was blacklisted, if it was.
	BlacklistReason string `json:"blacklist_reason,omitempty"`
}

// Clone returns a copy safe to hand outside the pool lock.
func (s Session) Clone() Session {
	out := s
	out.Fingerprint = s.Fingerprint.Clone()
	if s.RetiredAt != nil {
		t := *s.RetiredAt
		out.RetiredAt = &t
	}
	return out
}

// SuccessRate returns successes over requests, zero for an unused session.
func (s Session) SuccessRate() float64 {
	if s.RequestCount == 0 {
		return 0
	}
	return float64(s.SuccessCount) / float64(s.RequestCount)
}

// Age reports how long the session has existed relative to now.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.CreatedAt)
}

// OutcomeKind classifies what happened to a dispatched request.
type OutcomeKind string

// Outcome kinds understood by the classifier.
const (
	OutcomeSuccess           OutcomeKind = "success"
	OutcomeHTTPError         OutcomeKind = "http_error"
	OutcomeTimeout           OutcomeKind = "timeout"
	OutcomeConnectionRefused OutcomeKind = "connection_refused"
	OutcomeAuthFailure       OutcomeKind = "auth_failure"
)

// Outcome is the classified result of one dispatch attempt.
type Outcome struct {
	Kind       OutcomeKind
	StatusCode int
	Err        error
	Duration   time.Duration
	Bytes      int
}

// Success reports whether the outcome counts toward SuccessCount.
func (o Outcome) Success() bool {
	return o.Kind == OutcomeSuccess
}

// Verdict is the classifier's instruction to the dispatch gate.
type Verdict struct {
	Outcome Outcome

	// Rotate asks the gate to retry the request on a fresh session.
	Rotate bool

	// Blacklist asks the pool to blacklist the session that served the
	// attempt, with Reason recorded on the entry.
	Blacklist bool
	Reason    string

	// Fatal aborts the whole run (credential rejection).
	Fatal bool
}

// RequestState tracks a request through the dispatch gate.
type RequestState string

// Request states. Dispatched may loop back through Retrying; Succeeded,
// Failed and Cancelled are terminal.
const (
	StatePending    RequestState = "pending"
	StateDispatched RequestState = "dispatched"
	StateRetrying   RequestState = "retrying"
	StateSucceeded  RequestState = "succeeded"
	StateFailed     RequestState = "failed"
	StateCancelled  RequestState = "cancelled"
)

// Request is one unit of work handed to the engine.
type Request struct {
	ID      string
	URL     string
	Method  string
	Headers map[string]string

	// UseHeadless routes the request through the headless transport.
	UseHeadless bool
}

// Response is what a transport returns for a dispatched request.
type Response struct {
	StatusCode int
	Headers    map[string][]string
	Body       []byte
	FinalURL   string
	Duration   time.Duration
}

// Result is the terminal record for one request.
type Result struct {
	Request    Request
	State      RequestState
	Attempts   int
	SessionIDs []string
	StatusCode int
	Response   *Response
	Err        error
	Bypassed   bool
}
