package rotation

import (
	"context"
	"time"
)

// Transport dispatches a request through a session's proxy endpoint with its
// fingerprint applied. Implementations live under internal/fetcher.
type Transport interface {
	Dispatch(ctx context.Context, req Request, sess Session) (Response, error)
}

// FingerprintSource assigns a browser fingerprint to a new session.
// Assignments are deterministic for a given seed and are never repeated
// while unassigned profiles remain.
type FingerprintSource interface {
	Assign(sessionID string) (Fingerprint, error)
}

// Strategy picks the next session from the eligible set, or returns nil to
// direct the pool to create a new session when capacity allows. Called under
// the pool lock; implementations need no locking of their own.
type Strategy interface {
	Name() string
	Pick(eligible []*Session, now time.Time) *Session
}

// HostGate bounds per-host request rate and concurrency. Acquire blocks
// until a slot is available and returns the release function.
type HostGate interface {
	Acquire(ctx context.Context, rawURL string) (func(), error)
}

// BypassPolicy identifies bookkeeping URLs that dispatch without a session.
type BypassPolicy interface {
	Bypass(rawURL string) bool
}

// BlockDetector inspects a nominally successful response for anti-bot
// interstitials so the classifier can treat it as a block.
type BlockDetector interface {
	Blocked(resp Response) bool
}

// RequestStore persists dispatch records through their lifecycle.
type RequestStore interface {
	CreateRequest(ctx context.Context, rec DispatchRecord) error
	UpdateRequest(ctx context.Context, id string, update DispatchUpdate) error
	GetRequest(ctx context.Context, id string) (DispatchRecord, error)
	ListRequests(ctx context.Context, state RequestState, limit int) ([]DispatchRecord, error)
}

// Queue provides enqueue/dequeue semantics for dispatch requests.
type Queue interface {
	Enqueue(ctx context.Context, req Request) error
	Dequeue(ctx context.Context) (Request, error)
}

// BlobStore writes report artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes dispatch results and run summaries downstream.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests (fingerprint fallback derivation).
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces request and session IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// PauseController sleeps between retry attempts, honoring cancellation.
type PauseController interface {
	Pause(ctx context.Context, d time.Duration) error
}

// RetryPolicy decides whether an attempt should be retried and how long to
// back off before the next one.
type RetryPolicy interface {
	ShouldRetry(attempt int) bool
	Backoff(attempt int) time.Duration
}

// HookDecision is the post-response hook's override for the gate.
type HookDecision int

// Hook decisions. Proceed keeps the classifier's verdict.
const (
	HookProceed HookDecision = iota
	HookRetry
	HookAbort
)

// PreRequestHook runs synchronously before dispatch. It may mutate the
// request (headers) and sees the session that will serve it. A non-nil
// error blocks the attempt without recording an outcome.
type PreRequestHook func(ctx context.Context, req *Request, sess Session) error

// PostResponseHook runs synchronously after classification and may override
// the gate's next step.
type PostResponseHook func(ctx context.Context, req Request, resp *Response, verdict Verdict) HookDecision

// DispatchRecord is the persisted lifecycle row for one request.
type DispatchRecord struct {
	ID          string       `json:"id"`
	URL         string       `json:"url"`
	Method      string       `json:"method"`
	State       RequestState `json:"state"`
	Attempts    int          `json:"attempts"`
	SessionIDs  []string     `json:"session_ids,omitempty"`
	StatusCode  int          `json:"status_code,omitempty"`
	ErrorText   string       `json:"error_text,omitempty"`
	Bypassed    bool         `json:"bypassed,omitempty"`
	EnqueuedAt  time.Time    `json:"enqueued_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// DispatchUpdate carries the mutable fields of a dispatch record. Nil
// pointers leave the stored value untouched.
type DispatchUpdate struct {
	State       *RequestState
	Attempts    *int
	SessionID   *string
	StatusCode  *int
	ErrorText   *string
	Bypassed    *bool
	CompletedAt *time.Time
}
