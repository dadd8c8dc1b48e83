package rotation

import "errors"

// Sentinel errors surfaced by the engine. Callers branch with errors.Is.
var (
	// ErrPoolExhausted is returned by Acquire when the pool stays at
	// capacity with no eligible session for the full acquisition timeout.
	ErrPoolExhausted = errors.New("session pool exhausted")

	// ErrAcquireCanceled is returned when the caller's context ends while
	// waiting for a session.
	ErrAcquireCanceled = errors.New("session acquisition canceled")

	// ErrSessionNotFound is returned for operations on unknown session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRetriesExhausted wraps the last attempt error once a request has
	// used up its retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrCredentialRejected is fatal: the upstream proxy refused the
	// configured credential and the run must stop.
	ErrCredentialRejected = errors.New("proxy credential rejected")

	// ErrEngineAborted is returned for requests submitted after a fatal
	// credential failure stopped the engine.
	ErrEngineAborted = errors.New("engine aborted")

	// ErrRequestVetoed is returned when the pre-request hook blocks a
	// dispatch before it reaches the network.
	ErrRequestVetoed = errors.New("request vetoed by hook")

	// ErrRequestNotFound is returned for operations on unknown request ids.
	ErrRequestNotFound = errors.New("request not found")

	// ErrQueueClosed is returned by queue operations after Close, and by
	// Dequeue once a closed queue has drained.
	ErrQueueClosed = errors.New("queue closed")
)
