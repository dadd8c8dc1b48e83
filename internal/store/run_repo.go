package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the runs status column.
type RunStatus string

// Run statuses persisted in runs.status.
const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunError   RunStatus = "error"
)

// Run models one rotation run for API responses.
type Run struct {
	// ID is the primary key of runs.
	ID uuid.UUID
	// StartedAt captures when the run was first marked running.
	StartedAt time.Time
	// FinishedAt is nil until the run is marked success/error.
	FinishedAt *time.Time
	// Status is running/success/error.
	Status RunStatus
	// ErrorMessage optionally stores the final failure reason.
	ErrorMessage *string
	// ReportURI points at the uploaded stats artifact once the run ends.
	ReportURI *string
}

// HostStats captures per-host aggregation for a run.
type HostStats struct {
	// RunID is the owning run.
	RunID uuid.UUID
	// Host is the normalized host label (e.g., example.com).
	Host string
	// LastUpdate captures the timestamp of the most recent aggregate.
	LastUpdate time.Time
	// Dispatches counts completed requests for the host.
	Dispatches int64
	// BytesTotal accumulates response bytes.
	BytesTotal int64
	// Fetch2xx-5xx hold per-status counts for diagnostics.
	Fetch2xx int64
	Fetch3xx int64
	Fetch4xx int64
	Fetch5xx int64
}

// SessionArchive models one session row persisted when a run ends or a
// session retires.
type SessionArchive struct {
	// RunID is the owning run.
	RunID uuid.UUID
	// SessionID is the pool-assigned identifier.
	SessionID string
	// Profile names the browser fingerprint the session carried.
	Profile string
	// Status is the session's final status (active sessions are archived
	// as-is when a run ends).
	Status string
	// RequestCount/SuccessCount/FailureCount are the session counters.
	RequestCount int64
	SuccessCount int64
	FailureCount int64
	// BlacklistReason is set when the session was blacklisted.
	BlacklistReason *string
	// CreatedAt is when the pool created the session.
	CreatedAt time.Time
	// RetiredAt is nil for sessions archived while still active.
	RetiredAt *time.Time
}

// RunRepository persists run lifecycles, per-host aggregates, and session
// archives.
type RunRepository interface {
	// UpsertRunStart inserts (or idempotently updates) the started_at timestamp.
	UpsertRunStart(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// CompleteRun marks the run finished with the provided status, error, and
	// report artifact location.
	CompleteRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, errMsg *string, reportURI *string) error
	// UpsertHostStats applies dispatch/byte deltas per (run, host, statusClass).
	UpsertHostStats(
		ctx context.Context,
		runID uuid.UUID,
		host string,
		deltaDispatches int64,
		deltaBytes int64,
		statusClass string,
		at time.Time,
	) error
	// ArchiveSession records one session's final counters for the run.
	ArchiveSession(ctx context.Context, row SessionArchive) error

	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
	// ListRuns returns runs filtered by optional status plus limit/offset.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
	// ListRunHosts returns aggregated host stats for one run.
	ListRunHosts(ctx context.Context, runID uuid.UUID, limit, offset int) ([]HostStats, error)
	// ListRunSessions returns archived sessions for one run.
	ListRunSessions(ctx context.Context, runID uuid.UUID, limit, offset int) ([]SessionArchive, error)
}
