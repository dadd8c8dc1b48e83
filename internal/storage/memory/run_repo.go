package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/proxy-session-rotator/internal/store"
)

// RunRepo keeps run records in memory for batch runs and deployments
// without a database.
type RunRepo struct {
	mu       sync.RWMutex
	runs     map[uuid.UUID]store.Run
	hosts    map[uuid.UUID]map[string]store.HostStats
	sessions map[uuid.UUID]map[string]store.SessionArchive
}

// NewRunRepo constructs an empty RunRepo.
func NewRunRepo() *RunRepo {
	return &RunRepo{
		runs:     make(map[uuid.UUID]store.Run),
		hosts:    make(map[uuid.UUID]map[string]store.HostStats),
		sessions: make(map[uuid.UUID]map[string]store.SessionArchive),
	}
}

// UpsertRunStart inserts the run as running, or leaves an existing record's
// start time untouched.
func (r *RunRepo) UpsertRunStart(_ context.Context, runID uuid.UUID, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		run = store.Run{ID: runID, StartedAt: startedAt}
	}
	run.Status = store.RunRunning
	r.runs[runID] = run
	return nil
}

// CompleteRun marks the run finished.
func (r *RunRepo) CompleteRun(
	_ context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
	reportURI *string,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[runID]
	if !ok {
		return fmt.Errorf("complete %s: %w", runID, store.ErrNotFound)
	}
	ts := finishedAt
	run.FinishedAt = &ts
	run.Status = status
	run.ErrorMessage = cloneStringPtr(errMsg)
	run.ReportURI = cloneStringPtr(reportURI)
	r.runs[runID] = run
	return nil
}

// UpsertHostStats applies dispatch/byte deltas for one host.
func (r *RunRepo) UpsertHostStats(
	_ context.Context,
	runID uuid.UUID,
	host string,
	deltaDispatches int64,
	deltaBytes int64,
	statusClass string,
	at time.Time,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byHost, ok := r.hosts[runID]
	if !ok {
		byHost = make(map[string]store.HostStats)
		r.hosts[runID] = byHost
	}
	stat, ok := byHost[host]
	if !ok {
		stat = store.HostStats{RunID: runID, Host: host}
	}
	stat.Dispatches += deltaDispatches
	stat.BytesTotal += deltaBytes
	stat.LastUpdate = at
	switch statusClass {
	case "2xx":
		stat.Fetch2xx += deltaDispatches
	case "3xx":
		stat.Fetch3xx += deltaDispatches
	case "4xx":
		stat.Fetch4xx += deltaDispatches
	case "5xx":
		stat.Fetch5xx += deltaDispatches
	default:
		return fmt.Errorf("unknown status class: %s", statusClass)
	}
	byHost[host] = stat
	return nil
}

// ArchiveSession records or replaces one session's archive row.
func (r *RunRepo) ArchiveSession(_ context.Context, row store.SessionArchive) error {
	if row.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	bySession, ok := r.sessions[row.RunID]
	if !ok {
		bySession = make(map[string]store.SessionArchive)
		r.sessions[row.RunID] = bySession
	}
	row.BlacklistReason = cloneStringPtr(row.BlacklistReason)
	row.RetiredAt = cloneTimePtr(row.RetiredAt)
	bySession[row.SessionID] = row
	return nil
}

// GetRun fetches a run by ID.
func (r *RunRepo) GetRun(_ context.Context, runID uuid.UUID) (store.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[runID]
	if !ok {
		return store.Run{}, store.ErrNotFound
	}
	return cloneRun(run), nil
}

// ListRuns returns runs newest first, filtered by optional status.
func (r *RunRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]store.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, cloneRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return window(out, limit, offset), nil
}

// ListRunHosts returns a run's host aggregates, most recently updated first.
func (r *RunRepo) ListRunHosts(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.HostStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byHost := r.hosts[runID]
	out := make([]store.HostStats, 0, len(byHost))
	for _, stat := range byHost {
		out = append(out, stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastUpdate.Equal(out[j].LastUpdate) {
			return out[i].Host < out[j].Host
		}
		return out[i].LastUpdate.After(out[j].LastUpdate)
	})
	return window(out, limit, offset), nil
}

// ListRunSessions returns a run's archived sessions in creation order.
func (r *RunRepo) ListRunSessions(_ context.Context, runID uuid.UUID, limit, offset int) ([]store.SessionArchive, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bySession := r.sessions[runID]
	out := make([]store.SessionArchive, 0, len(bySession))
	for _, row := range bySession {
		row.BlacklistReason = cloneStringPtr(row.BlacklistReason)
		row.RetiredAt = cloneTimePtr(row.RetiredAt)
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return window(out, limit, offset), nil
}

func window[T any](items []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

func cloneRun(run store.Run) store.Run {
	out := run
	out.FinishedAt = cloneTimePtr(run.FinishedAt)
	out.ErrorMessage = cloneStringPtr(run.ErrorMessage)
	out.ReportURI = cloneStringPtr(run.ReportURI)
	return out
}

func cloneStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
