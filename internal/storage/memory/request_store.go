package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// RequestStore keeps dispatch records in memory for batch runs and tests.
type RequestStore struct {
	mu      sync.RWMutex
	records map[string]rotation.DispatchRecord
}

// NewRequestStore constructs an empty RequestStore.
func NewRequestStore() *RequestStore {
	return &RequestStore{
		records: make(map[string]rotation.DispatchRecord),
	}
}

// CreateRequest stores a new dispatch record. The record's ID must be unique.
func (s *RequestStore) CreateRequest(_ context.Context, rec rotation.DispatchRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("dispatch record needs an id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("dispatch record %q already exists", rec.ID)
	}
	if rec.State == "" {
		rec.State = rotation.StatePending
	}
	s.records[rec.ID] = rec
	return nil
}

// UpdateRequest applies the non-nil fields of the update to the stored
// record. SessionID appends to the session trail rather than replacing it.
func (s *RequestStore) UpdateRequest(_ context.Context, id string, update rotation.DispatchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("update %q: %w", id, rotation.ErrRequestNotFound)
	}
	if update.State != nil {
		rec.State = *update.State
	}
	if update.Attempts != nil {
		rec.Attempts = *update.Attempts
	}
	if update.SessionID != nil {
		rec.SessionIDs = append(rec.SessionIDs, *update.SessionID)
	}
	if update.StatusCode != nil {
		rec.StatusCode = *update.StatusCode
	}
	if update.ErrorText != nil {
		rec.ErrorText = *update.ErrorText
	}
	if update.Bypassed != nil {
		rec.Bypassed = *update.Bypassed
	}
	if update.CompletedAt != nil {
		ts := *update.CompletedAt
		rec.CompletedAt = &ts
	}
	s.records[id] = rec
	return nil
}

// GetRequest fetches a dispatch record by ID.
func (s *RequestStore) GetRequest(_ context.Context, id string) (rotation.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return rotation.DispatchRecord{}, fmt.Errorf("get %q: %w", id, rotation.ErrRequestNotFound)
	}
	return cloneRecord(rec), nil
}

// ListRequests returns records in enqueue order, filtered by state when one
// is given. A limit of zero or less returns everything.
func (s *RequestStore) ListRequests(_ context.Context, state rotation.RequestState, limit int) ([]rotation.DispatchRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rotation.DispatchRecord, 0, len(s.records))
	for _, rec := range s.records {
		if state != "" && rec.State != state {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len reports how many records the store holds.
func (s *RequestStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func cloneRecord(rec rotation.DispatchRecord) rotation.DispatchRecord {
	out := rec
	if rec.SessionIDs != nil {
		out.SessionIDs = append([]string(nil), rec.SessionIDs...)
	}
	if rec.CompletedAt != nil {
		ts := *rec.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}
