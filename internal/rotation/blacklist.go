package rotation

import (
	"sort"
	"sync"
	"time"
)

// BlacklistEntry bars one session from selection until the deadline passes.
type BlacklistEntry struct {
	SessionID string    `json:"session_id"`
	Until     time.Time `json:"until"`
	Reason    string    `json:"reason"`
}

// Blacklist tracks barred sessions. At most one entry exists per session;
// re-adding extends the deadline to the later of the two and keeps the new
// reason only when it extends. Entries leave only through SweepExpired, so a
// session observed as blacklisted stays that way until the pool retires it.
type Blacklist struct {
	mu      sync.Mutex
	entries map[string]BlacklistEntry
}

// NewBlacklist constructs an empty blacklist.
func NewBlacklist() *Blacklist {
	return &Blacklist{
		entries: make(map[string]BlacklistEntry),
	}
}

// Add inserts or extends the entry for id. It reports whether the call
// created a new entry (false means an existing entry absorbed the add).
func (b *Blacklist) Add(id string, until time.Time, reason string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.entries[id]
	if !ok {
		b.entries[id] = BlacklistEntry{SessionID: id, Until: until, Reason: reason}
		return true
	}
	if until.After(existing.Until) {
		existing.Until = until
		existing.Reason = reason
		b.entries[id] = existing
	}
	return false
}

// IsBlacklisted reports whether an entry exists for id. Expired entries
// still count until swept; expiry retires the session rather than
// reactivating it.
func (b *Blacklist) IsBlacklisted(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.entries[id]
	return ok
}

// Entry returns the entry for id, if present.
func (b *Blacklist) Entry(id string) (BlacklistEntry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.entries[id]
	return e, ok
}

// remove drops the entry for a session leaving the pool, keeping entries in
// one-to-one correspondence with live blacklisted sessions.
func (b *Blacklist) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.entries, id)
}

// SweepExpired removes entries whose deadline passed and returns their
// session ids plus the next pending deadline (zero when none remain).
func (b *Blacklist) SweepExpired(now time.Time) ([]string, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var expired []string
	var next time.Time
	for id, e := range b.entries {
		if !e.Until.After(now) {
			expired = append(expired, id)
			delete(b.entries, id)
			continue
		}
		if next.IsZero() || e.Until.Before(next) {
			next = e.Until
		}
	}
	sort.Strings(expired)
	return expired, next
}

// Snapshot returns a copy of all entries ordered by deadline.
func (b *Blacklist) Snapshot() []BlacklistEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]BlacklistEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Until.Equal(out[j].Until) {
			return out[i].SessionID < out[j].SessionID
		}
		return out[i].Until.Before(out[j].Until)
	})
	return out
}

// Len reports the number of live entries.
func (b *Blacklist) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
