package rotation

import (
	"testing"
	"time"
)

func TestBlacklistAddIsIdempotent(t *testing.T) {
	t.Parallel()

	bl := NewBlacklist()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if !bl.Add("sess-a", base.Add(10*time.Minute), "http-429") {
		t.Fatal("first add should create the entry")
	}
	if bl.Add("sess-a", base.Add(5*time.Minute), "http-503") {
		t.Fatal("second add should not create a new entry")
	}
	entry, ok := bl.Entry("sess-a")
	if !ok {
		t.Fatal("entry should exist")
	}
	if !entry.Until.Equal(base.Add(10 * time.Minute)) {
		t.Fatalf("shorter deadline must not shrink the entry, got %v", entry.Until)
	}
	if entry.Reason != "http-429" {
		t.Fatalf("reason must only change on extension, got %q", entry.Reason)
	}

	bl.Add("sess-a", base.Add(30*time.Minute), "unreachable")
	entry, _ = bl.Entry("sess-a")
	if !entry.Until.Equal(base.Add(30 * time.Minute)) {
		t.Fatalf("later deadline should extend the entry, got %v", entry.Until)
	}
	if entry.Reason != "unreachable" {
		t.Fatalf("extension should update the reason, got %q", entry.Reason)
	}
	if bl.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", bl.Len())
	}
}

func TestBlacklistEntriesPersistUntilSwept(t *testing.T) {
	t.Parallel()

	bl := NewBlacklist()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bl.Add("sess-a", base.Add(time.Minute), "http-429")

	if !bl.IsBlacklisted("sess-a") {
		t.Fatal("entry should be in force")
	}
	// Past the deadline but not yet swept: still blacklisted.
	if !bl.IsBlacklisted("sess-a") {
		t.Fatal("expired entry still counts until swept")
	}

	expired, next := bl.SweepExpired(base.Add(2 * time.Minute))
	if len(expired) != 1 || expired[0] != "sess-a" {
		t.Fatalf("expected sess-a to expire, got %v", expired)
	}
	if !next.IsZero() {
		t.Fatalf("no entries remain, next should be zero, got %v", next)
	}
	if bl.IsBlacklisted("sess-a") {
		t.Fatal("swept entry should be gone")
	}
}

func TestBlacklistSweepReportsNextDeadline(t *testing.T) {
	t.Parallel()

	bl := NewBlacklist()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	bl.Add("sess-a", base.Add(time.Minute), "http-429")
	bl.Add("sess-b", base.Add(3*time.Minute), "unreachable")
	bl.Add("sess-c", base.Add(5*time.Minute), "http-503")

	expired, next := bl.SweepExpired(base.Add(2 * time.Minute))
	if len(expired) != 1 || expired[0] != "sess-a" {
		t.Fatalf("expected only sess-a to expire, got %v", expired)
	}
	if !next.Equal(base.Add(3 * time.Minute)) {
		t.Fatalf("next deadline should be sess-b's, got %v", next)
	}

	snap := bl.Snapshot()
	if len(snap) != 2 || snap[0].SessionID != "sess-b" || snap[1].SessionID != "sess-c" {
		t.Fatalf("snapshot should list remaining entries by deadline, got %v", snap)
	}
}
