package report

import (
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

func snapshotFixture() rotation.PoolSnapshot {
	taken := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	retiredAt := taken.Add(-5 * time.Minute)
	return rotation.PoolSnapshot{
		TakenAt: taken,
		Live: []rotation.Session{
			{
				ID:           "sess-0001",
				Fingerprint:  rotation.Fingerprint{Name: "chrome-120-win"},
				CreatedAt:    taken.Add(-30 * time.Minute),
				Status:       rotation.StatusActive,
				RequestCount: 10,
				SuccessCount: 9,
				FailureCount: 1,
			},
			{
				ID:              "sess-0002",
				Fingerprint:     rotation.Fingerprint{Name: "firefox-119-win"},
				CreatedAt:       taken.Add(-20 * time.Minute),
				Status:          rotation.StatusBlacklisted,
				RequestCount:    4,
				SuccessCount:    1,
				FailureCount:    3,
				BlacklistReason: "http-429",
			},
		},
		Archived: []rotation.Session{
			{
				ID:              "sess-0003",
				Fingerprint:     rotation.Fingerprint{Name: "safari-17.1"},
				CreatedAt:       taken.Add(-40 * time.Minute),
				Status:          rotation.StatusRetired,
				RequestCount:    6,
				SuccessCount:    3,
				FailureCount:    3,
				RetiredAt:       &retiredAt,
				BlacklistReason: "unreachable",
			},
		},
	}
}

func TestBuildAggregatesAllSessions(t *testing.T) {
	t.Parallel()

	r := Build(snapshotFixture())

	if r.TotalRequests != 20 {
		t.Errorf("TotalRequests = %d, want 20", r.TotalRequests)
	}
	if r.TotalSuccesses != 13 || r.TotalFailures != 7 {
		t.Errorf("totals = %d/%d, want 13/7", r.TotalSuccesses, r.TotalFailures)
	}
	if got, want := r.SuccessRate, 13.0/20.0; got != want {
		t.Errorf("SuccessRate = %v, want %v", got, want)
	}
	if r.ActiveSessions != 1 || r.BlacklistedSessions != 1 || r.RetiredSessions != 1 {
		t.Errorf("status counts = %d/%d/%d, want 1/1/1",
			r.ActiveSessions, r.BlacklistedSessions, r.RetiredSessions)
	}
	if r.BlacklistReasons["http-429"] != 1 || r.BlacklistReasons["unreachable"] != 1 {
		t.Errorf("BlacklistReasons = %v", r.BlacklistReasons)
	}
	if len(r.Sessions) != 3 {
		t.Fatalf("len(Sessions) = %d, want 3", len(r.Sessions))
	}
	for i := 1; i < len(r.Sessions); i++ {
		if r.Sessions[i-1].ID > r.Sessions[i].ID {
			t.Errorf("sessions not sorted: %q before %q", r.Sessions[i-1].ID, r.Sessions[i].ID)
		}
	}
}

func TestBuildEmptySnapshot(t *testing.T) {
	t.Parallel()

	r := Build(rotation.PoolSnapshot{TakenAt: time.Now()})

	if r.SuccessRate != 0 {
		t.Errorf("SuccessRate = %v, want 0 for an empty run", r.SuccessRate)
	}
	if r.TotalRequests != 0 || len(r.Sessions) != 0 {
		t.Errorf("empty snapshot produced totals: %+v", r)
	}
	if r.BlacklistReasons != nil {
		t.Errorf("BlacklistReasons = %v, want nil", r.BlacklistReasons)
	}
}

func TestBuildZeroRequestSessionRate(t *testing.T) {
	t.Parallel()

	snap := rotation.PoolSnapshot{
		TakenAt: time.Now(),
		Live: []rotation.Session{
			{ID: "sess-0001", Status: rotation.StatusActive},
		},
	}
	r := Build(snap)
	if r.Sessions[0].SuccessRate != 0 {
		t.Errorf("SuccessRate = %v, want 0 for an unused session", r.Sessions[0].SuccessRate)
	}
}

func TestRenderBanner(t *testing.T) {
	t.Parallel()

	out := Render(Build(snapshotFixture()))

	for _, want := range []string{
		"PROXY SESSION STATS",
		"Total requests:   20",
		"Success rate:     65.0%",
		"Blacklisted:      1",
		"[active]",
		"[blacklisted]",
		"[retired]",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("banner missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "sess-0001") {
		t.Errorf("banner should print short ids, got:\n%s", out)
	}
	if !strings.Contains(out, "0001") {
		t.Errorf("banner missing truncated id:\n%s", out)
	}
}
