// Package report turns pool snapshots into end-of-run statistics and the
// text banner printed when a batch run finishes.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// SessionStats is the per-session line of the report.
type SessionStats struct {
	ID              string        `json:"id"`
	Status          string        `json:"status"`
	Fingerprint     string        `json:"fingerprint"`
	Requests        int           `json:"requests"`
	Successes       int           `json:"successes"`
	Failures        int           `json:"failures"`
	SuccessRate     float64       `json:"success_rate"`
	Age             time.Duration `json:"age_ns"`
	BlacklistReason string        `json:"blacklist_reason,omitempty"`
}

// Report aggregates a finished run. Built purely from a snapshot; safe to
// call at any point during the run for a partial view.
type Report struct {
	RunID               string         `json:"run_id,omitempty"`
	GeneratedAt         time.Time      `json:"generated_at"`
	TotalRequests       int            `json:"total_requests"`
	TotalSuccesses      int            `json:"total_successes"`
	TotalFailures       int            `json:"total_failures"`
	SuccessRate         float64        `json:"success_rate"`
	ActiveSessions      int            `json:"active_sessions"`
	BlacklistedSessions int            `json:"blacklisted_sessions"`
	RetiredSessions     int            `json:"retired_sessions"`
	BlacklistReasons    map[string]int `json:"blacklist_reasons,omitempty"`
	Sessions            []SessionStats `json:"sessions"`
}

// Build computes the report from a snapshot. Success rate is zero for an
// empty run; there is no division by request counts that can be zero.
func Build(snap rotation.PoolSnapshot) Report {
	r := Report{
		GeneratedAt:      snap.TakenAt,
		BlacklistReasons: make(map[string]int),
	}

	add := func(sess rotation.Session) {
		r.TotalRequests += sess.RequestCount
		r.TotalSuccesses += sess.SuccessCount
		r.TotalFailures += sess.FailureCount

		switch sess.Status {
		case rotation.StatusActive:
			r.ActiveSessions++
		case rotation.StatusBlacklisted:
			r.BlacklistedSessions++
		case rotation.StatusRetired:
			r.RetiredSessions++
		}
		if sess.BlacklistReason != "" {
			r.BlacklistReasons[sess.BlacklistReason]++
		}

		r.Sessions = append(r.Sessions, SessionStats{
			ID:              sess.ID,
			Status:          string(sess.Status),
			Fingerprint:     sess.Fingerprint.Name,
			Requests:        sess.RequestCount,
			Successes:       sess.SuccessCount,
			Failures:        sess.FailureCount,
			SuccessRate:     sess.SuccessRate(),
			Age:             sess.Age(snap.TakenAt),
			BlacklistReason: sess.BlacklistReason,
		})
	}
	for _, sess := range snap.Live {
		add(sess)
	}
	for _, sess := range snap.Archived {
		add(sess)
	}

	if r.TotalRequests > 0 {
		r.SuccessRate = float64(r.TotalSuccesses) / float64(r.TotalRequests)
	}
	sort.Slice(r.Sessions, func(i, j int) bool {
		return r.Sessions[i].ID < r.Sessions[j].ID
	})
	if len(r.BlacklistReasons) == 0 {
		r.BlacklistReasons = nil
	}
	return r
}

const bannerRule = "============================================================"
const bannerSubRule = "------------------------------------------------------------"

// Render formats the banner printed at the end of a batch run.
func Render(r Report) string {
	var b strings.Builder
	b.WriteString(bannerRule + "\n")
	b.WriteString("PROXY SESSION STATS\n")
	b.WriteString(bannerRule + "\n")
	fmt.Fprintf(&b, "Total requests:   %d\n", r.TotalRequests)
	fmt.Fprintf(&b, "Successful:       %d\n", r.TotalSuccesses)
	fmt.Fprintf(&b, "Failed:           %d\n", r.TotalFailures)
	fmt.Fprintf(&b, "Success rate:     %.1f%%\n", r.SuccessRate*100)
	fmt.Fprintf(&b, "Active sessions:  %d\n", r.ActiveSessions)
	fmt.Fprintf(&b, "Blacklisted:      %d\n", r.BlacklistedSessions)
	fmt.Fprintf(&b, "Retired:          %d\n", r.RetiredSessions)

	if len(r.Sessions) > 0 {
		b.WriteString(bannerSubRule + "\n")
		for _, s := range r.Sessions {
			fmt.Fprintf(&b, "  %-10s [%s] requests=%d success=%.1f%% age=%dm\n",
				shortID(s.ID), s.Status, s.Requests, s.SuccessRate*100,
				int(s.Age.Minutes()))
		}
	}
	b.WriteString(bannerRule + "\n")
	return b.String()
}

// shortID truncates session ids the way the banner has always shown them.
func shortID(id string) string {
	trimmed := strings.TrimPrefix(id, "sess-")
	if len(trimmed) > 8 {
		trimmed = trimmed[:8]
	}
	return trimmed
}
