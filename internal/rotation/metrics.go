package rotation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TotalAcquisitions tracks sessions handed out by the pool.
	TotalAcquisitions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotator_session_acquisitions_total",
		Help: "The total number of session acquisitions.",
	})
	// TotalSessionsCreated tracks fresh sessions added to the pool.
	TotalSessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotator_sessions_created_total",
		Help: "The total number of sessions created.",
	})
	// TotalSessionsBlacklisted tracks sessions barred from selection.
	TotalSessionsBlacklisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotator_sessions_blacklisted_total",
		Help: "The total number of sessions blacklisted.",
	})
	// TotalSessionsRetired tracks sessions leaving the pool.
	TotalSessionsRetired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotator_sessions_retired_total",
		Help: "The total number of sessions retired.",
	})
	// TotalRotations tracks retries dispatched on a fresh session.
	TotalRotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotator_rotations_total",
		Help: "The total number of request retries on a fresh session.",
	})
	// TotalPoolExhaustions tracks acquisitions that timed out.
	TotalPoolExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rotator_pool_exhaustions_total",
		Help: "The total number of acquisitions that found no session in time.",
	})
	// TotalOutcomes tracks classified outcomes by kind.
	TotalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rotator_outcomes_total",
		Help: "The total number of dispatch outcomes by kind.",
	}, []string{"kind"})
	// DispatchDuration observes end-to-end attempt latency.
	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rotator_dispatch_duration_seconds",
		Help:    "Latency of dispatch attempts, including the proxy hop.",
		Buckets: prometheus.DefBuckets,
	})
)
