package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
)

// PrometheusSink projects the progress stream onto Prometheus collectors:
// run counts and durations, session lifecycle transitions, and per-host
// dispatch traffic. The running gauge is deduplicated per run id, so replayed
// RUN_START events cannot inflate it.
type PrometheusSink struct {
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runsRunning   prometheus.Gauge
	runDuration   *prometheus.HistogramVec

	sessionEvents *prometheus.CounterVec

	dispatchCompletions *prometheus.CounterVec
	dispatchBytes       *prometheus.CounterVec
	dispatchDuration    *prometheus.HistogramVec

	mu      sync.Mutex
	running map[[16]byte]struct{}
}

// NewPrometheusSink builds the collectors and registers them with reg. A nil
// reg falls back to the default registerer.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rotator_runs_started_total",
			Help: "Runs the rotator has started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_runs_completed_total",
			Help: "Runs that reached a terminal result.",
		}, []string{"result"}),
		runsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "rotator_runs_running",
			Help: "Runs currently in flight.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rotator_run_duration_seconds",
			Help:    "Wall-clock seconds from run start to completion.",
			Buckets: []float64{1, 10, 30, 60, 300, 900, 1800},
		}, []string{"result"}),
		sessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_session_events_total",
			Help: "Session lifecycle transitions by kind.",
		}, []string{"event"}),
		dispatchCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_dispatch_completions_total",
			Help: "Completed dispatches by host and status family.",
		}, []string{"host", "status_class"}),
		dispatchBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rotator_dispatch_bytes_total",
			Help: "Response bytes archived per host.",
		}, []string{"host"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rotator_dispatch_duration_seconds",
			Help:    "Dispatch latency by host and status family.",
			Buckets: []float64{0.05, 0.25, 0.5, 1, 2.5, 5, 15},
		}, []string{"host", "status_class"}),
		running: make(map[[16]byte]struct{}),
	}
	for _, collector := range []prometheus.Collector{
		s.runsStarted,
		s.runsCompleted,
		s.runsRunning,
		s.runDuration,
		s.sessionEvents,
		s.dispatchCompletions,
		s.dispatchBytes,
		s.dispatchDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume folds a batch into the collectors. Stages without a metric, such
// as DISPATCH_START, fall through untouched.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		switch evt.Stage {
		case progress.StageRunStart:
			s.runsStarted.Inc()
			if s.markRunning(evt.RunID) {
				s.runsRunning.Inc()
			}
		case progress.StageRunDone:
			s.finishRun(evt, "success")
		case progress.StageRunError:
			s.finishRun(evt, "error")
		case progress.StageSessionCreate:
			s.sessionEvents.WithLabelValues("create").Inc()
		case progress.StageSessionBlacklist:
			s.sessionEvents.WithLabelValues("blacklist").Inc()
		case progress.StageSessionRetire:
			s.sessionEvents.WithLabelValues("retire").Inc()
		case progress.StageDispatchDone:
			s.countDispatch(evt)
		}
	}
	return nil
}

func (s *PrometheusSink) finishRun(evt progress.Event, result string) {
	s.runsCompleted.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.runDuration.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.markDone(evt.RunID) {
		s.runsRunning.Dec()
	}
}

func (s *PrometheusSink) countDispatch(evt progress.Event) {
	host := evt.Host
	if host == "" {
		host = "unknown"
	}
	class := string(evt.StatusClass)
	if class == "" {
		class = string(progress.StatusOther)
	}
	s.dispatchCompletions.WithLabelValues(host, class).Inc()
	if evt.Bytes > 0 {
		s.dispatchBytes.WithLabelValues(host).Add(float64(evt.Bytes))
	}
	if evt.Dur > 0 {
		s.dispatchDuration.WithLabelValues(host, class).Observe(evt.Dur.Seconds())
	}
}

// markRunning records the run as in flight, reporting false for repeats.
func (s *PrometheusSink) markRunning(id [16]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.running[id]; seen {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

// markDone clears the in-flight mark, reporting false for unknown runs.
func (s *PrometheusSink) markDone(id [16]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.running[id]; !seen {
		return false
	}
	delete(s.running, id)
	return true
}

// Close is a no-op; the collectors live as long as their registry.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
