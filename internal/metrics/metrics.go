// Package metrics exposes Prometheus collectors for the rotator service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rotatorDispatchesTotal       *prometheus.CounterVec
	rotatorBytesTotal            *prometheus.CounterVec
	httpRequestsTotal            *prometheus.CounterVec
	httpRequestDurationSeconds   *prometheus.HistogramVec
	rotatorRequestsTotal         *prometheus.CounterVec
	rotatorActiveWorkers         prometheus.Gauge
	rotatorQueueDepth            prometheus.Gauge
	rotatorHostGateDelaysSeconds *prometheus.HistogramVec

	registerOnce sync.Once
)

// Init registers the rotator's collectors with the default registry. Repeat
// calls are no-ops.
func Init() {
	registerOnce.Do(func() {
		rotatorDispatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_dispatches_total",
				Help: "Dispatch attempts that finished, labeled by target site and outcome.",
			},
			[]string{"site", "status"},
		)

		rotatorBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_bytes_total",
				Help: "Response body bytes pulled from each site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Control API requests served, labeled by method and response code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Control API latency, labeled by method and route pattern.",
				Buckets: []float64{0.01, 0.05, 0.25, 1, 2.5, 10},
			},
			[]string{"method", "route"},
		)

		rotatorRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotator_requests_total",
				Help: "Total number of requests reaching a terminal state, labeled by state.",
			},
			[]string{"state"},
		)

		rotatorActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotator_active_workers",
				Help: "Number of workers currently dispatching a request.",
			},
		)

		rotatorQueueDepth = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "rotator_queue_depth",
				Help: "Number of requests waiting in the dispatch queue.",
			},
		)

		rotatorHostGateDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotator_host_gate_delays_seconds",
				Help:    "Time dispatches spent waiting at the per-host politeness gate.",
				Buckets: []float64{0.1, 0.25, 1, 5, 15, 60},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite reduces a raw URL to a lowercase hostname label. It returns
// "unknown" when no hostname can be parsed.
func SanitizeSite(rawURL string) string {
	candidate := rawURL
	if !strings.Contains(candidate, "://") {
		candidate = "http://" + candidate
	}
	u, err := url.Parse(candidate)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler serves the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveDispatch counts one dispatch outcome and its payload size for a
// site.
func ObserveDispatch(site string, status string, bytesFetched int) {
	label := SanitizeSite(site)
	rotatorDispatchesTotal.WithLabelValues(label, status).Inc()
	if bytesFetched > 0 {
		rotatorBytesTotal.WithLabelValues(label).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest records an API request and its latency.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRequestState counts a request reaching a terminal state.
func ObserveRequestState(state string) {
	rotatorRequestsTotal.WithLabelValues(state).Inc()
}

// IncActiveWorkers marks a worker as busy.
func IncActiveWorkers() {
	rotatorActiveWorkers.Inc()
}

// DecActiveWorkers marks a worker as idle again.
func DecActiveWorkers() {
	rotatorActiveWorkers.Dec()
}

// SetQueueDepth records the current dispatch queue depth.
func SetQueueDepth(n int) {
	rotatorQueueDepth.Set(float64(n))
}

// ObserveHostGateDelay records how long a dispatch waited at the per-host
// gate.
func ObserveHostGateDelay(domain string, duration time.Duration) {
	rotatorHostGateDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
