// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/dispatch and /v1/dispatch/standard for request submission.
//   - GET /v1/requests, /v1/sessions, /v1/blacklist and /v1/report for live
//     rotation state.
//   - GET /v1/runs/... for persisted run history via the RunRepository
//     interface.
package api
