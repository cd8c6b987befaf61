// Package api hosts the scheduler's HTTP surface. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/latest for the most recent run report.
//   - POST /v1/runs to trigger an immediate run.
package api
