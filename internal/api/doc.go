// Package api hosts the operator HTTP server for a scrape run. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for live orchestrator counters and pool occupancy.
//   - GET /v1/runs and /v1/runs/{run_id} for per-occupation run history via
//     the ProgressRepository interface.
package api
