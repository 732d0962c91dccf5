// Package api hosts the HTTP server, middleware, and REST handlers for scan
// requests and operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scans to run a scan (synchronous, or ?async=true for a job id).
//   - GET /v1/scans/{job_id} to poll an asynchronous local scan.
//   - GET /v1/stats for pool, queue, admission and cache stats.
//   - /v1/admin/... to tune concurrency caps and invalidate the result cache.
package api
