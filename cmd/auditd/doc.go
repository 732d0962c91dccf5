// Package main hosts the auditd service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, scan submission, job lookup and operator endpoints for
//     queue concurrency and cache invalidation. Requests are validated into audit.ScanParams before they reach the
//     orchestrator.
//   - Local scans: jobs flow through internal/queue, a FIFO queue with a runtime-adjustable concurrency cap (1 to 10).
//     Each dispatched job leases a Chrome instance from internal/pool, which keeps between min and max browsers alive
//     and retires idle ones on a sweep.
//   - Remote scans: when enabled, internal/admission gates calls to the hosted audit API (1 to 50 in flight, FIFO) and
//     internal/scanner/remote applies a client-side rate limit.
//   - Results: successful reports are cached in internal/cache, an LRU with per-entry TTL keyed by normalized
//     parameters. Settled scans are published to Pub/Sub when a topic is configured, otherwise kept in memory.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler; OpenTelemetry traces cover requests,
//     scans and outbound calls.
//
// Operational notes:
//   - Synchronous scan requests wait at most queue.wait_timeout. A wait that runs out returns 504 with the job id and
//     the job keeps running; poll GET /v1/scans/{job_id} for the result.
//   - Shutdown drains running local jobs before the browser pool is closed.
//
// Quick checklist:
//   - Configure env vars: AUDIT_SERVER_PORT, AUDIT_POOL_MAX_INSTANCES, AUDIT_QUEUE_MAX_CONCURRENCY,
//     AUDIT_REMOTE_ENABLED with AUDIT_REMOTE_ENDPOINT, AUDIT_PUBSUB_PROJECT_ID and AUDIT_PUBSUB_TOPIC_NAME.
//   - Run locally: go run ./cmd/auditd serve --config config.yaml (or rely solely on env overrides).
package main
