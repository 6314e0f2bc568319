// Package api hosts the HTTP server, middleware, and REST handlers for the
// audit service. Notable routes:
//   - POST /v1/audit to submit an audit (?wait=true blocks for the result).
//   - GET /v1/audit/{job_id} for job status; a WebSocket handshake on the same
//     path streams progress events.
//   - DELETE /v1/audit/{job_id} to cancel.
//   - GET /v1/audits/running and /v1/audits/stats for operators.
//   - /v1/cache/... for cache maintenance.
//   - GET /healthz, /readyz and /v1/health for probes; /metrics for Prometheus.
package api
