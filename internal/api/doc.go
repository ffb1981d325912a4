// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/status-updates for the Server-Sent Events relay.
//   - GET /api/jobs, /api/jobs/{job_id} and /api/research/status/{symbol}
//     for polling job state through the store.JobRepository interface.
package api
