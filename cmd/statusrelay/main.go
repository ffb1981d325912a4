// Command statusrelay runs the research status relay.
//
// Architecture overview:
//   - Each browser that opens GET /api/status-updates gets its own session. The
//     session subscribes to the status channel, forwards every payload verbatim
//     as an SSE "data:" record, and releases the subscription and the stream
//     exactly once when either side goes away.
//   - relay.mode=shared swaps the per-session Redis connection for one shared
//     upstream subscription fanned out to buffered per-session views.
//   - Job status endpoints read the tracker records written by the research
//     backend, from Redis keys or the Postgres research_jobs table.
//   - Viper populates config from env/files; zap provides structured logging;
//     Prometheus metrics are exported on /metrics.
//
// Quick checklist:
//   - REDIS_URL (or RELAY_REDIS_URL) points at the broker; PORT overrides
//     server.port.
//   - Run locally: go run ./cmd/statusrelay serve --config config.yaml
//   - Smoke test: go run ./cmd/statusrelay publish --status started --detail symbol=AAPL
package main

import "github.com/JakeFAU/research-status-relay/cmd"

func main() {
	cmd.Execute()
}
