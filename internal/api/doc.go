// Package api hosts the admin HTTP server, shared middleware, and JSON handlers
// for operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET|DELETE /admin/logs and the /admin/logs/{bots,tokens,top} aggregates over
//     the Markdown request log.
//   - GET /admin/stats and POST /admin/stats/reset for the HTML vs Markdown
//     token comparison.
//   - POST /admin/entities/{entity_id}/changed, the content-change hook that
//     purges converter cache entries.
package api
