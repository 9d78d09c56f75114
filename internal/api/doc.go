// Package api hosts the optional read-only status server that runs alongside a
// crawl. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for loop counters and outcome totals.
//   - GET /v1/frontier for the pending targets, paged with limit/offset.
//   - GET /v1/errors for the captured warning and error log.
//   - GET /v1/form-values for the current field value mapping.
package api
