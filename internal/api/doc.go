// Package api hosts the optional status server that runs beside a scrape.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for live run progress as JSON.
package api
