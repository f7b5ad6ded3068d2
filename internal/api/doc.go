// Package api hosts the HTTP side of the proxy. Every path is served by the
// Pipeline except the operator routes under the admin prefix:
//   - GET healthz / readyz for probes.
//   - GET metrics for Prometheus scraping.
//   - GET, DELETE /cache and POST /cache/clear for cache inspection.
//   - POST /refresh to start a refresh cycle out of schedule.
package api
