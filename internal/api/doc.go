// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz and /readyz for platform probes; readyz reports the browser install.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/uploads to store a CSV upload.
//   - POST /v1/exports and GET /v1/exports/{job_id}[/download] for spreadsheet exports.
package api
