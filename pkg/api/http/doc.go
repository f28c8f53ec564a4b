// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Request submission, status, listing, and cancellation
//   - Conversation history, search, and analytics
//   - Health checks
//   - Prometheus metrics
package http
