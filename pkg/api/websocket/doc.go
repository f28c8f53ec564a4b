// Package websocket provides real-time progress streaming via WebSocket.
//
// Clients can connect to /api/v1/requests/:id/ws to receive a snapshot
// of the request's current state followed by live lifecycle events.
package websocket
