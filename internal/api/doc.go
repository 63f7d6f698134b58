// Package api implements the local status API for Aura Uplink.
//
// This package provides:
//   - GET  /api/v1/health: liveness and version
//   - GET  /api/v1/status: broker target statuses and outbox depth
//   - POST /api/v1/drain: wake the drain loop
//   - GET  /api/v1/ws: WebSocket stream of broker status snapshots
//   - Middleware stack (request ID, logging, recovery, body limit, auth)
//
// # Security
//
// When a JWT secret is configured, every route except health requires an
// HS256 bearer token with a subject. Browsers cannot set headers on a
// WebSocket upgrade, so the stream also accepts the token in the "token"
// query parameter. With no secret the API is open and should be bound to
// loopback only.
package api
