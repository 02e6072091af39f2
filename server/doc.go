// Package server is the HTTP surface of a mesh process: the /health and
// /ready endpoints the registry check polls, and an optional /mesh admin
// API over the registry gateway. It runs Gin behind h2c so the same port
// speaks HTTP/1.1 and cleartext HTTP/2.
//
// Middleware (server/middleware) is applied around the whole engine:
//
//   - Recovery: panics become a 500 INTERNAL_ERROR body
//   - RequestID: X-Request-Id generation and propagation
//   - RequestLogger: one line per request, health probes skipped
package server
