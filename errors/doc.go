// Package errors provides the structured error type shared by the mesh
// packages. Every failure carries a machine-readable code, an HTTP status
// hint and a retryable flag so callers can branch on the kind of failure
// (registry unreachable, registration rejected, no healthy instances, call
// exhausted, shutting down) without parsing messages.
package errors
