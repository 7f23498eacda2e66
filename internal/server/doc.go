// Package server implements the relay's transport and routing core: the
// connection hub, per-connection read/write pumps, the message router, and
// the HTTP/WebSocket surface.
//
// The implementation is organized into specialized files for hub
// management, clients, routing, origin policy, and HTTP handlers to keep
// the codebase maintainable and testable as the project grows.
package server
