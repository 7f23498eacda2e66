// Package server wires HTTP handlers into a ServeMux for the chat relay.
package server

import "net/http"

// SetupRoutes configures and returns an HTTP ServeMux with all application
// routes: liveness, the WebSocket endpoint, and the JSON health and debug
// routes.
func SetupRoutes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.Root)
	mux.HandleFunc("/ws", h.WebSocket)
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/debug", h.Debug)
	return mux
}
