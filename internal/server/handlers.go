// Package server exposes the HTTP surface: the WebSocket upgrade endpoint
// plus JSON health and debug routes.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/identity"
)

// Handlers bundles the HTTP handlers of one relay instance together with
// their hub, identity provider, and origin policy.
type Handlers struct {
	hub      *Hub
	provider identity.Provider
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers wires the HTTP surface to hub. provider may be nil, in which
// case the token query parameter is ignored and clients must register via
// the register event.
func NewHandlers(hub *Hub, provider identity.Provider, logger *slog.Logger) *Handlers {
	origins := newOriginChecker(hub.cfg.AllowedOrigins, logger)
	return &Handlers{
		hub:      hub,
		provider: provider,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.check,
		},
	}
}

// WebSocket upgrades the connection and hands it to the hub. When an
// identity provider is configured and the request carries a resolvable
// token, the connection is registered under that identity immediately;
// otherwise registration waits for the client's register event.
func (h *Handlers) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := NewClient(conn, h.hub, r.RemoteAddr)

	if token := r.URL.Query().Get("token"); token != "" && h.provider != nil {
		id, err := h.provider.Identify(token)
		if err != nil {
			h.log.Warn("token rejected, awaiting register event", "addr", r.RemoteAddr)
		} else {
			client.identity = &id
		}
	}

	// The hub launches the pump goroutines and performs any token-derived
	// registration.
	h.hub.register <- client
}

// Health reports server liveness as JSON.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status":    "ok",
		"message":   "Server is running",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Debug echoes request details for connectivity troubleshooting.
func (h *Handlers) Debug(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"message":   "websocket debug endpoint",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"url":       r.URL.String(),
		"method":    r.Method,
	})
}

// Root serves a plain-text liveness line.
func (h *Handlers) Root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("chatrelay server is running!"))
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}
