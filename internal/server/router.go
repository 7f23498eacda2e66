// Package server routes direct and group chat messages from an originating
// connection to their fan-out targets, acknowledging every accepted message
// back to the sender.
package server

import (
	"log/slog"

	"chatrelay/internal/presence"
	"chatrelay/internal/protocol"
)

// Transport is the addressable-send surface the router fans out through.
// The hub implements it; tests substitute a recording fake. SendTo reports
// whether the frame was accepted; a false return means the transport
// already cleaned the connection up, so the router never retries.
type Transport interface {
	SendTo(connID, event string, payload any) bool
	BroadcastExcept(exceptConnID, event string, payload any)
}

// Router decides fan-out targets for chat messages using presence registry
// state. Routing never returns an error to the caller: unreachable
// recipients and malformed messages both degrade to silent drops.
type Router struct {
	registry  *presence.Registry
	transport Transport
	log       *slog.Logger
}

// NewRouter creates a router over the given registry and transport.
func NewRouter(registry *presence.Registry, transport Transport, logger *slog.Logger) *Router {
	return &Router{registry: registry, transport: transport, log: logger}
}

// RouteDirect delivers msg verbatim to every live connection of its
// recipient and acknowledges it to the originating connection only. A
// recipient with no live connections is a normal, silent case; the ack
// still goes out, meaning "router accepted", not "recipient received".
func (r *Router) RouteDirect(originConnID string, msg protocol.ChatMessage) {
	if msg.ToUID == "" || msg.FromUID == "" {
		r.log.Warn("direct message dropped, missing addressing",
			"from", msg.FromUID, "to", msg.ToUID)
		return
	}

	for _, connID := range r.registry.ConnectionsFor(msg.ToUID) {
		r.transport.SendTo(connID, protocol.EventPrivateMessage, msg)
	}
	r.transport.SendTo(originConnID, protocol.EventMessageAck, msg)
}

// RouteGroup delivers msg to every live connection except the originating
// one; the acknowledgement takes the place of a self-delivery. A message
// naming no room falls back to the default room before delivery.
func (r *Router) RouteGroup(originConnID string, msg protocol.ChatMessage) {
	if msg.FromUID == "" {
		r.log.Warn("group message dropped, missing sender")
		return
	}
	if msg.IsDirect() {
		r.log.Warn("group message dropped, carries direct recipient",
			"from", msg.FromUID, "to", msg.ToUID)
		return
	}
	msg.Room = msg.TargetRoom()

	r.transport.BroadcastExcept(originConnID, protocol.EventGroupMessage, msg)
	r.transport.SendTo(originConnID, protocol.EventMessageAck, msg)
}
