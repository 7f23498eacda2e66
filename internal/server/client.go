// Package server manages individual WebSocket clients, handling read/write
// pumps, rate limiting, and per-event dispatch for each connection.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatrelay/internal/identity"
	"chatrelay/internal/protocol"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Client represents one physical websocket connection. Its id is the opaque
// connection handle the presence registry and router address it by; the
// logical user behind it is tracked only in the registry.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	hub    *Hub
	addr   string
	closed bool
	log    *slog.Logger

	// identity is non-nil only for token-authenticated connections; the
	// hub registers it at connection time.
	identity *identity.Identity

	maxMessageSize int64
	rateLimiter    *rateLimiter
}

// NewClient wraps a websocket connection for the hub, assigning it a fresh
// connection id and the hub's configured read limit and rate limiter.
func NewClient(conn *websocket.Conn, hub *Hub, addr string) *Client {
	cfg := hub.cfg
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize)
	}
	id := uuid.NewString()

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, 256),
		hub:            hub,
		addr:           addr,
		log:            hub.log.With("conn", id),
		maxMessageSize: cfg.MaxMessageSize,
		rateLimiter:    newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
	}
}

// ID returns the opaque connection handle of this client.
func (c *Client) ID() string {
	return c.id
}

// GetSendChan returns the client's outgoing frame channel, read-only from
// the caller's perspective.
func (c *Client) GetSendChan() <-chan []byte {
	return c.send
}

func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("set read deadline failed", "err", err)
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Warn("set read deadline failed", "err", err)
		}
		return nil
	})
}

// logReadError classifies a read-loop error for logging; every read error
// ends the connection.
func (c *Client) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("frame exceeded read limit", "limit", c.maxMessageSize)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", "reason", err)
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Info("connection closed", "reason", err)
	default:
		c.log.Warn("websocket read error", "err", err)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("close in read pump failed", "err", err)
		}
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.logReadError(err)
			break
		}

		if c.rateLimiter != nil && !c.rateLimiter.allow() {
			c.log.Warn("rate limit exceeded, frame discarded")
			continue
		}

		c.dispatch(raw)
	}
}

// dispatch decodes one inbound frame and routes it by event type. Malformed
// frames are dropped and logged, never answered.
func (c *Client) dispatch(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		c.log.Warn("invalid frame", "err", err)
		return
	}

	switch env.Event {
	case protocol.EventRegister:
		c.handleRegister(env.Data)
	case protocol.EventLogout:
		c.handleLogout(env.Data)
	case protocol.EventPrivateMessage:
		if msg, ok := c.decodeMessage(env.Data); ok {
			c.hub.router.RouteDirect(c.id, msg)
		}
	case protocol.EventGroupMessage:
		if msg, ok := c.decodeMessage(env.Data); ok {
			c.hub.router.RouteGroup(c.id, msg)
		}
	default:
		c.log.Debug("unknown event", "event", env.Event)
	}
}

func (c *Client) handleRegister(data json.RawMessage) {
	var payload protocol.RegisterPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		c.log.Warn("invalid register payload", "err", err)
		return
	}
	if !payload.Valid() {
		c.log.Warn("register without uid ignored")
		return
	}

	c.hub.registry.Register(c.id, payload.UID, payload.DisplayName, payload.PhotoURL)
	c.log.Info("user registered", "uid", payload.UID, "name", payload.DisplayName)
	c.hub.BroadcastUsers()
}

// handleLogout removes only this connection for the named user; other
// sessions of the same user stay online.
func (c *Client) handleLogout(data json.RawMessage) {
	var payload protocol.LogoutPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UID == "" {
		c.log.Warn("invalid logout payload")
		return
	}

	if c.hub.registry.Logout(payload.UID, c.id) {
		c.log.Info("user logged out", "uid", payload.UID)
		c.hub.BroadcastUsers()
	}
}

func (c *Client) decodeMessage(data json.RawMessage) (protocol.ChatMessage, bool) {
	var msg protocol.ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn("invalid chat message", "err", err)
		return protocol.ChatMessage{}, false
	}
	return msg, true
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("close in write pump failed", "err", err)
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !c.writeMessage(message, ok) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeMessage writes one outgoing frame plus anything already queued,
// and reports whether the pump should keep running.
func (c *Client) writeMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Warn("set write deadline failed", "err", err)
		return false
	}

	if !ok {
		// The hub closed the send channel.
		if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("write close message failed", "err", err)
		}
		return false
	}

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return false
	}
	if _, err := w.Write(message); err != nil {
		c.log.Warn("write frame failed", "err", err)
		return false
	}

	// Coalesce queued frames into the same write, newline separated.
	n := len(c.send)
	for i := 0; i < n; i++ {
		if _, err := w.Write([]byte{'\n'}); err != nil {
			return false
		}
		if _, err := w.Write(<-c.send); err != nil {
			return false
		}
	}

	if err := w.Close(); err != nil {
		c.log.Warn("close writer failed", "err", err)
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		return false
	}
	return true
}
