// Package server coordinates connection registration, presence tracking,
// message routing, and connection cleanup for the chat relay via the Hub
// type.
package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/config"
	"chatrelay/internal/presence"
	"chatrelay/internal/protocol"
)

// Hub owns every live websocket connection, keyed by connection id, and
// exposes the addressable-send primitives the router fans out through.
// All map access is serialized behind a single mutex; registration and
// teardown additionally flow through channels consumed by Run.
type Hub struct {
	cfg      config.Config
	log      *slog.Logger
	registry *presence.Registry
	router   *Router

	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub bound to the given presence registry. The returned
// hub is ready to accept connections once Run is started.
func NewHub(cfg config.Config, logger *slog.Logger, registry *presence.Registry) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		cfg:        cfg,
		log:        logger,
		registry:   registry,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	h.router = NewRouter(registry, h, logger)
	return h
}

// Registry returns the presence registry this hub feeds.
func (h *Hub) Registry() *presence.Registry {
	return h.registry
}

// GetRegisterChan returns the channel used to hand new clients to the hub.
func (h *Hub) GetRegisterChan() chan<- *Client {
	return h.register
}

// GetUnregisterChan returns the channel used to retire clients from the hub.
func (h *Hub) GetUnregisterChan() chan<- *Client {
	return h.unregister
}

// Run starts the hub's main event loop, handling connection registration
// and teardown. It should be called in its own goroutine as it runs until
// Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("nil client registration skipped")
				continue
			}
			h.addClient(client)

		case client := <-h.unregister:
			h.retireClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mutex.Lock()
	client.closed = false
	h.clients[client.id] = client
	count := len(h.clients)
	h.mutex.Unlock()
	h.log.Info("connection opened", "conn", client.id, "addr", client.addr, "total", count)

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()

	// A token-authenticated connection carries its identity from the
	// upgrade; register it immediately so the client need not send an
	// explicit register event.
	if client.identity != nil {
		h.registry.Register(client.id, client.identity.UserID, client.identity.DisplayName, client.identity.PhotoURL)
		h.BroadcastUsers()
	}
}

// retireClient removes a client on transport close. A connection going away
// is an implicit deregistration for whichever user owned it, followed by a
// fresh presence snapshot to everyone still connected.
func (h *Hub) retireClient(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client.id]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client.id)
	client.closed = true
	count := len(h.clients)
	h.mutex.Unlock()
	close(client.send)
	h.log.Info("connection closed", "conn", client.id, "addr", client.addr, "total", count)

	h.registry.DeregisterConnection(client.id)
	h.BroadcastUsers()
}

// safeSend queues payload for one client without blocking. It reports false
// when the client is gone or its buffer is full, in which case the caller
// treats the connection as dead.
func (h *Hub) safeSend(client *Client, payload []byte) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	current, exists := h.clients[client.id]
	if !exists || current != client || client.closed {
		return false
	}

	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// SendTo delivers one event to a single connection. A failed send marks the
// connection stale and cleans it up; the failure never surfaces past the
// false return.
func (h *Hub) SendTo(connID, event string, payload any) bool {
	data, ok := h.encodeEvent(event, payload)
	if !ok {
		return false
	}

	h.mutex.RLock()
	client, exists := h.clients[connID]
	h.mutex.RUnlock()
	if !exists {
		return false
	}

	if !h.safeSend(client, data) {
		h.removeFailedClients([]*Client{client})
		return false
	}
	return true
}

// BroadcastExcept delivers one event to every live connection except the
// named one. Connections that cannot accept the frame are cleaned up.
func (h *Hub) BroadcastExcept(exceptConnID, event string, payload any) {
	data, ok := h.encodeEvent(event, payload)
	if !ok {
		return
	}

	var failed []*Client
	for _, client := range h.clientSnapshot() {
		if client.id == exceptConnID {
			continue
		}
		if !h.safeSend(client, data) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

// BroadcastUsers sends the current online-user snapshot to every
// connection. It runs after every presence change.
func (h *Hub) BroadcastUsers() {
	h.BroadcastExcept("", protocol.EventUsers, h.registry.ListOnline())
}

func (h *Hub) encodeEvent(event string, payload any) ([]byte, bool) {
	data, err := encodeEnvelope(event, payload)
	if err != nil {
		h.log.Error("encode event failed", "event", event, "err", err)
		return nil, false
	}
	return data, true
}

func (h *Hub) clientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients drops connections whose send buffers rejected a
// frame. Each one is deregistered from presence, and a fresh users snapshot
// goes out when anything actually changed. This is the self-healing path
// for stale handles.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var removed []*Client
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if _, exists := h.clients[client.id]; exists {
			delete(h.clients, client.id)
			client.closed = true
			removed = append(removed, client)
			channelsToClose = append(channelsToClose, client.send)
			h.log.Warn("connection dropped, send buffer full", "conn", client.id, "addr", client.addr)
		}
	}
	h.mutex.Unlock()

	// Close channels after releasing the lock.
	for _, ch := range channelsToClose {
		close(ch)
	}

	presenceChanged := false
	for _, client := range removed {
		if h.registry.DeregisterConnection(client.id) {
			presenceChanged = true
		}
	}
	if presenceChanged {
		h.BroadcastUsers()
	}
}

// shutdownClients closes every active connection during hub shutdown.
func (h *Hub) shutdownClients() {
	clients := h.clientSnapshot()
	for _, client := range clients {
		if client.conn != nil {
			if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
				h.log.Warn("close connection failed", "conn", client.id, "err", err)
			}
		}
	}
	h.log.Info("closed client connections", "count", len(clients))
}

// Shutdown stops the hub and waits for the pump goroutines to finish, up to
// timeout. It returns context.DeadlineExceeded when goroutines are still
// running at the deadline.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("hub shutting down")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown complete")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out")
		return context.DeadlineExceeded
	}
}
