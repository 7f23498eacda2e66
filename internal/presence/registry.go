// Package presence tracks which logical users are currently online. A user
// may be connected from several devices at once, so the registry maps each
// user id to the set of live connection ids and considers the user online
// while that set is non-empty.
package presence

import (
	"sync"

	"chatrelay/internal/protocol"
)

type userEntry struct {
	displayName string
	photoURL    string
	conns       map[string]struct{}
}

// Registry is the server-side presence table. It is safe for concurrent use
// and is constructed per server instance rather than shared at package
// scope, so tests can run independent registries side by side.
type Registry struct {
	mu    sync.RWMutex
	users map[string]*userEntry
	order []string // user ids in first-registration order
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{users: make(map[string]*userEntry)}
}

// Register adds connID to the connection set of userID, creating the user
// record on first registration. Registering the same pair twice is
// idempotent. A missing user id is a no-op. It reports whether the call
// changed presence state.
func (r *Registry) Register(connID, userID, displayName, photoURL string) bool {
	if userID == "" || connID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		entry = &userEntry{
			displayName: displayName,
			photoURL:    photoURL,
			conns:       make(map[string]struct{}),
		}
		r.users[userID] = entry
		r.order = append(r.order, userID)
	}

	if _, exists := entry.conns[connID]; exists {
		return false
	}
	entry.conns[connID] = struct{}{}
	return true
}

// DeregisterConnection removes connID from every user record containing it
// (at most one under well-formed state, but the scan is safe regardless)
// and deletes records whose connection set becomes empty. It reports
// whether presence changed.
func (r *Registry) DeregisterConnection(connID string) bool {
	if connID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	changed := false
	for userID, entry := range r.users {
		if _, ok := entry.conns[connID]; !ok {
			continue
		}
		delete(entry.conns, connID)
		changed = true
		if len(entry.conns) == 0 {
			r.removeLocked(userID)
		}
	}
	return changed
}

// Logout removes only the caller's own connection from userID, leaving other
// sessions of the same user untouched. It reports whether presence changed.
func (r *Registry) Logout(userID, connID string) bool {
	if userID == "" || connID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, exists := entry.conns[connID]; !exists {
		return false
	}
	delete(entry.conns, connID)
	if len(entry.conns) == 0 {
		r.removeLocked(userID)
	}
	return true
}

// ListOnline returns a snapshot of all online users in first-registration
// order. Callers must not rely on the order, but keeping it stable makes
// tests deterministic.
func (r *Registry) ListOnline() []protocol.UserInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.UserInfo, 0, len(r.users))
	for _, userID := range r.order {
		entry := r.users[userID]
		out = append(out, protocol.UserInfo{
			UID:         userID,
			DisplayName: entry.displayName,
			PhotoURL:    entry.photoURL,
		})
	}
	return out
}

// ConnectionsFor returns a snapshot of the live connection ids for userID,
// empty (nil) if the user is not online.
func (r *Registry) ConnectionsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.users[userID]
	if !ok {
		return nil
	}
	conns := make([]string, 0, len(entry.conns))
	for connID := range entry.conns {
		conns = append(conns, connID)
	}
	return conns
}

// Online reports whether userID currently has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.users[userID]
	return ok
}

func (r *Registry) removeLocked(userID string) {
	delete(r.users, userID)
	for i, id := range r.order {
		if id == userID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
