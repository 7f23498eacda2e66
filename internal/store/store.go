// Package store implements the client-side conversation store: per
// conversation ordered, deduplicated message logs plus unread counters for
// direct peers and rooms.
package store

import (
	"sort"
	"sync"

	"chatrelay/internal/protocol"
)

// keySeparator joins the two participant ids of a direct conversation key.
const keySeparator = "_"

// Store buckets incoming and outgoing messages into per-conversation logs.
// It is written only by the event-delivery path but may be read by a
// concurrently rendering view layer, so every log update publishes a fresh
// slice instead of mutating one in place: a slice handed out by
// CurrentMessages is never written again.
type Store struct {
	mu sync.RWMutex

	localUID      string
	conversations map[string][]protocol.ChatMessage
	unreadUsers   map[string]int
	unreadRooms   map[string]int
	onlineUsers   map[string]struct{}

	// Exactly one conversation view is active at a time: a direct peer or
	// a room, never both.
	activeUser string
	activeRoom string
}

// New returns a store for the local user identified by localUID. The
// default room starts out as the active view, matching a freshly opened
// client.
func New(localUID string) *Store {
	return &Store{
		localUID:      localUID,
		conversations: make(map[string][]protocol.ChatMessage),
		unreadUsers:   make(map[string]int),
		unreadRooms:   make(map[string]int),
		onlineUsers:   make(map[string]struct{}),
		activeRoom:    protocol.DefaultRoom,
	}
}

// DirectKey derives the conversation key shared by both participants of a
// direct exchange: the two uids sorted lexicographically and joined, so
// sender and recipient compute the same key regardless of perspective.
func DirectKey(uidA, uidB string) string {
	if uidA > uidB {
		uidA, uidB = uidB, uidA
	}
	return uidA + keySeparator + uidB
}

// ConversationKey derives the key a message files under: the sorted
// participant pair for direct messages, the room name for group messages,
// and the default room when the message names neither.
func ConversationKey(msg protocol.ChatMessage) string {
	if msg.IsDirect() {
		return DirectKey(msg.FromUID, msg.ToUID)
	}
	if msg.Room != "" {
		return msg.Room
	}
	return protocol.DefaultRoom
}

// Ingest files msg into its conversation log. Duplicates (same id, or same
// sender and timestamp) are dropped. The log stays sorted ascending by
// timestamp after every insertion, with insertion order preserved among
// equal timestamps. Unless the message is the local user's own or its
// conversation is the active view, the matching unread counter increments.
func (s *Store) Ingest(msg protocol.ChatMessage, isOwn bool) {
	key := ConversationKey(msg)

	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.conversations[key]
	for _, m := range existing {
		if m.ID == msg.ID || (m.FromUID == msg.FromUID && m.Ts == msg.Ts) {
			return
		}
	}

	// Replace-then-publish: readers holding the old slice keep a complete
	// snapshot while the new one is built.
	updated := make([]protocol.ChatMessage, 0, len(existing)+1)
	updated = append(updated, existing...)
	updated = append(updated, msg)
	sort.SliceStable(updated, func(i, j int) bool { return updated[i].Ts < updated[j].Ts })
	s.conversations[key] = updated

	if isOwn {
		return
	}
	if msg.IsDirect() {
		if key != DirectKey(s.localUID, s.activeUser) {
			s.unreadUsers[msg.FromUID]++
		}
	} else if room := msg.TargetRoom(); room != s.activeRoom {
		s.unreadRooms[room]++
	}
}

// OpenDirect makes the direct conversation with uid the active view and
// resets its unread counter. Any active room view is deactivated.
func (s *Store) OpenDirect(uid string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeUser = uid
	s.activeRoom = ""
	s.unreadUsers[uid] = 0
}

// OpenRoom makes room the active view and resets its unread counter. Any
// active direct view is deactivated.
func (s *Store) OpenRoom(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeRoom = room
	s.activeUser = ""
	s.unreadRooms[room] = 0
}

// CurrentMessages returns the ordered log of the active conversation, or an
// empty slice when it has no messages yet. The returned slice is a
// read-only view: the store never writes to a published slice again, and
// callers must not either.
func (s *Store) CurrentMessages() []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.activeUser != "":
		return s.conversations[DirectKey(s.localUID, s.activeUser)]
	case s.activeRoom != "":
		return s.conversations[s.activeRoom]
	default:
		return nil
	}
}

// Messages returns the log for an arbitrary conversation key, read-only
// under the same contract as CurrentMessages.
func (s *Store) Messages(key string) []protocol.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.conversations[key]
}

// UnreadFrom returns the unread count for the direct conversation with uid.
func (s *Store) UnreadFrom(uid string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.unreadUsers[uid]
}

// UnreadInRoom returns the unread count for room.
func (s *Store) UnreadInRoom(room string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.unreadRooms[room]
}

// SetOnlineUsers replaces the known-online set from a users snapshot event.
func (s *Store) SetOnlineUsers(users []protocol.UserInfo) {
	online := make(map[string]struct{}, len(users))
	for _, u := range users {
		online[u.UID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.onlineUsers = online
}

// IsUserOnline reports whether uid appeared in the latest users snapshot.
func (s *Store) IsUserOnline(uid string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.onlineUsers[uid]
	return ok
}

