// Package protocol defines the JSON event protocol spoken between chat
// clients and the relay server: the per-frame envelope, the event names,
// and the payload types they carry.
package protocol

import "encoding/json"

// Event names exchanged over a connection. Client-to-server events are
// register, logout, private-message and group-message; the server answers
// with private-message / group-message deliveries, a message-ack to the
// sender, and users snapshots after every presence change.
const (
	EventRegister       = "register"
	EventLogout         = "logout"
	EventPrivateMessage = "private-message"
	EventGroupMessage   = "group-message"
	EventMessageAck     = "message-ack"
	EventUsers          = "users"
)

// DefaultRoom receives group messages that name no room at all.
const DefaultRoom = "general"

// Envelope frames every message on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChatMessage is a single direct or group message. Exactly one of ToUID or
// Room is expected to be set; a message with neither belongs to DefaultRoom.
// Messages are immutable once created.
type ChatMessage struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	FromUID string `json:"fromUid"`
	To      string `json:"to,omitempty"`
	ToUID   string `json:"toUid,omitempty"`
	Text    string `json:"text"`
	Ts      int64  `json:"ts"`
	Room    string `json:"room,omitempty"`
}

// IsDirect reports whether the message is addressed to a single user.
func (m ChatMessage) IsDirect() bool {
	return m.ToUID != ""
}

// TargetRoom returns the room the message belongs to, applying the
// DefaultRoom fallback for group messages that carry no room name.
func (m ChatMessage) TargetRoom() string {
	if m.Room != "" {
		return m.Room
	}
	return DefaultRoom
}

// UserInfo is one entry of the online-user snapshot broadcast after every
// presence change.
type UserInfo struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// RegisterPayload carries the identity a connecting client registers under.
// The relay trusts these fields as given; verification belongs to the
// identity provider.
type RegisterPayload struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Valid reports whether the payload can be registered. A missing uid makes
// registration a no-op.
func (p RegisterPayload) Valid() bool {
	return p.UID != ""
}

// LogoutPayload identifies the user logging out on the current connection.
type LogoutPayload struct {
	UID string `json:"uid"`
}

// NewEnvelope marshals payload into an Envelope for event. Marshalling a
// plain payload struct cannot fail; an error here indicates a programming
// mistake and is reported to the caller rather than swallowed.
func NewEnvelope(event string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: data}, nil
}
