// Package protocol defines the socket event types exchanged between the
// client and the server. Every event is a JSON object carrying a "type"
// discriminator; the remaining fields depend on the event.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoin              = "join"
	TypePrivateMessage    = "privateMessage"
	TypeJoinRoom          = "joinRoom"
	TypeGroupMessage      = "groupMessage"
	TypeFindRandomMatch   = "findRandomMatch"
	TypeRandomMatchAccept = "randomMatchAccept"
	TypeRandomMatchReject = "randomMatchReject"
	TypeCancelRandomMatch = "cancelRandomMatch"
	TypePing              = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated    = "sessionCreated"
	TypeRandomMatchStatus = "randomMatchStatus"
	TypeError             = "error"
	TypePong              = "pong"
)

// Random-match status vocabulary carried by RandomMatchStatusMsg.Status.
const (
	StatusWaiting   = "waiting"
	StatusPending   = "pending"
	StatusConnected = "connected"
	StatusRejected  = "rejected"
	StatusError     = "error"
)

// ---------------------------------------------------------------------------
// Envelope is the first-pass parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// decoding into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into the right struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// JoinMsg associates an external user identity with the current connection.
// The identity is caller-supplied and trusted as-is.
type JoinMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// PrivateMessageMsg carries a direct message to another identified user.
type PrivateMessageMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipientId"`
	Message     string `json:"message"`
}

// JoinRoomMsg subscribes the connection to a group-chat broadcast channel.
type JoinRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// GroupMessageMsg carries a message addressed to a broadcast channel.
type GroupMessageMsg struct {
	Type    string `json:"type"`
	RoomID  string `json:"roomId"`
	Message string `json:"message"`
}

// FindRandomMatchMsg asks the server to pair this connection with another
// waiting user sharing at least one interest.
type FindRandomMatchMsg struct {
	Type string `json:"type"`
}

// RandomMatchAcceptMsg accepts a proposed pairing.
type RandomMatchAcceptMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// RandomMatchRejectMsg declines a proposed pairing.
type RandomMatchRejectMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// CancelRandomMatchMsg withdraws the connection from the waiting pool.
type CancelRandomMatchMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// SessionCreatedMsg announces the connection id assigned by the server.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// MatchedUser is the denormalized view of the peer each participant sees.
// It is computed once at pairing time and never mutated afterwards.
type MatchedUser struct {
	Name     string `json:"name"`
	Age      int    `json:"age,omitempty"`
	Location string `json:"location,omitempty"`
	Gender   string `json:"gender,omitempty"`
	Avatar   string `json:"avatar"`
}

// RandomMatchStatusMsg is the only event carrying the match state machine's
// outcomes.
type RandomMatchStatusMsg struct {
	Type        string       `json:"type"`
	Status      string       `json:"status"`
	MatchedUser *MatchedUser `json:"matchedUser,omitempty"`
	RoomID      string       `json:"roomId,omitempty"`
	Message     string       `json:"message,omitempty"`
}

// ServerPrivateMessageMsg relays a direct message to its recipient.
type ServerPrivateMessageMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
	Ts       int64  `json:"ts"`
}

// ServerGroupMessageMsg relays a room message to every channel member.
type ServerGroupMessageMsg struct {
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
	Message  string `json:"message"`
	Ts       int64  `json:"ts"`
}

// ErrorMsg reports an error condition on the connection.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg answers a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw socket bytes into a typed client event.
// It returns the event type, the decoded struct, and any error. Unknown or
// server-only types are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeJoin:
		var m JoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePrivateMessage:
		var m PrivateMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinRoom:
		var m JoinRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGroupMessage:
		var m GroupMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindRandomMatch:
		var m FindRandomMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRandomMatchAccept:
		var m RandomMatchAcceptMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRandomMatchReject:
		var m RandomMatchRejectMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCancelRandomMatch:
		var m CancelRandomMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage builds the JSON bytes for a server event. The msgType is
// injected into the payload under the "type" key so structs don't need to
// pre-fill it.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
