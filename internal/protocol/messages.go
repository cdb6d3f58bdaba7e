// Package protocol defines the WebSocket message types and structures used
// for communication between chat clients and the gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeJoin     = "join"
	TypeLeave    = "leave"
	TypeSend     = "send"
	TypeMarkRead = "mark_read"
	TypePing     = "ping"
)

// Server -> Client message types.
const (
	TypeWelcome        = "welcome"
	TypeMessageCreated = "message-created"
	TypeBlocked        = "blocked"
	TypeRateLimited    = "rate_limited"
	TypeError          = "error"
	TypePong           = "pong"
)

// Blocked reasons.
const (
	ReasonMuted           = "MUTED"
	ReasonMutedDueStrikes = "MUTED_DUE_TO_STRIKES"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
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
// Client -> Server message structs
// ---------------------------------------------------------------------------

// JoinMsg is sent by the client to enter a channel room and start receiving
// its broadcasts.
type JoinMsg struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channel_id"`
}

// LeaveMsg is sent by the client to leave a channel room.
type LeaveMsg struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channel_id"`
}

// SendMsg is a chat message submitted by the client to a channel.
// ReplyToID optionally references an earlier message in the same channel.
type SendMsg struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channel_id"`
	Content   string `json:"content"`
	ReplyToID *int64 `json:"reply_to_id,omitempty"`
}

// MarkReadMsg records how far the client has read in a channel. This updates
// durable read state and is independent of live room membership.
type MarkReadMsg struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channel_id"`
	MessageID int64  `json:"message_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WelcomeMsg is sent by the server once the connection is established.
// Guest connections may receive broadcasts but cannot send.
type WelcomeMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"user_id,omitempty"`
	Guest  bool   `json:"guest"`
}

// MessageCreatedMsg announces a persisted chat message to a channel room.
// Bot notices use the same event with the bot's identity as the author.
type MessageCreatedMsg struct {
	Type      string `json:"type"`
	ID        int64  `json:"id"`
	ChannelID int64  `json:"channel_id"`
	AuthorID  int64  `json:"author_id"`
	Content   string `json:"content"`
	ReplyToID *int64 `json:"reply_to_id,omitempty"`
	Pinned    bool   `json:"pinned"`
	CreatedAt int64  `json:"created_at"` // unix seconds
}

// BlockedMsg tells a sender their message was rejected by moderation.
// Reason is one of the Reason* constants. It is only ever sent to the
// initiating connection, never broadcast.
type BlockedMsg struct {
	Type      string `json:"type"`
	ChannelID int64  `json:"channel_id"`
	Reason    string `json:"reason"`
	MuteUntil int64  `json:"mute_until"` // unix seconds
}

// RateLimitedMsg is sent when the client has exceeded the send throttle.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition to the
// initiating connection only.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
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
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSend:
		var m SendMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
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

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
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
