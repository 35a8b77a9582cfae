// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/whisper/nearchat/internal/chat"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeLocation = "location"
	TypeChat     = "chat"
	TypeNext     = "next"
	TypeStop     = "stop"
	TypePing     = "ping"
)

// Server -> Client message types.
const (
	TypeWaiting         = "waiting"
	TypePaired          = "paired"
	TypeMessage         = "message"
	TypePartnerReplaced = "partner_replaced"
	TypePartnerLeft     = "partner_left"
	TypeRateLimited     = "rate_limited"
	TypePong            = "pong"
)

// Sender tags on relayed chat messages.
const (
	SenderMe    = "me"
	SenderOther = "other"
)

// ErrMalformed marks inbound frames that cannot be turned into a valid client
// message. Such frames are dropped without a reply.
var ErrMalformed = errors.New("protocol: malformed message")

// ---------------------------------------------------------------------------
// Envelope is used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded into the concrete struct.
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
// Client -> Server messages
// ---------------------------------------------------------------------------

// ClientMessage is the closed set of messages a client may send. Every value
// returned by ParseClientMessage has already passed validation.
type ClientMessage interface {
	MessageType() string
	validate() error
}

// LocationMsg asks the server to resolve the client's location and enter the
// pairing pool. Both coordinates are optional; without them the server falls
// back to a network-address lookup.
type LocationMsg struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// HasCoordinates reports whether both coordinates were supplied.
func (m LocationMsg) HasCoordinates() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// ChatMsg is a text message sent by the client into its room. SenderID is
// optional; when present it must name the sending session.
type ChatMsg struct {
	RoomID   string `json:"room_id"`
	SenderID string `json:"sender_id"`
	Text     string `json:"text"`
}

// NextMsg asks to leave the current room and be paired with someone new.
type NextMsg struct {
	RoomID string `json:"room_id"`
}

// StopMsg leaves the pool or room without closing the connection.
type StopMsg struct{}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

func (LocationMsg) MessageType() string { return TypeLocation }
func (ChatMsg) MessageType() string     { return TypeChat }
func (NextMsg) MessageType() string     { return TypeNext }
func (StopMsg) MessageType() string     { return TypeStop }
func (PingMsg) MessageType() string     { return TypePing }

func (m LocationMsg) validate() error {
	if (m.Latitude == nil) != (m.Longitude == nil) {
		return errors.New("latitude and longitude must be sent together")
	}
	if m.HasCoordinates() {
		if *m.Latitude < -90 || *m.Latitude > 90 {
			return fmt.Errorf("latitude %v out of range", *m.Latitude)
		}
		if *m.Longitude < -180 || *m.Longitude > 180 {
			return fmt.Errorf("longitude %v out of range", *m.Longitude)
		}
	}
	return nil
}

func (m ChatMsg) validate() error {
	if m.RoomID == "" {
		return errors.New("missing room_id")
	}
	return chat.ValidateText(m.Text)
}

func (m NextMsg) validate() error {
	if m.RoomID == "" {
		return errors.New("missing room_id")
	}
	return nil
}

func (StopMsg) validate() error { return nil }
func (PingMsg) validate() error { return nil }

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// WaitingMsg tells the client it has entered the pool.
type WaitingMsg struct{}

// PairedMsg announces a new room. SessionID is the recipient's own id.
type PairedMsg struct {
	SessionID string `json:"session_id"`
	PartnerID string `json:"partner_id"`
	RoomID    string `json:"room_id"`
}

// DeliveredMsg relays a chat message. Sender is SenderMe on the echo to the
// author and SenderOther on the copy delivered to the partner.
type DeliveredMsg struct {
	RoomID string `json:"room_id"`
	Text   string `json:"text"`
	Sender string `json:"sender"`
}

// PartnerReplacedMsg is sent to both occupants of a room ended by "next".
type PartnerReplacedMsg struct {
	Message string `json:"message"`
}

// PartnerLeftMsg is sent to the surviving occupant when its partner leaves.
type PartnerLeftMsg struct {
	Message string `json:"message"`
}

// RateLimitedMsg is sent by the server when the client has been rate-limited.
type RateLimitedMsg struct {
	RetryAfter int `json:"retry_after"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct{}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage decodes and validates an inbound frame. Every error it
// returns wraps ErrMalformed.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var msg ClientMessage
	var err error

	switch env.Type {
	case TypeLocation:
		var m LocationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeChat:
		var m ChatMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNext:
		var m NextMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeStop:
		msg = StopMsg{}
	case TypePing:
		msg = PingMsg{}
	default:
		return nil, fmt.Errorf("%w: unknown client message type %q", ErrMalformed, env.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: failed to decode %q payload: %v", ErrMalformed, env.Type, err)
	}
	if err := msg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]interface{}, 1)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
