package matching

import (
	"time"

	"github.com/whisper/nearchat/internal/location"
)

// Transport is the outbound side of a client connection. Send must not block;
// implementations queue the frame or fail fast.
type Transport interface {
	ConnID() string
	Send(data []byte) error
	IsOpen() bool
}

// Session is one client's pairing state. A session is held by the pool or by
// exactly one room, never both.
type Session struct {
	ID           string
	Transport    Transport
	Profile      location.Profile
	WaitingSince time.Time
}
