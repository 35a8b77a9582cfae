// Package client provides a reusable WebSocket load test client for the
// nearchat pairing server. It connects using gobwas/ws (the same library the
// server uses), tracks the session and room assigned by the server, and keeps
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
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

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Pairings         int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client represents a single simulated user connection to the server. It
// manages the WebSocket lifecycle and dispatches incoming messages to
// registered handlers. The session and room ids from the latest "paired"
// message are tracked automatically; partner_left and partner_replaced clear
// the room.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	roomID    string
	paired    chan struct{} // closed and replaced on every pairing
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
	start     time.Time
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		paired:   make(chan struct{}),
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		start:    start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	if err == nil {
		c.mu.Lock()
		c.metrics.MessagesSent++
		c.mu.Unlock()
	}
	return err
}

// SendLocation enters the pairing pool. With hasCoords false no position is
// shared and the server falls back to the client's address.
func (c *Client) SendLocation(lat, lon float64, hasCoords bool) error {
	msg := map[string]interface{}{"type": TypeLocation}
	if hasCoords {
		msg["latitude"] = lat
		msg["longitude"] = lon
	}
	return c.Send(msg)
}

// SendChat sends text to the current room. It fails if the client is not
// paired.
func (c *Client) SendChat(text string) error {
	room := c.RoomID()
	if room == "" {
		return fmt.Errorf("not paired")
	}
	return c.Send(map[string]string{"type": TypeChat, "room_id": room, "text": text})
}

// SendNext asks for a new partner.
func (c *Client) SendNext() error {
	room := c.RoomID()
	if room == "" {
		return fmt.Errorf("not paired")
	}
	return c.Send(map[string]string{"type": TypeNext, "room_id": room})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message for flexible decoding.
// Handlers are invoked from the read loop goroutine so they should not block
// for extended periods. Only one handler per message type is supported;
// registering a second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForPaired blocks until the client is in a room or the context is
// cancelled, and returns the room id.
func (c *Client) WaitForPaired(ctx context.Context) (string, error) {
	return c.WaitForNewRoom(ctx, "")
}

// WaitForNewRoom blocks until the client is in a room other than previous,
// e.g. after requesting next.
func (c *Client) WaitForNewRoom(ctx context.Context, previous string) (string, error) {
	for {
		c.mu.Lock()
		room, ch := c.roomID, c.paired
		c.mu.Unlock()
		if room != "" && room != previous {
			return room, nil
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.done:
			return "", fmt.Errorf("connection closed before pairing")
		case <-ch:
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running without error.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics.Errors == 0
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the client has not been paired yet.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// RoomID returns the current room, or an empty string.
func (c *Client) RoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.roomID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop continuously reads WebSocket frames from the server and dispatches
// them to registered handlers. It runs until the connection is closed or an
// unrecoverable error occurs.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			c.Close()
			return
		}

		var msg struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
			RoomID    string `json:"room_id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		c.mu.Lock()
		if c.metrics.MessagesReceived == 0 {
			c.metrics.FirstMsgLatency = time.Since(c.start)
		}
		c.metrics.MessagesReceived++

		switch msg.Type {
		case TypePaired:
			c.sessionID = msg.SessionID
			c.roomID = msg.RoomID
			c.metrics.Pairings++
			close(c.paired)
			c.paired = make(chan struct{})
		case TypePartnerLeft, TypePartnerReplaced:
			c.roomID = ""
		}
		handler := c.handlers[msg.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
