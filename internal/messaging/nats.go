// Package messaging provides a NATS client wrapper for publishing pairing
// lifecycle events from WebSocket servers and consuming them in the pairing
// log service.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for pairing lifecycle events.
const (
	SubjectWaiting      = "pairing.waiting"
	SubjectRoomOpened   = "pairing.room.opened"
	SubjectRoomClosed   = "pairing.room.closed"
	SubjectSessionEnded = "pairing.session.ended"
	SubjectRoomAll      = "pairing.room.>"
)

// RoomEvent is published when a room opens or closes. It carries only coarse
// location and never message content.
type RoomEvent struct {
	RoomID     string    `json:"room_id"`
	Server     string    `json:"server"`
	SessionA   string    `json:"session_a"`
	SessionB   string    `json:"session_b"`
	CountryA   string    `json:"country_a,omitempty"`
	CountryB   string    `json:"country_b,omitempty"`
	PreciseA   bool      `json:"precise_a,omitempty"`
	PreciseB   bool      `json:"precise_b,omitempty"`
	Score      float64   `json:"score"`
	Strategy   string    `json:"strategy,omitempty"`
	WaitedMs   int64     `json:"waited_ms,omitempty"`
	Reason     string    `json:"reason,omitempty"`      // closed only
	LifetimeMs int64     `json:"lifetime_ms,omitempty"` // closed only
	At         time.Time `json:"at"`
}

// SessionEvent is published when a session starts waiting or ends.
type SessionEvent struct {
	SessionID string    `json:"session_id"`
	Server    string    `json:"server"`
	Country   string    `json:"country,omitempty"`
	WaitedMs  int64     `json:"waited_ms,omitempty"`
	PoolSize  int       `json:"pool_size"`
	At        time.Time `json:"at"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "nearchat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishJSON marshals v and publishes it to subject.
func (c *NATSClient) PublishJSON(subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("nats marshal %s: %w", subject, err)
	}
	return c.Publish(subject, data)
}

// PublishRoomEvent publishes ev to SubjectRoomOpened or SubjectRoomClosed.
func (c *NATSClient) PublishRoomEvent(subject string, ev RoomEvent) error {
	return c.PublishJSON(subject, ev)
}

// PublishSessionEvent publishes ev to SubjectWaiting or SubjectSessionEnded.
func (c *NATSClient) PublishSessionEvent(subject string, ev SessionEvent) error {
	return c.PublishJSON(subject, ev)
}

// QueueSubscribe registers handler for subject within a queue group, so that
// each message is handled by one member of the group. The subscription is
// drained on Close.
func (c *NATSClient) QueueSubscribe(subject, queue string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s (%s): %w", subject, queue, err)
	}
	c.track(subject+"#"+queue, sub)
	return nil
}

// SubscribeRoomEvents delivers decoded room events from every server to
// handler, load-balanced across the queue group. Undecodable messages are
// logged and skipped.
func (c *NATSClient) SubscribeRoomEvents(queue string, handler func(subject string, ev RoomEvent)) error {
	return c.QueueSubscribe(SubjectRoomAll, queue, func(msg *nats.Msg) {
		var ev RoomEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Printf("[nats] bad room event on %s: %v", msg.Subject, err)
			return
		}
		handler(msg.Subject, ev)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

func (c *NATSClient) track(key string, sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[key] = sub
	c.mu.Unlock()
}
