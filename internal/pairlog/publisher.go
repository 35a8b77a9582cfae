package pairlog

import (
	"log"

	"github.com/whisper/nearchat/internal/matching"
	"github.com/whisper/nearchat/internal/messaging"
)

// EventPublisher is the subset of messaging.NATSClient the Publisher needs.
type EventPublisher interface {
	PublishRoomEvent(subject string, ev messaging.RoomEvent) error
	PublishSessionEvent(subject string, ev messaging.SessionEvent) error
}

// Publisher forwards pairing events to NATS. It performs network I/O, so it
// must sit behind a matching.AsyncObserver.
type Publisher struct {
	pub    EventPublisher
	server string
}

// NewPublisher creates a Publisher that tags events with the server name.
func NewPublisher(pub EventPublisher, server string) *Publisher {
	return &Publisher{pub: pub, server: server}
}

// Observe implements matching.Observer.
func (p *Publisher) Observe(e matching.Event) {
	var (
		subject string
		err     error
	)
	switch e.Kind {
	case matching.EventWaiting:
		subject = messaging.SubjectWaiting
		err = p.pub.PublishSessionEvent(subject, messaging.SessionEvent{
			SessionID: e.SessionID,
			Server:    p.server,
			Country:   e.Profile.Country,
			PoolSize:  e.PoolSize,
			At:        e.At,
		})
	case matching.EventSessionEnded:
		subject = messaging.SubjectSessionEnded
		err = p.pub.PublishSessionEvent(subject, messaging.SessionEvent{
			SessionID: e.SessionID,
			Server:    p.server,
			WaitedMs:  e.Waited.Milliseconds(),
			PoolSize:  e.PoolSize,
			At:        e.At,
		})
	case matching.EventPaired:
		subject = messaging.SubjectRoomOpened
		err = p.pub.PublishRoomEvent(subject, messaging.RoomEvent{
			RoomID:   e.RoomID,
			Server:   p.server,
			SessionA: e.SessionID,
			SessionB: e.PartnerID,
			CountryA: e.Profile.Country,
			CountryB: e.PartnerProfile.Country,
			PreciseA: e.Profile.Precise,
			PreciseB: e.PartnerProfile.Precise,
			Score:    e.Score,
			Strategy: string(e.Strategy),
			WaitedMs: e.Waited.Milliseconds(),
			At:       e.At,
		})
	case matching.EventRoomClosed:
		subject = messaging.SubjectRoomClosed
		err = p.pub.PublishRoomEvent(subject, messaging.RoomEvent{
			RoomID:     e.RoomID,
			Server:     p.server,
			SessionA:   e.SessionID,
			SessionB:   e.PartnerID,
			Reason:     string(e.Reason),
			LifetimeMs: e.Lifetime.Milliseconds(),
			At:         e.At,
		})
	default:
		return
	}
	if err != nil {
		log.Printf("[pairlog] publish %s: %v", subject, err)
	}
}
