package matching

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/whisper/nearchat/internal/location"
)

// EventKind identifies a pairing state transition.
type EventKind string

const (
	EventWaiting        EventKind = "waiting"
	EventPaired         EventKind = "paired"
	EventRoomClosed     EventKind = "room_closed"
	EventMessageRelayed EventKind = "message_relayed"
	EventMessageDropped EventKind = "message_dropped"
	EventSessionEnded   EventKind = "session_ended"
)

// CloseReason says why a room was closed.
type CloseReason string

const (
	ReasonNext       CloseReason = "next"
	ReasonDisconnect CloseReason = "disconnect"
)

// Event describes one transition. Which fields are set depends on Kind:
//
//	waiting         SessionID, Profile
//	paired          RoomID, SessionID (A), PartnerID (B), Profile, PartnerProfile, Score, Strategy, Waited
//	room_closed     RoomID, SessionID (A), PartnerID (B), Reason, Lifetime
//	message_relayed RoomID, SessionID
//	message_dropped RoomID, SessionID
//	session_ended   SessionID, Waited (zero unless the session left from the pool)
//
// PoolSize, RoomCount and At are always set and reflect the state after the
// transition.
type Event struct {
	Kind           EventKind
	SessionID      string
	PartnerID      string
	RoomID         string
	Profile        location.Profile
	PartnerProfile location.Profile
	Score          float64
	Strategy       Strategy
	Reason         CloseReason
	Waited         time.Duration
	Lifetime       time.Duration
	PoolSize       int
	RoomCount      int
	At             time.Time
}

// Observer receives pairing events. Observe is called while the orchestrator
// holds its lock and must not block or call back into the orchestrator.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans an event out to every observer in order.
type Observers []Observer

func (os Observers) Observe(e Event) {
	for _, o := range os {
		o.Observe(e)
	}
}

// AsyncObserver decouples slow sinks from the orchestrator. Events are
// buffered and delivered to the wrapped observer from Run; when the buffer is
// full the event is dropped and counted.
type AsyncObserver struct {
	next    Observer
	events  chan Event
	dropped atomic.Uint64
}

// NewAsyncObserver wraps next with a buffer of the given size.
func NewAsyncObserver(next Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 1024
	}
	return &AsyncObserver{next: next, events: make(chan Event, buffer)}
}

// Observe implements Observer. It never blocks.
func (a *AsyncObserver) Observe(e Event) {
	select {
	case a.events <- e:
	default:
		if n := a.dropped.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("[matcher] event buffer full, %d events dropped", n)
		}
	}
}

// Run delivers buffered events until ctx is cancelled, then drains what is
// already queued.
func (a *AsyncObserver) Run(ctx context.Context) error {
	for {
		select {
		case e := <-a.events:
			a.next.Observe(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-a.events:
					a.next.Observe(e)
				default:
					return nil
				}
			}
		}
	}
}

// Dropped returns the number of events discarded because the buffer was full.
func (a *AsyncObserver) Dropped() uint64 {
	return a.dropped.Load()
}
