package session

import (
	"context"
	"log"
	"time"

	"github.com/whisper/nearchat/internal/matching"
)

// opTimeout bounds each Redis write made for one event.
const opTimeout = 2 * time.Second

// Presence keeps the Store in step with pairing events. It issues blocking
// Redis calls, so it must sit behind a matching.AsyncObserver.
type Presence struct {
	store *Store
}

// NewPresence creates a Presence writing to store.
func NewPresence(store *Store) *Presence {
	return &Presence{store: store}
}

// Observe implements matching.Observer.
func (p *Presence) Observe(e matching.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	var err error
	switch e.Kind {
	case matching.EventWaiting:
		err = p.store.SetWaiting(ctx, e.SessionID, e.Profile.Country, e.Profile.Precise)
	case matching.EventPaired:
		err = p.store.SetPaired(ctx, e.SessionID, e.RoomID, e.PartnerID, e.Profile.Country, e.Profile.Precise)
		if err == nil {
			err = p.store.SetPaired(ctx, e.PartnerID, e.RoomID, e.SessionID, e.PartnerProfile.Country, e.PartnerProfile.Precise)
		}
	case matching.EventSessionEnded:
		err = p.store.Delete(ctx, e.SessionID)
	}
	if err != nil {
		log.Printf("[session] presence update %s for %s failed: %v", e.Kind, e.SessionID, err)
	}
}
