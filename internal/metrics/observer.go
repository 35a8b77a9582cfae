package metrics

import (
	"github.com/whisper/nearchat/internal/matching"
)

// Observer records pairing events as Prometheus metrics. It only touches
// in-process collectors, so it is safe to call under the orchestrator lock.
type Observer struct{}

// Observe implements matching.Observer.
func (Observer) Observe(e matching.Event) {
	WaitingSessions.Set(float64(e.PoolSize))
	ActiveRooms.Set(float64(e.RoomCount))

	switch e.Kind {
	case matching.EventPaired:
		PairingsTotal.WithLabelValues(string(e.Strategy)).Inc()
		PairingScore.Observe(e.Score)
		WaitDuration.Observe(e.Waited.Seconds())
	case matching.EventRoomClosed:
		RoomsClosedTotal.WithLabelValues(string(e.Reason)).Inc()
		RoomLifetime.Observe(e.Lifetime.Seconds())
	case matching.EventMessageRelayed:
		MessagesTotal.WithLabelValues("relayed").Inc()
	case matching.EventMessageDropped:
		MessagesTotal.WithLabelValues("dropped").Inc()
	}
}
