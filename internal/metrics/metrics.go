// Package metrics provides Prometheus instrumentation for the pairing
// service. It exposes gauges for connection, pool and room counts, counters
// for pairing and relay throughput, and histograms for wait and room
// lifetimes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nearchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// WaitingSessions tracks the current size of the waiting pool.
	WaitingSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nearchat_waiting_sessions",
		Help: "Current number of sessions in the waiting pool",
	})

	// ActiveRooms tracks the current number of open rooms.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nearchat_active_rooms",
		Help: "Current number of open rooms",
	})

	// PairingsTotal counts rooms created, labeled by strategy: "scored" or
	// "fallback".
	PairingsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearchat_pairings_total",
		Help: "Total number of rooms created",
	}, []string{"strategy"})

	// RoomsClosedTotal counts closed rooms, labeled by reason: "next" or
	// "disconnect".
	RoomsClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearchat_rooms_closed_total",
		Help: "Total number of rooms closed",
	}, []string{"reason"})

	// MessagesTotal counts chat messages, labeled by outcome: "relayed",
	// "dropped" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearchat_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"outcome"})

	// PairingScore records the compatibility score of created rooms.
	PairingScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nearchat_pairing_score",
		Help:    "Compatibility score of created rooms",
		Buckets: []float64{0, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	// WaitDuration records how long the candidate waited before being paired.
	WaitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nearchat_wait_duration_seconds",
		Help:    "Time a session spent in the waiting pool before pairing",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
	})

	// RoomLifetime records how long rooms stayed open.
	RoomLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "nearchat_room_lifetime_seconds",
		Help:    "Time between room creation and close",
		Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
	})

	// LocationLookups counts resolved locations, labeled by tier: "precise",
	// "coarse" or "unresolvable".
	LocationLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nearchat_location_lookups_total",
		Help: "Total number of location resolutions by tier",
	}, []string{"tier"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		WaitingSessions,
		ActiveRooms,
		PairingsTotal,
		RoomsClosedTotal,
		MessagesTotal,
		PairingScore,
		WaitDuration,
		RoomLifetime,
		LocationLookups,
	)
}

// RegisterEventsDropped exposes the number of pairing events an observer
// buffer has discarded. dropped is read on every scrape.
func RegisterEventsDropped(dropped func() uint64) {
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "nearchat_events_dropped_total",
		Help: "Pairing events dropped because an observer buffer was full",
	}, func() float64 { return float64(dropped()) }))
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
