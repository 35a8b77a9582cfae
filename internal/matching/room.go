package matching

import "time"

// Strategy records how a room's members were chosen.
type Strategy string

const (
	// StrategyScored means the candidate reached the early-exit threshold.
	StrategyScored Strategy = "scored"
	// StrategyFallback means the oldest waiting session was taken regardless
	// of score.
	StrategyFallback Strategy = "fallback"
)

// Room is an active pairing of two distinct sessions. A is the session whose
// registration created the room and B is the candidate it was paired with.
type Room struct {
	ID        string
	A         *Session
	B         *Session
	Score     float64
	Strategy  Strategy
	CreatedAt time.Time
}

// Has reports whether sessionID is a member of the room.
func (r *Room) Has(sessionID string) bool {
	return r.A.ID == sessionID || r.B.ID == sessionID
}

// Member returns the member with the given id, or nil.
func (r *Room) Member(sessionID string) *Session {
	switch sessionID {
	case r.A.ID:
		return r.A
	case r.B.ID:
		return r.B
	}
	return nil
}

// Other returns the member that is not sessionID, or nil if sessionID is not
// in the room.
func (r *Room) Other(sessionID string) *Session {
	switch sessionID {
	case r.A.ID:
		return r.B
	case r.B.ID:
		return r.A
	}
	return nil
}

// Members returns both members in order.
func (r *Room) Members() [2]*Session {
	return [2]*Session{r.A, r.B}
}
