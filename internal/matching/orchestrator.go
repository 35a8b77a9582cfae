// Package matching pairs waiting sessions into two-party rooms and relays
// chat messages between room members. All pairing state lives in memory
// behind a single Orchestrator.
package matching

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/whisper/nearchat/internal/location"
	"github.com/whisper/nearchat/internal/protocol"
)

var (
	ErrUnknownRoom     = errors.New("matching: unknown room")
	ErrNotInRoom       = errors.New("matching: session is not a member of the room")
	ErrTransportClosed = errors.New("matching: transport is closed")
	ErrAlreadyPaired   = errors.New("matching: session is already paired")
)

const (
	// DefaultThreshold is the score at which the candidate scan stops early.
	DefaultThreshold = 0.2

	replacedNotice = "trying to connect with new user"
	leftNotice     = "your partner left, trying to connect with new user"
)

// Config holds orchestrator settings.
type Config struct {
	Threshold float64
	Observer  Observer
}

// DefaultConfig returns a Config with the default threshold and no observer.
func DefaultConfig() Config {
	return Config{Threshold: DefaultThreshold}
}

// Stats is a point-in-time snapshot of the pairing state.
type Stats struct {
	Sessions int `json:"sessions"`
	Waiting  int `json:"waiting"`
	Rooms    int `json:"rooms"`
}

// Orchestrator owns the waiting pool, the room registry and the session
// indexes. Every exported method takes the same mutex, so all transitions are
// serialized.
type Orchestrator struct {
	cfg Config

	mu       sync.Mutex
	pool     *Pool
	rooms    *Registry
	sessions map[string]*Session // session id -> session
	byConn   map[string]string   // transport conn id -> session id

	now func() time.Time
}

// NewOrchestrator creates an Orchestrator with empty state.
func NewOrchestrator(cfg Config) *Orchestrator {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Orchestrator{
		cfg:      cfg,
		pool:     NewPool(),
		rooms:    NewRegistry(),
		sessions: make(map[string]*Session),
		byConn:   make(map[string]string),
		now:      time.Now,
	}
}

// Register enters the transport's session into pairing with profile p. The
// first call for a transport creates its session; later calls reuse it and
// refresh the profile. A session that is already in a room is left untouched
// and ErrAlreadyPaired is returned together with its id.
func (o *Orchestrator) Register(t Transport, p location.Profile) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !t.IsOpen() {
		return "", ErrTransportClosed
	}

	s := o.sessionByConn(t.ConnID())
	if s == nil {
		s = &Session{ID: uuid.NewString(), Transport: t}
		o.sessions[s.ID] = s
		o.byConn[t.ConnID()] = s.ID
	}
	if o.rooms.FindBySession(s.ID) != nil {
		return s.ID, ErrAlreadyPaired
	}

	s.Profile = p
	o.register(s)
	return s.ID, nil
}

// DeliverMessage relays text from senderID to the other member of the room.
// The sender receives an echo tagged "me" and the partner a copy tagged
// "other". Unknown rooms and non-members have no effect.
func (o *Orchestrator) DeliverMessage(roomID, senderID, text string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	room := o.rooms.Get(roomID)
	if room == nil {
		o.emit(Event{Kind: EventMessageDropped, RoomID: roomID, SessionID: senderID})
		return ErrUnknownRoom
	}
	sender := room.Member(senderID)
	if sender == nil {
		o.emit(Event{Kind: EventMessageDropped, RoomID: roomID, SessionID: senderID})
		return ErrNotInRoom
	}
	receiver := room.Other(senderID)

	o.send(sender, protocol.TypeMessage, protocol.DeliveredMsg{RoomID: roomID, Text: text, Sender: protocol.SenderMe})
	o.send(receiver, protocol.TypeMessage, protocol.DeliveredMsg{RoomID: roomID, Text: text, Sender: protocol.SenderOther})
	o.emit(Event{Kind: EventMessageRelayed, RoomID: roomID, SessionID: senderID})
	return nil
}

// TerminateRoom closes the room and sends every member that is still
// connected back through registration.
func (o *Orchestrator) TerminateRoom(roomID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.terminate(roomID)
}

// RequestNext closes roomID on behalf of sessionID, which must be one of its
// members.
func (o *Orchestrator) RequestNext(sessionID, roomID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	room := o.rooms.Get(roomID)
	if room == nil {
		return ErrUnknownRoom
	}
	if !room.Has(sessionID) {
		return ErrNotInRoom
	}
	return o.terminate(roomID)
}

// HandleDisconnect ends the session bound to connID. If it was in a room, the
// room is closed and the partner, when still connected, is told and sent back
// through registration. Unknown ids are ignored, so repeated calls are safe.
func (o *Orchestrator) HandleDisconnect(connID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, ok := o.byConn[connID]
	if !ok {
		return
	}
	s := o.sessions[id]
	delete(o.byConn, connID)
	delete(o.sessions, id)

	var waited time.Duration
	if o.pool.Remove(id) {
		waited = o.now().Sub(s.WaitingSince)
	}

	if room := o.rooms.FindBySession(id); room != nil {
		o.rooms.Remove(room.ID)
		o.emitClosed(room, ReasonDisconnect)

		if other := room.Other(id); other.Transport.IsOpen() {
			o.send(other, protocol.TypePartnerLeft, protocol.PartnerLeftMsg{Message: leftNotice})
			o.register(other)
		}
	}

	o.emit(Event{Kind: EventSessionEnded, SessionID: id, Waited: waited})
}

// SessionFor returns the session id bound to connID.
func (o *Orchestrator) SessionFor(connID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	id, ok := o.byConn[connID]
	return id, ok
}

// RoomOf returns the id of the room sessionID is in.
func (o *Orchestrator) RoomOf(sessionID string) (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if room := o.rooms.FindBySession(sessionID); room != nil {
		return room.ID, true
	}
	return "", false
}

// Stats returns a snapshot of session, pool and room counts.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	return Stats{
		Sessions: len(o.sessions),
		Waiting:  o.pool.Len(),
		Rooms:    o.rooms.Len(),
	}
}

// register runs the pairing procedure for s. Caller holds o.mu and s must not
// be in a room.
func (o *Orchestrator) register(s *Session) {
	o.pool.Remove(s.ID)
	o.evictClosed()

	candidate, score := o.pool.BestCandidate(s, o.cfg.Threshold)
	strategy := StrategyScored
	if candidate != nil && score < o.cfg.Threshold {
		candidate = o.pool.Oldest()
		score = location.Score(s.Profile, candidate.Profile)
		strategy = StrategyFallback
	}

	if candidate == nil {
		s.WaitingSince = o.now()
		o.pool.Add(s)
		o.send(s, protocol.TypeWaiting, protocol.WaitingMsg{})
		o.emit(Event{Kind: EventWaiting, SessionID: s.ID, Profile: s.Profile})
		return
	}

	o.pool.Remove(candidate.ID)
	room, err := o.rooms.Create(s, candidate, score, strategy, o.now())
	if err != nil {
		// Registry and pool disagree; keep both sessions waiting rather than
		// losing either.
		log.Printf("[matcher] %v", err)
		o.pool.Add(candidate)
		s.WaitingSince = o.now()
		o.pool.Add(s)
		o.send(s, protocol.TypeWaiting, protocol.WaitingMsg{})
		return
	}

	o.send(s, protocol.TypePaired, protocol.PairedMsg{SessionID: s.ID, PartnerID: candidate.ID, RoomID: room.ID})
	o.send(candidate, protocol.TypePaired, protocol.PairedMsg{SessionID: candidate.ID, PartnerID: s.ID, RoomID: room.ID})
	o.emit(Event{
		Kind:           EventPaired,
		RoomID:         room.ID,
		SessionID:      s.ID,
		PartnerID:      candidate.ID,
		Profile:        s.Profile,
		PartnerProfile: candidate.Profile,
		Score:          score,
		Strategy:       strategy,
		Waited:         room.CreatedAt.Sub(candidate.WaitingSince),
	})
}

// evictClosed ends waiting sessions whose transport closed before their
// disconnect was handled, so they are never offered as partners. Caller holds
// o.mu.
func (o *Orchestrator) evictClosed() {
	for _, w := range o.pool.RemoveClosed() {
		log.Printf("[matcher] evicting waiting session %s: transport closed", w.ID)
		if o.byConn[w.Transport.ConnID()] == w.ID {
			delete(o.byConn, w.Transport.ConnID())
		}
		delete(o.sessions, w.ID)
		o.emit(Event{Kind: EventSessionEnded, SessionID: w.ID, Waited: o.now().Sub(w.WaitingSince)})
	}
}

// terminate closes a room. Caller holds o.mu.
func (o *Orchestrator) terminate(roomID string) error {
	room := o.rooms.Remove(roomID)
	if room == nil {
		return ErrUnknownRoom
	}
	o.emitClosed(room, ReasonNext)

	for _, m := range room.Members() {
		if !m.Transport.IsOpen() {
			continue
		}
		o.send(m, protocol.TypePartnerReplaced, protocol.PartnerReplacedMsg{Message: replacedNotice})
		o.register(m)
	}
	return nil
}

func (o *Orchestrator) sessionByConn(connID string) *Session {
	if id, ok := o.byConn[connID]; ok {
		return o.sessions[id]
	}
	return nil
}

func (o *Orchestrator) send(s *Session, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("[matcher] failed to encode %s: %v", msgType, err)
		return
	}
	if err := s.Transport.Send(data); err != nil {
		log.Printf("[matcher] send %s to session %s: %v", msgType, s.ID, err)
	}
}

func (o *Orchestrator) emitClosed(room *Room, reason CloseReason) {
	o.emit(Event{
		Kind:      EventRoomClosed,
		RoomID:    room.ID,
		SessionID: room.A.ID,
		PartnerID: room.B.ID,
		Reason:    reason,
		Lifetime:  o.now().Sub(room.CreatedAt),
	})
}

func (o *Orchestrator) emit(e Event) {
	if o.cfg.Observer == nil {
		return
	}
	e.PoolSize = o.pool.Len()
	e.RoomCount = o.rooms.Len()
	e.At = o.now()
	o.cfg.Observer.Observe(e)
}
