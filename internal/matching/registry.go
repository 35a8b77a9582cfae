package matching

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Registry holds the active rooms indexed by room id and by member session
// id. It is not safe for concurrent use; the Orchestrator serializes access.
type Registry struct {
	rooms     map[string]*Room
	bySession map[string]string
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]*Room),
		bySession: make(map[string]string),
	}
}

// Create opens a room for a and b, created at the given time. It fails if the
// two sessions are the same or either is already in a room.
func (r *Registry) Create(a, b *Session, score float64, strategy Strategy, at time.Time) (*Room, error) {
	if a == nil || b == nil {
		return nil, errors.New("matching: create room: nil member")
	}
	if a.ID == b.ID {
		return nil, fmt.Errorf("matching: create room: session %s paired with itself", a.ID)
	}
	for _, id := range []string{a.ID, b.ID} {
		if roomID, ok := r.bySession[id]; ok {
			return nil, fmt.Errorf("matching: create room: session %s already in room %s", id, roomID)
		}
	}

	room := &Room{
		ID:        uuid.NewString(),
		A:         a,
		B:         b,
		Score:     score,
		Strategy:  strategy,
		CreatedAt: at,
	}
	r.rooms[room.ID] = room
	r.bySession[a.ID] = room.ID
	r.bySession[b.ID] = room.ID
	return room, nil
}

// Get returns the room with the given id, or nil.
func (r *Registry) Get(id string) *Room {
	return r.rooms[id]
}

// Remove deletes the room and its member index entries. It returns the
// removed room, or nil if it did not exist.
func (r *Registry) Remove(id string) *Room {
	room, ok := r.rooms[id]
	if !ok {
		return nil
	}
	delete(r.rooms, id)
	delete(r.bySession, room.A.ID)
	delete(r.bySession, room.B.ID)
	return room
}

// FindBySession returns the room sessionID is in, or nil.
func (r *Registry) FindBySession(sessionID string) *Room {
	if roomID, ok := r.bySession[sessionID]; ok {
		return r.rooms[roomID]
	}
	return nil
}

func (r *Registry) Len() int { return len(r.rooms) }

// All returns a snapshot of the active rooms in no particular order.
func (r *Registry) All() []*Room {
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	return rooms
}
