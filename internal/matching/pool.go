package matching

import (
	"container/list"

	"github.com/whisper/nearchat/internal/location"
)

// Pool is the set of sessions waiting for a partner, kept in insertion order.
// It is not safe for concurrent use; the Orchestrator serializes access.
type Pool struct {
	order *list.List
	index map[string]*list.Element
}

// NewPool creates an empty Pool.
func NewPool() *Pool {
	return &Pool{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Add appends s to the pool. Adding a session that is already waiting keeps
// its original position.
func (p *Pool) Add(s *Session) {
	if el, ok := p.index[s.ID]; ok {
		el.Value = s
		return
	}
	p.index[s.ID] = p.order.PushBack(s)
}

// Remove deletes the session with the given id and reports whether it was
// present.
func (p *Pool) Remove(id string) bool {
	el, ok := p.index[id]
	if !ok {
		return false
	}
	p.order.Remove(el)
	delete(p.index, id)
	return true
}

// Get returns the waiting session with the given id, or nil.
func (p *Pool) Get(id string) *Session {
	if el, ok := p.index[id]; ok {
		return el.Value.(*Session)
	}
	return nil
}

// Contains reports whether a session with the given id is waiting.
func (p *Pool) Contains(id string) bool {
	_, ok := p.index[id]
	return ok
}

func (p *Pool) Len() int { return len(p.index) }

func (p *Pool) IsEmpty() bool { return len(p.index) == 0 }

// Oldest returns the session that has been in the pool longest, or nil.
func (p *Pool) Oldest() *Session {
	if el := p.order.Front(); el != nil {
		return el.Value.(*Session)
	}
	return nil
}

// BestCandidate scans the pool in insertion order for a partner for incoming.
// The scan stops at the first candidate scoring at least threshold; otherwise
// the highest-scoring candidate over the whole pool is returned. Ties keep the
// earlier candidate. incoming itself is skipped. Returns nil on an empty pool.
func (p *Pool) BestCandidate(incoming *Session, threshold float64) (*Session, float64) {
	var best *Session
	bestScore := -1.0

	for el := p.order.Front(); el != nil; el = el.Next() {
		s := el.Value.(*Session)
		if s.ID == incoming.ID {
			continue
		}
		score := location.Score(incoming.Profile, s.Profile)
		if score > bestScore {
			best, bestScore = s, score
		}
		if score >= threshold {
			break
		}
	}

	if best == nil {
		return nil, 0
	}
	return best, bestScore
}

// RemoveClosed drops every waiting session whose transport is no longer open
// and returns them in pool order.
func (p *Pool) RemoveClosed() []*Session {
	var closed []*Session
	for el := p.order.Front(); el != nil; {
		next := el.Next()
		if s := el.Value.(*Session); !s.Transport.IsOpen() {
			p.order.Remove(el)
			delete(p.index, s.ID)
			closed = append(closed, s)
		}
		el = next
	}
	return closed
}

// IDs returns the waiting session ids in insertion order.
func (p *Pool) IDs() []string {
	ids := make([]string, 0, len(p.index))
	for el := p.order.Front(); el != nil; el = el.Next() {
		ids = append(ids, el.Value.(*Session).ID)
	}
	return ids
}
