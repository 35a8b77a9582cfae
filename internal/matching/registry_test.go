package matching

import (
	"testing"
	"time"
)

func TestRegistry_CreateAndLookup(t *testing.T) {
	r := NewRegistry()
	a, b := newSession("a", paris), newSession("b", lyon)

	room, err := r.Create(a, b, 0.4, StrategyScored, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if room.ID == "" || room.A != a || room.B != b || room.CreatedAt.IsZero() {
		t.Fatalf("unexpected room %+v", room)
	}
	if r.Get(room.ID) != room || r.FindBySession("a") != room || r.FindBySession("b") != room {
		t.Error("expected room to be indexed by id and both members")
	}
	if room.Other("a") != b || room.Other("b") != a || room.Other("c") != nil {
		t.Error("Other returned the wrong member")
	}
	if r.Len() != 1 || len(r.All()) != 1 {
		t.Errorf("expected one room, got %d", r.Len())
	}
}

func TestRegistry_CreateRejectsInvalidPairs(t *testing.T) {
	r := NewRegistry()
	a, b, c := newSession("a", paris), newSession("b", paris), newSession("c", paris)

	if _, err := r.Create(a, a, 0, StrategyFallback, time.Now()); err == nil {
		t.Error("expected error pairing a session with itself")
	}
	if _, err := r.Create(a, b, 0, StrategyFallback, time.Now()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Create(c, b, 0, StrategyFallback, time.Now()); err == nil {
		t.Error("expected error pairing an already roomed session")
	}
	if r.FindBySession("c") != nil {
		t.Error("failed create must not index c")
	}
}

func TestRegistry_Remove(t *testing.T) {
	r := NewRegistry()
	room, _ := r.Create(newSession("a", paris), newSession("b", paris), 0, StrategyFallback, time.Now())

	if got := r.Remove(room.ID); got != room {
		t.Fatalf("expected removed room to be returned")
	}
	if r.Remove(room.ID) != nil {
		t.Error("expected second remove to return nil")
	}
	if r.FindBySession("a") != nil || r.FindBySession("b") != nil || r.Len() != 0 {
		t.Error("expected member index to be cleared")
	}
}
