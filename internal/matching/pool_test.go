package matching

import (
	"testing"

	"github.com/whisper/nearchat/internal/location"
)

func newSession(id string, p location.Profile) *Session {
	return &Session{ID: id, Transport: newFakeTransport(id), Profile: p}
}

func TestPool_KeepsInsertionOrder(t *testing.T) {
	p := NewPool()
	for _, id := range []string{"x", "y", "z"} {
		p.Add(newSession(id, nowhere))
	}
	if got := p.IDs(); !equalStrings(got, []string{"x", "y", "z"}) {
		t.Fatalf("expected [x y z], got %v", got)
	}
	if p.Oldest().ID != "x" {
		t.Errorf("expected x to be oldest, got %s", p.Oldest().ID)
	}

	// Re-adding keeps the original position.
	p.Add(newSession("x", paris))
	if got := p.IDs(); !equalStrings(got, []string{"x", "y", "z"}) {
		t.Errorf("expected order unchanged, got %v", got)
	}
	if p.Get("x").Profile != paris {
		t.Error("expected re-add to replace the session value")
	}
}

func TestPool_Remove(t *testing.T) {
	p := NewPool()
	p.Add(newSession("x", nowhere))
	p.Add(newSession("y", nowhere))

	if !p.Remove("x") {
		t.Fatal("expected x to be removed")
	}
	if p.Remove("x") {
		t.Error("expected second remove to report false")
	}
	if p.Len() != 1 || p.Oldest().ID != "y" {
		t.Errorf("unexpected pool state %v", p.IDs())
	}
	p.Remove("y")
	if !p.IsEmpty() || p.Oldest() != nil {
		t.Error("expected empty pool")
	}
}

func TestPool_BestCandidate(t *testing.T) {
	tests := []struct {
		name      string
		waiting   []*Session
		wantID    string
		wantScore float64
	}{
		{"empty", nil, "", 0},
		{"first above threshold wins", []*Session{newSession("unknown", nowhere), newSession("asia", tokyo)}, "unknown", 0.6},
		{"skips below threshold", []*Session{newSession("same", paris), newSession("asia", tokyo)}, "asia", 1.0},
		{"region mismatch crosses threshold", []*Session{newSession("same", paris), newSession("region", lyon)}, "region", 0.4},
		{"ties keep earlier", []*Session{newSession("s1", paris), newSession("s2", paris)}, "s1", 0},
		{"skips self", []*Session{newSession("self", tokyo)}, "", 0},
	}

	incoming := newSession("self", paris)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool()
			for _, s := range tt.waiting {
				p.Add(s)
			}
			got, score := p.BestCandidate(incoming, DefaultThreshold)
			if tt.wantID == "" {
				if got != nil {
					t.Fatalf("expected no candidate, got %s", got.ID)
				}
				return
			}
			if got == nil || got.ID != tt.wantID {
				t.Fatalf("expected %s, got %v", tt.wantID, got)
			}
			if score < tt.wantScore-1e-9 || score > tt.wantScore+1e-9 {
				t.Errorf("expected score %v, got %v", tt.wantScore, score)
			}
		})
	}
}

func TestPool_RemoveClosed(t *testing.T) {
	p := NewPool()
	x, y, z := newSession("x", nowhere), newSession("y", nowhere), newSession("z", nowhere)
	for _, s := range []*Session{x, y, z} {
		p.Add(s)
	}
	x.Transport.(*fakeTransport).Close()
	z.Transport.(*fakeTransport).Close()

	closed := p.RemoveClosed()
	if len(closed) != 2 || closed[0] != x || closed[1] != z {
		t.Fatalf("expected [x z] removed in order, got %d sessions", len(closed))
	}
	if got := p.IDs(); !equalStrings(got, []string{"y"}) {
		t.Errorf("expected [y] left, got %v", got)
	}
	if p.Contains("x") || p.Contains("z") {
		t.Error("expected closed sessions to be unindexed")
	}
	if len(p.RemoveClosed()) != 0 {
		t.Error("expected nothing left to remove")
	}
}
