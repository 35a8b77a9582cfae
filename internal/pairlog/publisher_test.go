package pairlog

import (
	"errors"
	"testing"
	"time"

	"github.com/whisper/nearchat/internal/location"
	"github.com/whisper/nearchat/internal/matching"
	"github.com/whisper/nearchat/internal/messaging"
)

type published struct {
	subject string
	room    *messaging.RoomEvent
	session *messaging.SessionEvent
}

type fakePublisher struct {
	out []published
	err error
}

func (f *fakePublisher) PublishRoomEvent(subject string, ev messaging.RoomEvent) error {
	f.out = append(f.out, published{subject: subject, room: &ev})
	return f.err
}

func (f *fakePublisher) PublishSessionEvent(subject string, ev messaging.SessionEvent) error {
	f.out = append(f.out, published{subject: subject, session: &ev})
	return f.err
}

func TestPublisher_RoomLifecycle(t *testing.T) {
	fp := &fakePublisher{}
	p := NewPublisher(fp, "ws-1")
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	p.Observe(matching.Event{
		Kind:           matching.EventPaired,
		RoomID:         "room-1",
		SessionID:      "a",
		PartnerID:      "b",
		Profile:        location.Profile{Country: "France", Precise: true},
		PartnerProfile: location.Profile{Country: "Spain"},
		Score:          0.6,
		Strategy:       matching.StrategyScored,
		Waited:         1500 * time.Millisecond,
		At:             at,
	})
	p.Observe(matching.Event{
		Kind:      matching.EventRoomClosed,
		RoomID:    "room-1",
		SessionID: "a",
		PartnerID: "b",
		Reason:    matching.ReasonDisconnect,
		Lifetime:  time.Minute,
		At:        at.Add(time.Minute),
	})

	if len(fp.out) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(fp.out))
	}

	opened := fp.out[0]
	if opened.subject != messaging.SubjectRoomOpened {
		t.Errorf("expected subject %s, got %s", messaging.SubjectRoomOpened, opened.subject)
	}
	want := messaging.RoomEvent{
		RoomID: "room-1", Server: "ws-1", SessionA: "a", SessionB: "b",
		CountryA: "France", CountryB: "Spain", PreciseA: true,
		Score: 0.6, Strategy: "scored", WaitedMs: 1500, At: at,
	}
	if *opened.room != want {
		t.Errorf("expected %+v, got %+v", want, *opened.room)
	}

	closed := fp.out[1]
	if closed.subject != messaging.SubjectRoomClosed {
		t.Errorf("expected subject %s, got %s", messaging.SubjectRoomClosed, closed.subject)
	}
	if closed.room.Reason != "disconnect" || closed.room.LifetimeMs != 60000 {
		t.Errorf("unexpected closed event %+v", *closed.room)
	}
}

func TestPublisher_SessionEvents(t *testing.T) {
	fp := &fakePublisher{}
	p := NewPublisher(fp, "ws-1")

	p.Observe(matching.Event{Kind: matching.EventWaiting, SessionID: "a", Profile: location.Profile{Country: "Japan"}, PoolSize: 4})
	p.Observe(matching.Event{Kind: matching.EventSessionEnded, SessionID: "a", Waited: 2 * time.Second, PoolSize: 3})

	if len(fp.out) != 2 {
		t.Fatalf("expected 2 published events, got %d", len(fp.out))
	}
	if fp.out[0].subject != messaging.SubjectWaiting || fp.out[0].session.Country != "Japan" || fp.out[0].session.PoolSize != 4 {
		t.Errorf("unexpected waiting event %s %+v", fp.out[0].subject, fp.out[0].session)
	}
	if fp.out[1].subject != messaging.SubjectSessionEnded || fp.out[1].session.WaitedMs != 2000 {
		t.Errorf("unexpected ended event %s %+v", fp.out[1].subject, fp.out[1].session)
	}
}

func TestPublisher_IgnoresMessageEvents(t *testing.T) {
	fp := &fakePublisher{}
	p := NewPublisher(fp, "ws-1")

	p.Observe(matching.Event{Kind: matching.EventMessageRelayed, RoomID: "r"})
	p.Observe(matching.Event{Kind: matching.EventMessageDropped, RoomID: "r"})

	if len(fp.out) != 0 {
		t.Errorf("expected nothing published, got %d", len(fp.out))
	}
}

func TestPublisher_ErrorIsNotFatal(t *testing.T) {
	fp := &fakePublisher{err: errors.New("nats: connection closed")}
	p := NewPublisher(fp, "ws-1")

	p.Observe(matching.Event{Kind: matching.EventWaiting, SessionID: "a"})

	if len(fp.out) != 1 {
		t.Errorf("expected publish attempt, got %d", len(fp.out))
	}
}
