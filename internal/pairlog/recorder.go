package pairlog

import (
	"context"
	"log"
	"time"

	"github.com/whisper/nearchat/internal/messaging"
)

// QueueGroup is the NATS queue group shared by every pairlog instance, so
// each room event is recorded once.
const QueueGroup = "pairlog"

const writeTimeout = 5 * time.Second

// RoomWriter persists room events. *Store implements it.
type RoomWriter interface {
	OpenRoom(ctx context.Context, ev messaging.RoomEvent) error
	CloseRoom(ctx context.Context, ev messaging.RoomEvent) error
}

// Recorder writes room events received from NATS to a RoomWriter.
type Recorder struct {
	w RoomWriter
}

// NewRecorder creates a Recorder.
func NewRecorder(w RoomWriter) *Recorder {
	return &Recorder{w: w}
}

// Subscribe starts consuming room events from c.
func (r *Recorder) Subscribe(c *messaging.NATSClient) error {
	return c.SubscribeRoomEvents(QueueGroup, r.Handle)
}

// Handle records one room event. Write failures are logged and the event is
// dropped.
func (r *Recorder) Handle(subject string, ev messaging.RoomEvent) {
	if ev.RoomID == "" {
		log.Printf("[pairlog] ignoring %s event without room id", subject)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	var err error
	switch subject {
	case messaging.SubjectRoomOpened:
		err = r.w.OpenRoom(ctx, ev)
	case messaging.SubjectRoomClosed:
		err = r.w.CloseRoom(ctx, ev)
	default:
		log.Printf("[pairlog] ignoring unknown subject %s", subject)
		return
	}
	if err != nil {
		log.Printf("[pairlog] %v", err)
		return
	}
	log.Printf("[pairlog] %s room=%s server=%s", subject, ev.RoomID, ev.Server)
}
