package ws

import (
	"log"

	"github.com/whisper/nearchat/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed client
// message. msg has already been validated by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg protocol.ClientMessage)

// MessageDispatcher routes incoming WebSocket messages to registered handlers
// based on the message type. Ping is answered internally. Malformed frames and
// unregistered types are logged and dropped without a reply.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{handlers: make(map[string]MessageHandler)}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dropping malformed message conn=%s: %v", conn.ID, err)
		return
	}

	if msg.MessageType() == protocol.TypePing {
		d.sendPong(conn)
		return
	}

	handler, ok := d.handlers[msg.MessageType()]
	if !ok {
		log.Printf("ws: no handler for type=%q conn=%s", msg.MessageType(), conn.ID)
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) sendPong(conn *Connection) {
	conn.Touch()

	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Printf("ws: failed to build pong message conn=%s: %v", conn.ID, err)
		return
	}

	if err := conn.Send(data); err != nil {
		log.Printf("ws: failed to send pong message conn=%s: %v", conn.ID, err)
	}
}
