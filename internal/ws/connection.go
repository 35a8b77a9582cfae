package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

var (
	ErrConnectionClosed = errors.New("ws: connection closed")
	ErrSendQueueFull    = errors.New("ws: send queue full")
)

// Connection represents a single WebSocket client connection. Outbound frames
// are queued on a bounded channel and written by a dedicated writer goroutine,
// so Send never blocks the caller.
type Connection struct {
	ID        string    // connection ID (UUID), not the pairing session id
	Conn      net.Conn  // underlying TCP connection
	Fd        int       // file descriptor for epoll lookups
	RemoteIP  string    // client address, from X-Forwarded-For when present
	CreatedAt time.Time // when the connection was established

	lastSeen     atomic.Int64 // unix nanos of the last frame received
	send         chan []byte
	done         chan struct{}
	closed       atomic.Bool
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes frame writes (writer goroutine + heartbeat)
	writeTimeout time.Duration
	onWriteFail  func(*Connection) // runs once when the writer gives up
	processing   int32             // atomic flag: 0 = idle, 1 = being read by handleConn
}

// NewConnection wraps conn and starts its writer goroutine. queueSize bounds
// the number of frames waiting to be written. onWriteFail, when set, is called
// from the writer goroutine after a failed write, before the socket is
// closed; the server uses it to unregister the connection.
func NewConnection(id string, conn net.Conn, remoteIP string, queueSize int, writeTimeout time.Duration, onWriteFail func(*Connection)) *Connection {
	if queueSize <= 0 {
		queueSize = 64
	}
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		RemoteIP:     remoteIP,
		CreatedAt:    time.Now(),
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		onWriteFail:  onWriteFail,
	}
	c.Touch()
	go c.writeLoop()
	return c
}

// ConnID returns the connection ID.
func (c *Connection) ConnID() string { return c.ID }

// IsOpen reports whether the connection has not been closed.
func (c *Connection) IsOpen() bool { return !c.closed.Load() }

// Send queues a text frame. It fails fast with ErrConnectionClosed or
// ErrSendQueueFull instead of blocking.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Touch records activity on the connection.
func (c *Connection) Touch() {
	c.lastSeen.Store(time.Now().UnixNano())
}

// LastSeen returns the time of the last recorded activity.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				if c.IsOpen() {
					log.Printf("ws: write failed conn=%s: %v", c.ID, err)
				}
				// The hook must run before Close: once the fd is closed the
				// kernel drops it from epoll and no read error will follow.
				if c.onWriteFail != nil {
					c.onWriteFail(c)
				}
				_ = c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection.
func (c *Connection) WritePing() error {
	return c.writeControl(ws.NewPingFrame(nil))
}

// writeControl writes a control frame directly, bypassing the send queue. The
// write mutex ensures it does not interleave with queued frames.
func (c *Connection) writeControl(f ws.Frame) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return ws.WriteFrame(c.Conn, f)
}

// Close marks the connection closed, stops the writer and closes the
// underlying network connection. It is safe to call more than once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager is a thread-safe registry of active connections keyed by
// connection ID.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by ID and closes it. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
