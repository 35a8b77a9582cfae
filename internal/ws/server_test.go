package ws

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/whisper/nearchat/internal/matching"
)

type recorder struct {
	mu           sync.Mutex
	messages     []string
	disconnected []string
	conns        []*Connection
}

func (r *recorder) onMessage(c *Connection, data []byte) {
	r.mu.Lock()
	r.messages = append(r.messages, string(data))
	r.conns = append(r.conns, c)
	r.mu.Unlock()
}

func (r *recorder) onDisconnect(connID string) {
	r.mu.Lock()
	r.disconnected = append(r.disconnected, connID)
	r.mu.Unlock()
}

func (r *recorder) snapshot() ([]string, []string, []*Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...), append([]string(nil), r.disconnected...), append([]*Connection(nil), r.conns...)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startTestServer(t *testing.T) (*Server, *recorder, string) {
	t.Helper()
	rec := &recorder{}

	cfg := DefaultServerConfig()
	cfg.WorkerPoolSize = 4
	cfg.ReadTimeout = time.Second
	s := NewServer(cfg, rec.onMessage)
	s.SetOnDisconnect(rec.onDisconnect)
	s.SetStats(func() matching.Stats { return matching.Stats{Sessions: 3, Waiting: 1, Rooms: 1} })

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() { _ = s.Serve(l) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, rec, l.Addr().String()
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, _, err := ws.Dial(ctx, "ws://"+addr+"/ws")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestServer_RoundTrip(t *testing.T) {
	s, rec, addr := startTestServer(t)
	conn := dial(t, addr)
	defer conn.Close()

	if err := wsutil.WriteClientText(conn, []byte(`{"type":"stop"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "message", func() bool {
		msgs, _, _ := rec.snapshot()
		return len(msgs) == 1
	})

	msgs, _, conns := rec.snapshot()
	if msgs[0] != `{"type":"stop"}` {
		t.Errorf("unexpected payload %q", msgs[0])
	}
	if conns[0].RemoteIP != "127.0.0.1" {
		t.Errorf("expected remote ip 127.0.0.1, got %q", conns[0].RemoteIP)
	}
	if s.Connections().Count() != 1 {
		t.Errorf("expected 1 connection, got %d", s.Connections().Count())
	}

	// Frames queued by the application reach the client.
	if err := conns[0].Send([]byte(`{"type":"waiting"}`)); err != nil {
		t.Fatalf("send: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, err := wsutil.ReadServerText(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"type":"waiting"}` {
		t.Errorf("unexpected frame %s", data)
	}
}

func TestServer_DisconnectCallback(t *testing.T) {
	s, rec, addr := startTestServer(t)
	conn := dial(t, addr)

	waitFor(t, "registration", func() bool { return s.Connections().Count() == 1 })
	id := s.Connections().All()[0].ID
	conn.Close()

	waitFor(t, "disconnect", func() bool {
		_, gone, _ := rec.snapshot()
		return len(gone) == 1
	})
	_, gone, _ := rec.snapshot()
	if gone[0] != id {
		t.Errorf("expected disconnect for %s, got %s", id, gone[0])
	}
	if s.Connections().Count() != 0 {
		t.Errorf("expected no connections, got %d", s.Connections().Count())
	}
}

func TestServer_RemoveConnectionRunsCallbackOnce(t *testing.T) {
	rec := &recorder{}
	s := NewServer(DefaultServerConfig(), nil)
	s.SetOnDisconnect(rec.onDisconnect)

	c, _ := pipeConnection(t, 1)
	s.conns.Add(c)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.RemoveConnection(c)
		}()
	}
	wg.Wait()

	if _, gone, _ := rec.snapshot(); len(gone) != 1 {
		t.Errorf("expected exactly one disconnect callback, got %d", len(gone))
	}
}

func TestServer_Health(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)
	s.SetStats(func() matching.Stats { return matching.Stats{Sessions: 3, Waiting: 1, Rooms: 1} })

	rr := httptest.NewRecorder()
	s.handleHealth(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
	for key, want := range map[string]float64{"connections": 0, "sessions": 3, "waiting": 1, "rooms": 1} {
		if body[key] != want {
			t.Errorf("%s: expected %v, got %v", key, want, body[key])
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		remote string
		want   string
	}{
		{"peer address", "", "198.51.100.4:5555", "198.51.100.4"},
		{"forwarded", "203.0.113.9, 10.0.0.1", "10.0.0.2:80", "203.0.113.9"},
		{"bad forwarded header", "garbage", "10.0.0.2:80", "10.0.0.2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := clientIP(r); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHeartbeat_EvictsStaleConnections(t *testing.T) {
	rec := &recorder{}
	s := NewServer(DefaultServerConfig(), nil)
	s.SetOnDisconnect(rec.onDisconnect)

	stale, _ := pipeConnection(t, 1)
	s.conns.Add(stale)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	checkConnections(s, cfg, time.Now().Add(5*time.Second))

	if _, gone, _ := rec.snapshot(); len(gone) != 1 || gone[0] != stale.ID {
		t.Errorf("expected stale connection to be evicted, got %v", gone)
	}
}

func TestHeartbeat_ReapsClosedConnections(t *testing.T) {
	rec := &recorder{}
	s := NewServer(DefaultServerConfig(), nil)
	s.SetOnDisconnect(rec.onDisconnect)

	c, _ := pipeConnection(t, 1)
	s.conns.Add(c)
	c.Close() // e.g. after a failed write

	checkConnections(s, DefaultHeartbeatConfig(), time.Now())

	if _, gone, _ := rec.snapshot(); len(gone) != 1 {
		t.Errorf("expected closed connection to be reaped, got %v", gone)
	}
}

func TestServer_WriteFailureUnregistersConnection(t *testing.T) {
	s, rec, addr := startTestServer(t)
	conn := dial(t, addr)
	defer conn.Close()

	waitFor(t, "registration", func() bool { return s.Connections().Count() == 1 })
	c := s.Connections().All()[0]

	// A deadline that has always passed makes the next write fail.
	c.writeTimeout = time.Nanosecond
	if err := c.Send(make([]byte, 1<<20)); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitFor(t, "disconnect", func() bool {
		_, gone, _ := rec.snapshot()
		return len(gone) == 1
	})
	if _, gone, _ := rec.snapshot(); gone[0] != c.ID {
		t.Errorf("expected disconnect for %s, got %s", c.ID, gone[0])
	}
	if s.Connections().Count() != 0 {
		t.Errorf("expected no connections, got %d", s.Connections().Count())
	}
	if c.IsOpen() {
		t.Error("expected connection to be closed")
	}
}

func TestServer_PongPayloadDoesNotDesyncStream(t *testing.T) {
	_, rec, addr := startTestServer(t)
	conn := dial(t, addr)
	defer conn.Close()

	pong := ws.NewPongFrame([]byte("unsolicited pong payload"))
	if err := ws.WriteFrame(conn, ws.MaskFrame(pong)); err != nil {
		t.Fatalf("write pong: %v", err)
	}
	if err := wsutil.WriteClientText(conn, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("write text: %v", err)
	}

	waitFor(t, "message after pong", func() bool {
		msgs, _, _ := rec.snapshot()
		return len(msgs) == 1
	})
	msgs, gone, _ := rec.snapshot()
	if msgs[0] != `{"type":"ping"}` {
		t.Errorf("expected the text frame intact, got %q", msgs[0])
	}
	if len(gone) != 0 {
		t.Errorf("expected connection to stay open, got disconnects %v", gone)
	}
}
