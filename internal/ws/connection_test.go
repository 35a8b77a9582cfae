package ws

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// pipeConnection returns a server-side Connection and the client end of an
// in-memory pipe.
func pipeConnection(t *testing.T, queueSize int) (*Connection, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	c := NewConnection("conn-1", server, "203.0.113.7", queueSize, time.Second, nil)
	t.Cleanup(func() {
		c.Close()
		client.Close()
	})
	return c, client
}

func TestConnection_SendWritesTextFrame(t *testing.T) {
	c, client := pipeConnection(t, 4)

	if err := c.Send([]byte(`{"type":"waiting"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	data, op, err := wsutil.ReadServerData(client)
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	if op != ws.OpText {
		t.Errorf("expected text frame, got %v", op)
	}
	if string(data) != `{"type":"waiting"}` {
		t.Errorf("unexpected payload %s", data)
	}
}

func TestConnection_SendPreservesOrder(t *testing.T) {
	c, client := pipeConnection(t, 8)

	for _, msg := range []string{"one", "two", "three"} {
		if err := c.Send([]byte(msg)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	for _, want := range []string{"one", "two", "three"} {
		data, _, err := wsutil.ReadServerData(client)
		if err != nil {
			t.Fatalf("failed to read frame: %v", err)
		}
		if string(data) != want {
			t.Errorf("expected %q, got %q", want, data)
		}
	}
}

func TestConnection_SendAfterClose(t *testing.T) {
	c, _ := pipeConnection(t, 4)

	if !c.IsOpen() {
		t.Fatal("expected new connection to be open")
	}
	c.Close()
	c.Close() // idempotent

	if c.IsOpen() {
		t.Error("expected connection to report closed")
	}
	if err := c.Send([]byte("x")); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if err := c.WritePing(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed from ping, got %v", err)
	}
}

func TestConnection_SendFailsFastWhenQueueFull(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()
	// No write timeout and nobody reading: the writer blocks on the first
	// frame and the queue fills up.
	c := NewConnection("conn-full", server, "", 1, 0, nil)
	defer c.Close()

	var err error
	start := time.Now()
	for i := 0; i < 10 && err == nil; i++ {
		err = c.Send([]byte("frame"))
	}
	if !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected ErrSendQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("send blocked for %v", elapsed)
	}
}

func TestConnectionManager(t *testing.T) {
	cm := NewConnectionManager()
	c, _ := pipeConnection(t, 1)

	cm.Add(c)
	if cm.Get("conn-1") != c || cm.Count() != 1 || len(cm.All()) != 1 {
		t.Fatal("expected connection to be registered")
	}
	if !cm.Remove("conn-1") {
		t.Fatal("expected first remove to succeed")
	}
	if cm.Remove("conn-1") {
		t.Error("expected second remove to report false")
	}
	if c.IsOpen() {
		t.Error("expected remove to close the connection")
	}
	if cm.Count() != 0 {
		t.Errorf("expected empty manager, got %d", cm.Count())
	}
}

func TestConnection_WriteFailureRunsHookBeforeClose(t *testing.T) {
	server, client := net.Pipe()
	client.Close()

	openAtHook := make(chan bool, 2)
	c := NewConnection("conn-dead", server, "", 4, time.Second, func(c *Connection) {
		openAtHook <- c.IsOpen()
	})
	defer c.Close()

	if err := c.Send([]byte("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case open := <-openAtHook:
		if !open {
			t.Error("expected hook to run before the connection is closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write failure hook")
	}

	deadline := time.Now().Add(2 * time.Second)
	for c.IsOpen() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if c.IsOpen() {
		t.Error("expected connection to be closed after write failure")
	}
	if len(openAtHook) != 0 {
		t.Error("expected hook to run once")
	}
}
