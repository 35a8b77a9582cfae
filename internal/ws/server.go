// Package ws handles WebSocket connection management, including upgrading
// HTTP connections, tracking active connections, and dispatching incoming
// frames to the application.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/nearchat/internal/chat"
	"github.com/whisper/nearchat/internal/matching"
	"github.com/whisper/nearchat/internal/metrics"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // outbound frames buffered per connection
	MaxFrameBytes  int64         // larger data frames close the connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  64,
		MaxFrameBytes:  chat.MaxFrameBytes,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections to WebSocket, registers them with the poller for
// read readiness, and reads frames on a bounded worker pool.
type Server struct {
	config       ServerConfig
	poller       atomic.Pointer[Poller]
	conns        *ConnectionManager
	mux          *http.ServeMux
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onDisconnect func(connID string)                 // called when a connection is removed
	stats        func() matching.Stats               // pairing counts for /health
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration and message
// callback. The onMessage function is called from a worker goroutine whenever
// a complete WebSocket data frame is received from a client.
func NewServer(config ServerConfig, onMessage func(conn *Connection, data []byte)) *Server {
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	s := &Server{
		config:    config,
		conns:     NewConnectionManager(),
		mux:       http.NewServeMux(),
		onMessage: onMessage,
		done:      make(chan struct{}),
	}
	s.httpServer = &http.Server{Handler: s.mux}
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// Handle registers an additional HTTP handler on the server's listener, e.g.
// the Prometheus /metrics endpoint. It must be called before Start.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). The connection is
// already closed when it runs, so sends to it fail fast.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// SetStats registers the source of pairing counts reported by /health.
func (s *Server) SetStats(fn func() matching.Stats) {
	s.stats = fn
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen on %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(l)
}

// Serve initializes the poller and heartbeat and accepts WebSocket
// connections on l. It blocks until the server is shut down.
func (s *Server) Serve(l net.Listener) error {
	poller, err := NewPoller(s.config.WorkerPoolSize, s.handleConn)
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.poller.Store(poller)
	s.startedAt = time.Now()

	go poller.Run(s.done)

	// Start the heartbeat monitor to detect and close dead connections.
	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		l.Addr(), s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade upgrades an HTTP request to a WebSocket connection using the
// gobwas/ws zero-copy upgrader, then registers it with the connection manager
// and the poller.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	// Enforce maximum connection limit.
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := NewConnection(uuid.NewString(), conn, clientIP(r), s.config.SendQueueSize, s.config.WriteTimeout, s.RemoveConnection)

	s.conns.Add(c)
	if err := s.poller.Load().Add(c); err != nil {
		log.Printf("ws: epoll add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	log.Printf("ws: new connection conn=%s ip=%s (total=%d)", c.ID, c.RemoteIP, s.conns.Count())
}

// handleHealth responds with the server's health status as JSON. It is used
// by the load balancer for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		matching.Stats
		Uptime string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	if s.stats != nil {
		resp.Stats = s.stats()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames are handled without blocking on a
// data frame that may never arrive. If the read fails the connection is
// removed.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if !c.IsOpen() {
		s.RemoveConnection(c)
		return
	}

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll dispatch).
		// Don't kill the connection; the heartbeat handles dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			payload := make([]byte, header.Length)
			if _, err := io.ReadFull(reader, payload); err == nil {
				_ = c.writeControl(ws.NewPongFrame(payload))
			}
		default:
			// Pong payloads must be consumed or the next read starts mid-frame.
			if _, err := io.CopyN(io.Discard, reader, header.Length); err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if s.config.MaxFrameBytes > 0 && header.Length > s.config.MaxFrameBytes {
		log.Printf("ws: frame of %d bytes exceeds limit conn=%s", header.Length, c.ID)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection unregisters and closes a connection, then notifies the
// disconnect callback. Concurrent calls for the same connection (read error
// racing a heartbeat timeout) run the callback once.
func (s *Server) RemoveConnection(c *Connection) {
	if p := s.poller.Load(); p != nil {
		_ = p.Remove(c)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}

	log.Printf("ws: connection closed conn=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the ConnectionManager for external access to connection
// state (e.g., by the heartbeat).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop and heartbeat to
// exit, closes all active connections, and releases the poller. Disconnect
// callbacks are not invoked for connections closed here.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		log.Println("ws: shutting down server...")
		close(s.done)
	})

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("ws: http shutdown error: %v", err)
	}

	p := s.poller.Load()
	for _, c := range s.conns.All() {
		if p != nil {
			_ = p.Remove(c)
		}
		if s.conns.Remove(c.ID) {
			metrics.ConnectionsTotal.Dec()
		}
	}

	if p != nil {
		_ = p.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// clientIP returns the first X-Forwarded-For hop when the server sits behind
// a proxy, otherwise the peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(first)); ip != nil {
			return ip.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
