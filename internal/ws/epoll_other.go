//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is the goroutine-per-connection fallback for non-Linux platforms.
// Each connection gets a goroutine that calls handle in a loop; handle blocks
// in the frame read until data arrives. The worker limit does not apply.
type Poller struct {
	mu     sync.Mutex
	conns  map[*Connection]struct{}
	handle func(*Connection)
	done   chan struct{}
	once   sync.Once
}

// NewPoller creates the fallback poller.
func NewPoller(workers int, handle func(*Connection)) (*Poller, error) {
	return &Poller{
		conns:  make(map[*Connection]struct{}),
		handle: handle,
		done:   make(chan struct{}),
	}, nil
}

// Add starts serving c on its own goroutine.
func (p *Poller) Add(c *Connection) error {
	p.mu.Lock()
	p.conns[c] = struct{}{}
	p.mu.Unlock()

	go p.serve(c)
	return nil
}

func (p *Poller) serve(c *Connection) {
	for c.IsOpen() {
		select {
		case <-p.done:
			return
		default:
		}
		if !p.registered(c) {
			return
		}
		p.handle(c)
	}
}

func (p *Poller) registered(c *Connection) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.conns[c]
	return ok
}

// Remove stops serving c.
func (p *Poller) Remove(c *Connection) error {
	p.mu.Lock()
	delete(p.conns, c)
	p.mu.Unlock()
	return nil
}

// Run blocks until done is closed.
func (p *Poller) Run(done <-chan struct{}) {
	<-done
}

// Close stops all serving goroutines.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	p.conns = make(map[*Connection]struct{})
	p.mu.Unlock()
	return nil
}

// socketFD is a no-op on non-Linux platforms since the fallback does not need
// file descriptors.
func socketFD(conn net.Conn) int {
	return -1
}
