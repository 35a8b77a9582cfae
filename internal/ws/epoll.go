//go:build linux

package ws

import (
	"errors"
	"log"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// waitTimeoutMs bounds each epoll_wait so the loop notices shutdown.
const waitTimeoutMs = 200

// Poller wraps Linux epoll for WebSocket read readiness. Instead of a
// goroutine per connection, ready connections are handed to a bounded pool of
// worker goroutines.
type Poller struct {
	fd      int                 // epoll file descriptor
	mu      sync.RWMutex        // protects conns
	conns   map[int]*Connection // fd -> connection
	events  []unix.EpollEvent   // reusable event buffer for Wait
	workers chan struct{}       // semaphore limiting concurrent handlers
	handle  func(*Connection)
}

// NewPoller creates an epoll instance. handle is invoked on a worker
// goroutine, at most workers at a time, whenever a connection is readable.
func NewPoller(workers int, handle func(*Connection)) (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	if workers <= 0 {
		workers = 1
	}
	return &Poller{
		fd:      fd,
		conns:   make(map[int]*Connection),
		events:  make([]unix.EpollEvent, 128),
		workers: make(chan struct{}, workers),
		handle:  handle,
	}, nil
}

// Add registers c for EPOLLIN and EPOLLHUP notifications.
func (p *Poller) Add(c *Connection) error {
	if c.Fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

// Remove unregisters c. It only touches the epoll set while c still owns its
// fd, so a stale connection cannot unregister a newer one that reused the fd
// number. Removing a connection the kernel already dropped is not an error.
func (p *Poller) Remove(c *Connection) error {
	p.mu.Lock()
	if p.conns[c.Fd] != c {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, c.Fd)
	p.mu.Unlock()

	err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, c.Fd, nil)
	if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
		return nil
	}
	return err
}

// Run waits for readiness and dispatches ready connections until done is
// closed.
func (p *Poller) Run(done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		default:
		}

		ready, err := p.wait()
		if err != nil {
			// EINTR is expected during signal handling.
			if errors.Is(err, unix.EINTR) {
				continue
			}
			select {
			case <-done:
				return
			default:
			}
			log.Printf("ws: epoll wait error: %v", err)
			continue
		}

		for _, c := range ready {
			// Acquire a worker slot (blocks if pool is full).
			p.workers <- struct{}{}
			go func(c *Connection) {
				defer func() { <-p.workers }()
				p.handle(c)
			}(c)
		}
	}
}

func (p *Poller) wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, waitTimeoutMs)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close closes the epoll file descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// socketFD extracts the file descriptor from a net.Conn using the
// SyscallConn interface. This avoids duplicating the file descriptor
// (which File() does), keeping the original fd valid for epoll registration.
// Connections without one (net.Pipe in tests) report -1.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}

	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
