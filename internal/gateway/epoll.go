//go:build linux

package gateway

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller multiplexes socket readiness through Linux epoll so the gateway
// does not need a reader goroutine per connection. Registered descriptors
// wake the event loop only when data is pending.
type Poller struct {
	fd    int
	mu    sync.RWMutex
	socks map[int]net.Conn
	// reusable event buffer for Wait
	events []unix.EpollEvent
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		socks:  make(map[int]net.Conn),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers a socket for read-readiness notifications.
func (p *Poller) Add(sock net.Conn) error {
	fd := socketFD(sock)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP,
		Fd:     int32(fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.socks[fd] = sock
	p.mu.Unlock()
	return nil
}

// Remove unregisters a socket from the interest list.
func (p *Poller) Remove(sock net.Conn) error {
	fd := socketFD(sock)
	if err := unix.EpollCtl(p.fd, syscall.EPOLL_CTL_DEL, fd, nil); err != nil {
		return err
	}

	p.mu.Lock()
	delete(p.socks, fd)
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one registered socket has pending data and
// returns those sockets. Descriptors removed between the kernel wakeup and
// the lookup are skipped.
func (p *Poller) Wait() ([]net.Conn, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	socks := make([]net.Conn, 0, n)
	for i := 0; i < n; i++ {
		if sock, ok := p.socks[int(p.events[i].Fd)]; ok {
			socks = append(socks, sock)
		}
	}
	p.mu.RUnlock()
	return socks, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.socks = nil
	return unix.Close(p.fd)
}
