package gateway

import (
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// socketFD extracts the file descriptor from a net.Conn via SyscallConn,
// which does not duplicate the descriptor the way File() would. Returns -1
// for sockets that do not expose one (in-memory pipes in tests).
func socketFD(sock net.Conn) int {
	sc, ok := sock.(syscall.Conn)
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

// Conn is one authenticated WebSocket connection. It carries the resolved
// identity from the upgrade handshake and a write mutex serializing outbound
// frames.
type Conn struct {
	ID       string // connection id (UUID), also the pub/sub subscription key
	UserID   string
	DeviceID string

	sock       net.Conn
	fd         int
	CreatedAt  time.Time
	LastActive time.Time

	writeMu    sync.Mutex
	processing int32 // atomic flag: 0 = idle, 1 = being read

	// Pub/sub subscription keys beyond the device group (meeting groups,
	// thread bindings), cleaned up on disconnect.
	subMu sync.Mutex
	subs  map[string]struct{}
}

// Write sends a WebSocket text frame to this connection.
func (c *Conn) Write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.sock, ws.OpText, data)
}

// WritePing sends a protocol-level ping frame.
func (c *Conn) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.sock, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Conn) Close() error {
	return c.sock.Close()
}

// TrackSub records an extra pub/sub subscription key owned by this
// connection.
func (c *Conn) TrackSub(key string) {
	c.subMu.Lock()
	if c.subs == nil {
		c.subs = make(map[string]struct{})
	}
	c.subs[key] = struct{}{}
	c.subMu.Unlock()
}

// UntrackSub forgets a subscription key.
func (c *Conn) UntrackSub(key string) {
	c.subMu.Lock()
	delete(c.subs, key)
	c.subMu.Unlock()
}

// Subs returns a snapshot of the extra subscription keys.
func (c *Conn) Subs() []string {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	keys := make([]string, 0, len(c.subs))
	for k := range c.subs {
		keys = append(keys, k)
	}
	return keys
}

// Registry is a thread-safe index of live connections with O(1) lookups by
// connection id and by file descriptor.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Conn
	byFd map[int]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*Conn),
		byFd: make(map[int]*Conn),
	}
}

// Add registers a connection in both lookup maps.
func (r *Registry) Add(c *Conn) {
	r.mu.Lock()
	r.byID[c.ID] = c
	r.byFd[c.fd] = c
	r.mu.Unlock()
}

// Remove removes a connection by id and closes its socket. Returns false if
// the connection was already gone, which callers use to avoid double cleanup
// when a read error and a heartbeat eviction race.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	c, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		delete(r.byFd, c.fd)
	}
	r.mu.Unlock()

	if ok {
		c.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	c := r.byID[id]
	r.mu.RUnlock()
	return c
}

// GetByConn returns the connection owning the given socket, or nil.
func (r *Registry) GetByConn(sock net.Conn) *Conn {
	fd := socketFD(sock)
	r.mu.RLock()
	c := r.byFd[fd]
	r.mu.RUnlock()
	return c
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byID)
	r.mu.RUnlock()
	return n
}

// All returns a snapshot of the live connections.
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	return conns
}
