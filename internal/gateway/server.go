// Package gateway terminates WebSocket connections for the messenger. It
// authenticates the upgrade handshake against the device directory, registers
// device presence, and bridges pub/sub groups onto live sockets. I/O
// readiness is multiplexed through epoll on Linux with a portable fallback.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/cjinn/messenger/internal/directory"
	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/metrics"
	"github.com/cjinn/messenger/internal/presence"
	"github.com/cjinn/messenger/internal/protocol"
	"github.com/cjinn/messenger/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the gateway.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Bus is the pub/sub surface the gateway uses to bridge groups to sockets.
type Bus interface {
	Broadcast(group string, payload []byte) error
	Subscribe(group, key string, handler func(data []byte)) error
	Unsubscribe(key string) error
}

// Directory authenticates tokens and tracks socket attachment.
type Directory interface {
	ResolveUserByToken(ctx context.Context, token string) (*directory.User, error)
	ResolveDevice(ctx context.Context, userID, deviceToken string) (*directory.Device, error)
	SetFetchesSocket(ctx context.Context, deviceID string, fetches bool) error
}

// PresenceStore records which devices are online and with what capabilities.
type PresenceStore interface {
	RegisterOrUpdate(ctx context.Context, userID, deviceID string, caps presence.Caps) (*presence.Subscriber, error)
	Remove(ctx context.Context, userID, deviceID string) error
	Find(ctx context.Context, userID string) (*presence.Subscriber, error)
	Touch(ctx context.Context, userID, deviceID string) error
}

// OnlineNotifier announces presence transitions to interested contacts.
type OnlineNotifier interface {
	NotifyOnline(ctx context.Context, userID, status string)
}

// Deps bundles the collaborators the gateway needs. Limiter may be nil to
// disable connect throttling.
type Deps struct {
	Presence  PresenceStore
	Directory Directory
	Bus       Bus
	Online    OnlineNotifier
	Limiter   RateLimiter
}

// Server is the WebSocket gateway built on gobwas/ws and epoll. Upgraded
// connections are registered with the poller for readiness notifications and
// ready sockets are dispatched to a bounded worker pool for frame reading.
type Server struct {
	config     ServerConfig
	poller     *Poller
	conns      *Registry
	deps       Deps
	workerPool chan struct{}
	onMessage  func(c *Conn, data []byte)
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a gateway server. onMessage is invoked from a worker
// goroutine for every complete text frame received from a client.
func NewServer(config ServerConfig, deps Deps, onMessage func(c *Conn, data []byte)) *Server {
	return &Server{
		config:     config,
		conns:      NewRegistry(),
		deps:       deps,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
	}
}

// Start initializes the poller, begins the event loop and heartbeat, and
// blocks serving HTTP upgrades until Shutdown.
func (s *Server) Start() error {
	var err error
	s.poller, err = NewPoller()
	if err != nil {
		return fmt.Errorf("gateway: create poller: %w", err)
	}

	s.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	go s.eventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("[gateway] listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: http server: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the handshake and promotes the connection to a
// registered device session. The client supplies its auth token and device
// token as query parameters; either failing to resolve rejects the upgrade
// before any socket state is created.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	q := r.URL.Query()
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if s.deps.Limiter != nil {
		ip, _, splitErr := net.SplitHostPort(r.RemoteAddr)
		if splitErr != nil {
			ip = r.RemoteAddr
		}
		if ok, _ := s.deps.Limiter.Allow(ctx, ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "connection rate exceeded", http.StatusTooManyRequests)
			return
		}
	}

	user, err := s.deps.Directory.ResolveUserByToken(ctx, q.Get("token"))
	if err != nil {
		http.Error(w, protocol.CodeInvalidCredential, http.StatusUnauthorized)
		return
	}
	device, err := s.deps.Directory.ResolveDevice(ctx, user.ID, q.Get("device_token"))
	if err != nil {
		http.Error(w, protocol.CodeInvalidCredential, http.StatusUnauthorized)
		return
	}

	sock, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("[gateway] upgrade failed user=%s: %v", user.ID, err)
		return
	}

	c := &Conn{
		ID:         uuid.NewString(),
		UserID:     user.ID,
		DeviceID:   device.ID,
		sock:       sock,
		fd:         socketFD(sock),
		CreatedAt:  time.Now(),
		LastActive: time.Now(),
	}

	s.conns.Add(c)
	if err := s.poller.Add(sock); err != nil {
		log.Printf("[gateway] poller add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}

	if err := s.registerSession(c, q.Get("friend_online"), q.Get("requests")); err != nil {
		log.Printf("[gateway] session registration failed conn=%s: %v", c.ID, err)
		s.RemoveConn(c)
		return
	}

	metrics.ConnectionsTotal.Inc()

	msg, err := protocol.NewServerMessage(protocol.TypeConnected, protocol.ConnectedMsg{
		UserID:   user.ID,
		DeviceID: device.ID,
	})
	if err == nil {
		if err := c.Write(msg); err != nil {
			log.Printf("[gateway] send connected conn=%s: %v", c.ID, err)
		}
	}

	log.Printf("[gateway] connected user=%s device=%s conn=%s (total=%d)",
		user.ID, device.ID, c.ID, s.conns.Count())
}

// registerSession records presence, marks the device socket-attached, and
// bridges the device group onto the socket. The friend_online and requests
// query values let a device opt out of those event classes at connect time;
// absent values leave the stored capabilities untouched.
func (s *Server) registerSession(c *Conn, friendOnline, requests string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	before, err := s.deps.Presence.Find(ctx, c.UserID)
	if err != nil {
		return err
	}
	firstDevice := before == nil

	caps := presence.Caps{ReachableSocket: presence.Bool(true)}
	if friendOnline != "" {
		caps.FriendOnline = presence.Bool(friendOnline == "true")
	}
	if requests != "" {
		caps.PendingRequests = presence.Bool(requests == "true")
	}
	if _, err := s.deps.Presence.RegisterOrUpdate(ctx, c.UserID, c.DeviceID, caps); err != nil {
		return err
	}
	metrics.PresenceDevices.Inc()

	if err := s.deps.Directory.SetFetchesSocket(ctx, c.DeviceID, true); err != nil {
		log.Printf("[gateway] set fetches_socket conn=%s: %v", c.ID, err)
	}

	group := messaging.DeviceGroup(c.UserID, c.DeviceID)
	if err := s.deps.Bus.Subscribe(group, c.ID, func(data []byte) {
		if err := c.Write(data); err != nil {
			log.Printf("[gateway] forward to conn=%s failed: %v", c.ID, err)
		}
	}); err != nil {
		return err
	}

	if firstDevice {
		go s.deps.Online.NotifyOnline(context.Background(), c.UserID, "online")
	}
	return nil
}

// handleHealth reports liveness plus connection count and uptime, consumed
// by the load balancer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// eventLoop runs the poller wait loop, dispatching each ready socket to a
// worker goroutine bounded by the pool semaphore.
func (s *Server) eventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		socks, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				log.Printf("[gateway] poller wait: %v", err)
				continue
			}
		}

		for _, sock := range socks {
			sock := sock

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.readFrame(sock)
			}()
		}
	}
}

// readFrame reads a single WebSocket frame from a ready socket using
// wsutil.NextReader so control frames are handled without blocking. Read
// failures remove the connection.
func (s *Server) readFrame(sock net.Conn) {
	c := s.conns.GetByConn(sock)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = sock.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(sock, ws.StateServerSide)
	if err != nil {
		// A timeout means no data was actually pending (stale poller
		// dispatch); the heartbeat owns dead-connection detection.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConn(c)
		return
	}
	_ = sock.SetReadDeadline(time.Time{})

	c.LastActive = time.Now()

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConn(c)
		}
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConn(c)
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

// RemoveConn tears a connection down: poller deregistration, subscription
// cleanup, presence removal, and the offline broadcast when it was the
// user's last online device. Read errors, heartbeat evictions, and graceful
// closes all converge here; presence TTL covers crashes that skip it.
func (s *Server) RemoveConn(c *Conn) {
	_ = s.poller.Remove(c.sock)

	// Only the goroutine that wins the registry removal runs cleanup.
	if !s.conns.Remove(c.ID) {
		return
	}

	if err := s.deps.Bus.Unsubscribe(c.ID); err != nil {
		log.Printf("[gateway] unsubscribe conn=%s: %v", c.ID, err)
	}
	for _, key := range c.Subs() {
		if err := s.deps.Bus.Unsubscribe(key); err != nil {
			log.Printf("[gateway] unsubscribe %s: %v", key, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := s.deps.Presence.Remove(ctx, c.UserID, c.DeviceID); err != nil {
		log.Printf("[gateway] presence remove conn=%s: %v", c.ID, err)
	}
	metrics.PresenceDevices.Dec()
	if err := s.deps.Directory.SetFetchesSocket(ctx, c.DeviceID, false); err != nil {
		log.Printf("[gateway] clear fetches_socket conn=%s: %v", c.ID, err)
	}

	sub, err := s.deps.Presence.Find(ctx, c.UserID)
	if err == nil && sub == nil {
		go s.deps.Online.NotifyOnline(context.Background(), c.UserID, "offline")
	}

	metrics.ConnectionsTotal.Dec()
	log.Printf("[gateway] disconnected user=%s device=%s conn=%s (total=%d)",
		c.UserID, c.DeviceID, c.ID, s.conns.Count())
}

// Send writes a payload to the connection identified by connID.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("gateway: connection %s not found", connID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}
	err := c.Write(data)
	_ = c.sock.SetWriteDeadline(time.Time{})
	return err
}

// Conns returns the connection registry, used by the heartbeat monitor.
func (s *Server) Conns() *Registry {
	return s.conns
}

// Shutdown gracefully stops the gateway: the HTTP listener, the event loop,
// and every live connection with its session state.
func (s *Server) Shutdown() error {
	log.Println("[gateway] shutting down...")

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("[gateway] http shutdown: %v", err)
	}

	for _, c := range s.conns.All() {
		s.RemoveConn(c)
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("[gateway] stopped, all connections closed")
	return nil
}

// isEINTR reports whether the error is an interrupted syscall, expected
// during signal handling.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
