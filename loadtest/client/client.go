// Package client provides a reusable WebSocket load test client for the
// messenger gateway. It connects using gobwas/ws (the same library the
// server uses), authenticates through the token query parameters, waits for
// the connected handshake, and tracks per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types (local equivalents of internal/protocol).
const (
	TypeSendMessage  = "send_message"
	TypeSeenMessages = "seen_messages"
	TypePing         = "ping"
)

// Server -> Client message types.
const (
	TypeConnected        = "connected"
	TypeIncomingMessage  = "incoming_message"
	TypeCompletionSignal = "completion_signal"
	TypeResult           = "result"
	TypeRateLimited      = "rate_limited"
	TypePong             = "pong"
)

// MessageItem mirrors the server's outbound message payload.
type MessageItem struct {
	ID                  string `json:"id"`
	ThreadID            string `json:"thread_id"`
	DestinationDeviceID string `json:"destination_device_id"`
	Contents            string `json:"contents"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is one simulated device connection to the gateway. It manages the
// WebSocket lifecycle and dispatches incoming events to registered handlers.
type Client struct {
	conn      net.Conn
	mu        sync.Mutex
	userID    string
	deviceID  string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	done      chan struct{}
	closeOnce sync.Once
}

// New dials the gateway at baseURL (e.g. ws://localhost:8080/ws) with the
// given credentials. The connection is established immediately and a
// background goroutine begins reading events; the connected handshake is
// captured automatically.
func New(ctx context.Context, baseURL, token, deviceToken string) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("device_token", deviceToken)
	u.RawQuery = q.Encode()

	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()
	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics.MessagesSent++
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// SendMessage submits a one-item message batch addressed to a device.
func (c *Client) SendMessage(item MessageItem) error {
	return c.Send(map[string]interface{}{
		"type":     TypeSendMessage,
		"messages": []MessageItem{item},
	})
}

// Ping sends an application-level keepalive.
func (c *Client) Ping() error {
	return c.Send(map[string]string{"type": TypePing})
}

// On registers a handler for a server event type. Handlers run on the read
// loop goroutine and receive the full raw JSON of the event. Registering a
// second handler for the same type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// WaitForConnected blocks until the server has acknowledged the session or
// the context is cancelled.
func (c *Client) WaitForConnected(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before handshake")
		case <-ticker.C:
			c.mu.Lock()
			ok := c.deviceID != ""
			c.mu.Unlock()
			if ok {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. Safe to call twice.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// UserID returns the authenticated user id, empty before the handshake.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// DeviceID returns the authenticated device id, empty before the handshake.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// readLoop reads frames until the connection closes, capturing the connected
// handshake and dispatching everything to registered handlers.
func (c *Client) readLoop() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.mu.Lock()
			c.metrics.Errors++
			c.mu.Unlock()
			return
		}

		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if envelope.Type == TypeConnected {
			var msg struct {
				UserID   string `json:"user_id"`
				DeviceID string `json:"device_id"`
			}
			if err := json.Unmarshal(data, &msg); err == nil {
				c.userID = msg.UserID
				c.deviceID = msg.DeviceID
			}
		}
		handler := c.handlers[envelope.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}
