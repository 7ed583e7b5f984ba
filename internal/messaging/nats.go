// Package messaging provides the NATS client wrapper used as the broadcast
// fabric. Named groups (per-user-device, per-thread, per-call) map onto NATS
// subjects; broadcasting to a group fans the payload out to every gateway
// instance with a live subscriber in it.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Subject prefixes for the group kinds served by the fabric.
const (
	subjectDevice  = "device"  // + .<user_id>.<device_id>
	subjectThread  = "thread"  // + .<thread_id>
	subjectMeeting = "meeting" // + .<call_id>
)

// DeviceGroup names the per-user-device event group.
func DeviceGroup(userID, deviceID string) string {
	return subjectDevice + "." + userID + "." + deviceID
}

// ThreadGroup names the thread-scoped private channel group.
func ThreadGroup(threadID string) string {
	return subjectThread + "." + threadID
}

// MeetingGroup names a call session's signaling group.
func MeetingGroup(callID string) string {
	return subjectMeeting + "." + callID
}

// Client wraps the NATS connection with group subscribe/broadcast helpers.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "messenger",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Broadcast publishes a payload to every current subscriber of a group.
// Delivery is best effort: there is no acknowledgement from receivers.
func (c *Client) Broadcast(group string, payload []byte) error {
	return c.conn.Publish(group, payload)
}

// Subscribe registers a handler for a group under a caller-chosen key. The
// key decouples subscription identity from the group name so several local
// connections can join the same group without overwriting each other.
func (c *Client) Subscribe(group, key string, handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(group, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", group, err)
	}

	c.mu.Lock()
	if prev, ok := c.subs[key]; ok {
		// A re-subscribe under the same key replaces the old subscription.
		_ = prev.Unsubscribe()
	}
	c.subs[key] = sub
	c.mu.Unlock()
	return nil
}

// Unsubscribe removes the subscription registered under key. Unknown keys
// return an error so lifecycle bugs surface in logs.
func (c *Client) Unsubscribe(key string) error {
	c.mu.Lock()
	sub, ok := c.subs[key]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for key %s", key)
	}
	delete(c.subs, key)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
