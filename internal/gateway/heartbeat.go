package gateway

import (
	"context"
	"log"
	"time"
)

// HeartbeatConfig holds heartbeat tuning parameters.
type HeartbeatConfig struct {
	Interval time.Duration // how often to ping
	Timeout  time.Duration // max wait for activity after a ping
}

// DefaultHeartbeatConfig returns the default heartbeat timing.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat starts a background goroutine that periodically pings all
// connections, evicts those with no activity within Interval + Timeout, and
// refreshes the presence TTL for the rest. It returns immediately; the
// goroutine exits when the server shuts down.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweep(server, config)
			}
		}
	}()
}

// sweep walks the live connections once. Dead connections go through the
// full removal path so their presence records and subscriptions are cleaned
// up like any other disconnect.
func sweep(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Conns().All() {
		if now.Sub(c.LastActive) > deadline {
			log.Printf("[gateway] heartbeat timeout conn=%s last_activity=%s ago",
				c.ID, now.Sub(c.LastActive).Round(time.Second))
			server.RemoveConn(c)
			continue
		}

		if err := c.WritePing(); err != nil {
			log.Printf("[gateway] heartbeat ping failed conn=%s: %v", c.ID, err)
			server.RemoveConn(c)
			continue
		}

		// A live socket keeps its presence record from expiring.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := server.deps.Presence.Touch(ctx, c.UserID, c.DeviceID); err != nil {
			log.Printf("[gateway] presence touch conn=%s: %v", c.ID, err)
		}
		cancel()
	}
}
