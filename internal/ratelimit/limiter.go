// Package ratelimit throttles client actions with fixed windows counted in
// Redis, so the budget is shared by every gateway instance a user may land on.
package ratelimit

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// countScript increments the window counter and stamps the expiry in the same
// round trip. Without the atomicity a client racing the first increment could
// leave the counter without a TTL.
var countScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return n
`)

// Rule is one throttling policy. Key namespaces the counters, Limit is the
// number of actions permitted within Window.
type Rule struct {
	Key    string
	Limit  int
	Window time.Duration
}

func (r Rule) counterKey(identifier string) string {
	return r.Key + identifier
}

var (
	// RuleMessage caps message submissions per device.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleCallSignal caps signaling frames per device. Candidate bursts
	// during negotiation stay under this comfortably.
	RuleCallSignal = Rule{Key: "rl:call:", Limit: 30, Window: 10 * time.Second}

	// RuleFriendRequest caps outgoing friend requests per user.
	RuleFriendRequest = Rule{Key: "rl:freq:", Limit: 10, Window: 1 * time.Minute}

	// RuleConnect caps WebSocket upgrade attempts per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 5, Window: 1 * time.Minute}
)

// Limiter counts actions against rules in Redis.
type Limiter struct {
	client *redis.Client
}

func NewLimiter(client *redis.Client) *Limiter {
	return &Limiter{client: client}
}

// Allow records one action for identifier under rule and reports whether it
// fit in the current window. A Redis failure is logged and the action is let
// through; an unreachable Redis must not take messaging down with it.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.counterKey(identifier)

	n, err := countScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64()
	if err != nil {
		log.Printf("[ratelimit] count failed key=%s: %v (allowing)", key, err)
		return true, err
	}
	return n <= int64(rule.Limit), nil
}
