// Package mailbox maintains a bounded per-device FIFO of outstanding delivery
// task identifiers in Redis. The mailbox exists only while it has entries;
// enqueueing beyond the capacity evicts the oldest task id.
package mailbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// mailboxPrefix is the Redis key prefix for per-device task queues.
	mailboxPrefix = "mailbox:"

	// MessageQueueLimit is the default mailbox capacity.
	MessageQueueLimit = 20

	// mailboxTTL bounds how long an abandoned mailbox can linger. Completed
	// tasks remove their own entries, so this only matters after a crash.
	mailboxTTL = 2 * time.Hour
)

// Queue manages bounded per-device task queues in Redis.
type Queue struct {
	client *redis.Client
	limit  int64
	push   *redis.Script
}

// NewQueue creates a mailbox queue with the default capacity.
func NewQueue(client *redis.Client) *Queue {
	return NewQueueWithLimit(client, MessageQueueLimit)
}

// NewQueueWithLimit creates a mailbox queue with an explicit capacity.
func NewQueueWithLimit(client *redis.Client, limit int64) *Queue {
	return &Queue{
		client: client,
		limit:  limit,
		push:   redis.NewScript(boundedPushLua),
	}
}

func mailboxKey(deviceID string) string {
	return mailboxPrefix + deviceID
}

// Enqueue appends a task id to the device's mailbox. When the queue would
// exceed its capacity the oldest entry is evicted and returned; the evicted
// task is not cancelled, it simply completes without a mailbox entry (its
// Remove becomes a no-op). Returns the evicted task id, or "" when nothing
// was evicted.
func (q *Queue) Enqueue(ctx context.Context, deviceID, taskID string) (string, error) {
	evicted, err := q.push.Run(ctx, q.client,
		[]string{mailboxKey(deviceID)},
		taskID, q.limit, int(mailboxTTL.Seconds()),
	).Text()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("mailbox: enqueue %s: %w", deviceID, err)
	}
	return evicted, nil
}

// Remove deletes a specific task id from the device's mailbox. Redis removes
// empty lists automatically, so the mailbox record disappears with its last
// entry. Removing an unknown task is a no-op.
func (q *Queue) Remove(ctx context.Context, deviceID, taskID string) error {
	if err := q.client.LRem(ctx, mailboxKey(deviceID), 1, taskID).Err(); err != nil {
		return fmt.Errorf("mailbox: remove %s/%s: %w", deviceID, taskID, err)
	}
	return nil
}

// Length returns the number of outstanding task ids for a device.
func (q *Queue) Length(ctx context.Context, deviceID string) (int64, error) {
	n, err := q.client.LLen(ctx, mailboxKey(deviceID)).Result()
	if err != nil {
		return 0, fmt.Errorf("mailbox: length %s: %w", deviceID, err)
	}
	return n, nil
}

// Tasks returns the outstanding task ids in FIFO order (oldest first).
func (q *Queue) Tasks(ctx context.Context, deviceID string) ([]string, error) {
	ids, err := q.client.LRange(ctx, mailboxKey(deviceID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("mailbox: tasks %s: %w", deviceID, err)
	}
	return ids, nil
}

// boundedPushLua atomically appends a task id and evicts the oldest entry
// when the queue exceeds its capacity. Returns the evicted id or false.
const boundedPushLua = `
local key = KEYS[1]
local task_id = ARGV[1]
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

redis.call('RPUSH', key, task_id)
redis.call('EXPIRE', key, ttl)

if redis.call('LLEN', key) > limit then
    return redis.call('LPOP', key)
end
return false
`
