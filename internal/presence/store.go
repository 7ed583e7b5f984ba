package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// devicePrefix is the Redis key prefix for per-device capability hashes.
	devicePrefix = "presence:dev:"

	// userPrefix is the Redis key prefix for the per-user device index sets.
	userPrefix = "presence:user:"

	// PresenceTTL is the time-to-live for presence keys. Every write and
	// Touch refreshes it, so a device that dies without an explicit
	// disconnect stops looking online after at most this window.
	PresenceTTL = 1 * time.Hour
)

// DeviceSession holds one live device's capability flags.
type DeviceSession struct {
	DeviceID        string
	ReachableSocket bool   // live socket transport available
	FriendOnline    bool   // wants friend online/offline broadcasts
	PendingRequests bool   // friend-request channel bound
	ThreadID        string // private-channel override; empty = unbound
}

// Subscriber is a user's set of live device sessions. It exists only while at
// least one device is registered.
type Subscriber struct {
	UserID  string
	Devices []DeviceSession
}

// FindDevice returns the session for deviceID, or nil if not present.
func (s *Subscriber) FindDevice(deviceID string) *DeviceSession {
	for i := range s.Devices {
		if s.Devices[i].DeviceID == deviceID {
			return &s.Devices[i]
		}
	}
	return nil
}

// Caps carries capability updates for RegisterOrUpdate. Nil fields are left
// unchanged on an existing session (this is distinct from explicitly setting
// a flag to false); on first registration they default to false/empty.
type Caps struct {
	ReachableSocket *bool
	FriendOnline    *bool
	PendingRequests *bool
	ThreadID        *string // pointer to "" unbinds the thread channel
}

// Bool returns a *bool for use in Caps literals.
func Bool(v bool) *bool { return &v }

// String returns a *string for use in Caps literals.
func String(v string) *string { return &v }

// Store manages device presence state in Redis.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a presence store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, ttl: PresenceTTL}
}

func deviceKey(userID, deviceID string) string {
	return devicePrefix + userID + ":" + deviceID
}

func userKey(userID string) string {
	return userPrefix + userID
}

// RegisterOrUpdate registers a device session or updates an existing one.
// Only the explicitly supplied Caps fields are written; unsupplied flags are
// initialised to false on first registration and left untouched afterwards.
// It returns the user's full Subscriber record after the write.
func (s *Store) RegisterOrUpdate(ctx context.Context, userID, deviceID string, caps Caps) (*Subscriber, error) {
	dk := deviceKey(userID, deviceID)
	uk := userKey(userID)

	pipe := s.client.Pipeline()

	// Defaults take effect only when the field does not exist yet, so a
	// concurrent update for the same device cannot be reverted.
	pipe.HSetNX(ctx, dk, "socket", "false")
	pipe.HSetNX(ctx, dk, "friend_online", "false")
	pipe.HSetNX(ctx, dk, "requests", "false")
	pipe.HSetNX(ctx, dk, "thread_id", "")

	fields := make(map[string]interface{})
	if caps.ReachableSocket != nil {
		fields["socket"] = boolStr(*caps.ReachableSocket)
	}
	if caps.FriendOnline != nil {
		fields["friend_online"] = boolStr(*caps.FriendOnline)
	}
	if caps.PendingRequests != nil {
		fields["requests"] = boolStr(*caps.PendingRequests)
	}
	if caps.ThreadID != nil {
		fields["thread_id"] = *caps.ThreadID
	}
	if len(fields) > 0 {
		pipe.HSet(ctx, dk, fields)
	}

	pipe.SAdd(ctx, uk, deviceID)
	pipe.Expire(ctx, dk, s.ttl)
	pipe.Expire(ctx, uk, s.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: register %s/%s: %w", userID, deviceID, err)
	}

	return s.Find(ctx, userID)
}

// Remove drops a device session. When it was the user's last device the index
// set is deleted as well, so no empty Subscriber shell remains. Removing an
// unknown user or device is a no-op.
func (s *Store) Remove(ctx context.Context, userID, deviceID string) error {
	uk := userKey(userID)

	pipe := s.client.Pipeline()
	pipe.Del(ctx, deviceKey(userID, deviceID))
	pipe.SRem(ctx, uk, deviceID)
	card := pipe.SCard(ctx, uk)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: remove %s/%s: %w", userID, deviceID, err)
	}

	if card.Val() == 0 {
		if err := s.client.Del(ctx, uk).Err(); err != nil {
			return fmt.Errorf("presence: remove index %s: %w", userID, err)
		}
	}
	return nil
}

// Find returns the Subscriber record for a user, or nil if the user has no
// live devices. Device keys that expired under the index are pruned as a side
// effect.
func (s *Store) Find(ctx context.Context, userID string) (*Subscriber, error) {
	uk := userKey(userID)

	deviceIDs, err := s.client.SMembers(ctx, uk).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: find %s: %w", userID, err)
	}
	if len(deviceIDs) == 0 {
		return nil, nil
	}

	sub := &Subscriber{UserID: userID}
	for _, id := range deviceIDs {
		fields, err := s.client.HGetAll(ctx, deviceKey(userID, id)).Result()
		if err != nil {
			return nil, fmt.Errorf("presence: find %s/%s: %w", userID, id, err)
		}
		if len(fields) == 0 {
			// Device key expired; heal the index.
			s.client.SRem(ctx, uk, id)
			continue
		}
		sub.Devices = append(sub.Devices, sessionFromFields(id, fields))
	}

	if len(sub.Devices) == 0 {
		s.client.Del(ctx, uk)
		return nil, nil
	}
	return sub, nil
}

// FindDevice returns a single device session, or nil if it is not registered.
func (s *Store) FindDevice(ctx context.Context, userID, deviceID string) (*DeviceSession, error) {
	fields, err := s.client.HGetAll(ctx, deviceKey(userID, deviceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: find device %s/%s: %w", userID, deviceID, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	sess := sessionFromFields(deviceID, fields)
	return &sess, nil
}

// Touch refreshes the TTL of a device session and its user index. Called from
// the gateway heartbeat path so long-lived idle connections stay visible.
func (s *Store) Touch(ctx context.Context, userID, deviceID string) error {
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, deviceKey(userID, deviceID), s.ttl)
	pipe.Expire(ctx, userKey(userID), s.ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence: touch %s/%s: %w", userID, deviceID, err)
	}
	return nil
}

func sessionFromFields(deviceID string, fields map[string]string) DeviceSession {
	return DeviceSession{
		DeviceID:        deviceID,
		ReachableSocket: fields["socket"] == "true",
		FriendOnline:    fields["friend_online"] == "true",
		PendingRequests: fields["requests"] == "true",
		ThreadID:        fields["thread_id"],
	}
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
