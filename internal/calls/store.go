// Package calls holds in-flight call negotiation sessions (offer, answer,
// candidate sets) in Redis. Updates are idempotent per candidate value so
// duplicate delivery from the push or pub/sub fabric cannot corrupt a
// session or trigger spurious re-broadcasts.
package calls

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// callPrefix is the Redis key prefix for call session hashes; candidate
	// sets live under the derived :offer_cand and :answer_cand keys.
	callPrefix = "call:"

	// CallTTL is the external expiry for negotiation state. A call that is
	// never explicitly stopped disappears after this window.
	CallTTL = 2 * time.Hour
)

// ErrInvalidSession is returned for operations on an unknown call id.
var ErrInvalidSession = errors.New("calls: invalid session")

// State describes where a session is in the negotiation lifecycle.
type State string

const (
	StateCreated     State = "created"     // only offer candidates present
	StateNegotiating State = "negotiating" // offer or answer has been set
	StateActive      State = "active"      // both offer and answer present
)

// Session is a snapshot of one call negotiation.
type Session struct {
	ID               string
	Offer            string
	Answer           string
	HasVideo         bool
	OfferCandidates  []string
	AnswerCandidates []string
}

// State derives the lifecycle state from the session contents. The ended
// state has no snapshot: a stopped session simply no longer exists.
func (s *Session) State() State {
	switch {
	case s.Offer != "" && s.Answer != "":
		return StateActive
	case s.Offer != "" || s.Answer != "":
		return StateNegotiating
	default:
		return StateCreated
	}
}

// Delta carries the fields of an Update. Empty strings mean "not supplied";
// candidates and offer/answer values are opaque non-empty JSON blobs from the
// client's WebRTC stack.
type Delta struct {
	OfferCandidate  string
	AnswerCandidate string
	Offer           string
	Answer          string
}

// Store manages call negotiation sessions in Redis.
type Store struct {
	client       *redis.Client
	updateScript *redis.Script
}

// NewStore creates a call signaling store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{
		client:       client,
		updateScript: redis.NewScript(updateCallLua),
	}
}

func callKey(id string) string       { return callPrefix + id }
func offerCandKey(id string) string  { return callPrefix + id + ":offer_cand" }
func answerCandKey(id string) string { return callPrefix + id + ":answer_cand" }

// Create allocates a new session id and seeds the offer-candidate set.
func (s *Store) Create(ctx context.Context, offerCandidate string, hasVideo bool) (string, *Session, error) {
	id := uuid.New().String()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, callKey(id), map[string]interface{}{
		"offer":     "",
		"answer":    "",
		"has_video": boolStr(hasVideo),
	})
	pipe.SAdd(ctx, offerCandKey(id), offerCandidate)
	pipe.Expire(ctx, callKey(id), CallTTL)
	pipe.Expire(ctx, offerCandKey(id), CallTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", nil, fmt.Errorf("calls: create: %w", err)
	}

	return id, &Session{
		ID:              id,
		HasVideo:        hasVideo,
		OfferCandidates: []string{offerCandidate},
	}, nil
}

// Update atomically applies the delta and reports whether anything actually
// changed. Re-adding a known candidate or re-setting an equal offer/answer is
// a silent no-op (mutated=false). Unknown ids return ErrInvalidSession.
// Callers broadcast to the session's group only when mutated is true.
func (s *Store) Update(ctx context.Context, id string, delta Delta) (bool, error) {
	mutated, err := s.updateScript.Run(ctx, s.client,
		[]string{callKey(id), offerCandKey(id), answerCandKey(id)},
		delta.OfferCandidate, delta.AnswerCandidate, delta.Offer, delta.Answer,
		int(CallTTL.Seconds()),
	).Int()
	if err != nil {
		return false, fmt.Errorf("calls: update %s: %w", id, err)
	}
	if mutated < 0 {
		return false, ErrInvalidSession
	}
	return mutated > 0, nil
}

// Stop deletes the session unconditionally. Unknown ids return
// ErrInvalidSession.
func (s *Store) Stop(ctx context.Context, id string) error {
	deleted, err := s.client.Del(ctx, callKey(id), offerCandKey(id), answerCandKey(id)).Result()
	if err != nil {
		return fmt.Errorf("calls: stop %s: %w", id, err)
	}
	if deleted == 0 {
		return ErrInvalidSession
	}
	return nil
}

// ActiveSessions counts the live session hashes. Expiry happens inside Redis
// (CallTTL), so counting keys there is the only number that stays honest.
func (s *Store) ActiveSessions(ctx context.Context) (int64, error) {
	var count int64
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, callPrefix+"*", 200).Result()
		if err != nil {
			return 0, fmt.Errorf("calls: count sessions: %w", err)
		}
		for _, key := range keys {
			// Candidate sets share the prefix; only the bare hash key counts.
			if !strings.HasSuffix(key, ":offer_cand") && !strings.HasSuffix(key, ":answer_cand") {
				count++
			}
		}
		cursor = next
		if cursor == 0 {
			return count, nil
		}
	}
}

// Get returns a full session snapshot, or nil if the id is unknown.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	fields, err := s.client.HGetAll(ctx, callKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("calls: get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	offerCands, err := s.client.SMembers(ctx, offerCandKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("calls: get %s offer candidates: %w", id, err)
	}
	answerCands, err := s.client.SMembers(ctx, answerCandKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("calls: get %s answer candidates: %w", id, err)
	}

	return &Session{
		ID:               id,
		Offer:            fields["offer"],
		Answer:           fields["answer"],
		HasVideo:         fields["has_video"] == "true",
		OfferCandidates:  offerCands,
		AnswerCandidates: answerCands,
	}, nil
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}

// updateCallLua atomically merges an update into a call session. Returns -1
// when the session does not exist, otherwise the number of fields that
// actually changed. SADD gives candidate idempotency for free; offer/answer
// only count as changed when the new value differs.
const updateCallLua = `
local key = KEYS[1]
local offer_cands = KEYS[2]
local answer_cands = KEYS[3]
local ttl = tonumber(ARGV[5])

if redis.call('EXISTS', key) == 0 then return -1 end

local mutated = 0

if ARGV[1] ~= '' then
    mutated = mutated + redis.call('SADD', offer_cands, ARGV[1])
    redis.call('EXPIRE', offer_cands, ttl)
end
if ARGV[2] ~= '' then
    mutated = mutated + redis.call('SADD', answer_cands, ARGV[2])
    redis.call('EXPIRE', answer_cands, ttl)
end
if ARGV[3] ~= '' and redis.call('HGET', key, 'offer') ~= ARGV[3] then
    redis.call('HSET', key, 'offer', ARGV[3])
    mutated = mutated + 1
end
if ARGV[4] ~= '' and redis.call('HGET', key, 'answer') ~= ARGV[4] then
    redis.call('HSET', key, 'answer', ARGV[4])
    mutated = mutated + 1
end

redis.call('EXPIRE', key, ttl)
return mutated
`
