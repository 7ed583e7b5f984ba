package calls

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/protocol"
)

// Broadcaster fans a payload out to all subscribers of a named group. The
// NATS fabric wrapper satisfies this.
type Broadcaster interface {
	Broadcast(group string, payload []byte) error
}

// Notifier routes an offer/answer signal to all devices of a target user
// through the delivery router, so an offline callee still gets a push.
type Notifier interface {
	SignalUser(ctx context.Context, fromUserID, toUserID string, signal protocol.MeetingSignal)
}

// Service maps incoming call signals onto store operations and performs the
// resulting group broadcasts. Broadcasts happen only when the store reports
// an actual mutation; duplicate candidates come back as a success with no
// side effects.
type Service struct {
	store  *Store
	bus    Broadcaster
	notify Notifier
}

// NewService creates a call signaling service.
func NewService(store *Store, bus Broadcaster, notify Notifier) *Service {
	return &Service{store: store, bus: bus, notify: notify}
}

// Store exposes the underlying session store (used by the gateway's meeting
// group subscription check).
func (s *Service) Store() *Store {
	return s.store
}

// Apply executes one signaling step on behalf of fromUserID and returns the
// synchronous result for the client. denied and busy always end the session
// no matter what state it is in.
func (s *Service) Apply(ctx context.Context, fromUserID string, msg protocol.CallSignalMsg) protocol.Result {
	switch msg.SignalType {
	case protocol.SignalAddOfferCandidate:
		if msg.OfferCandidate == "" {
			return protocol.Fail(protocol.CodeInvalidRequest, "missing offer candidate")
		}
		if msg.CallID == "" {
			id, _, err := s.store.Create(ctx, msg.OfferCandidate, msg.HasVideo)
			if err != nil {
				log.Printf("[calls] create: %v", err)
				return protocol.Fail(protocol.CodeUnexpectedException, "call creation failed")
			}
			return protocol.OK(map[string]string{"call_id": id})
		}
		return s.applyCandidate(ctx, msg.CallID, msg.SignalType, Delta{OfferCandidate: msg.OfferCandidate}, msg.OfferCandidate)

	case protocol.SignalAddAnswerCandidate:
		if msg.CallID == "" || msg.AnswerCandidate == "" {
			return protocol.Fail(protocol.CodeInvalidRequest, "missing call id or answer candidate")
		}
		return s.applyCandidate(ctx, msg.CallID, msg.SignalType, Delta{AnswerCandidate: msg.AnswerCandidate}, msg.AnswerCandidate)

	case protocol.SignalOffer, protocol.SignalAnswer:
		value := msg.Offer
		delta := Delta{Offer: msg.Offer}
		if msg.SignalType == protocol.SignalAnswer {
			value = msg.Answer
			delta = Delta{Answer: msg.Answer}
		}
		if msg.CallID == "" || value == "" || msg.To == "" {
			return protocol.Fail(protocol.CodeInvalidRequest, "missing call id, value, or recipient")
		}

		mutated, err := s.store.Update(ctx, msg.CallID, delta)
		if err != nil {
			return s.storeFailure(msg.CallID, err)
		}
		if mutated {
			signal := protocol.MeetingSignal{
				SignalType: msg.SignalType,
				CallID:     msg.CallID,
				Data:       jsonString(value),
				From:       fromUserID,
			}
			s.broadcast(msg.CallID, signal)
			if s.notify != nil {
				s.notify.SignalUser(ctx, fromUserID, msg.To, signal)
			}
		}
		return protocol.OK(map[string]string{"call_id": msg.CallID})

	case protocol.SignalDenied, protocol.SignalBusy:
		if msg.CallID == "" {
			return protocol.Fail(protocol.CodeInvalidRequest, "missing call id")
		}
		// Teardown first; an unknown call id must not leak a broadcast to
		// whoever happens to listen on that group name.
		if err := s.store.Stop(ctx, msg.CallID); err != nil {
			return s.storeFailure(msg.CallID, err)
		}
		s.broadcast(msg.CallID, protocol.MeetingSignal{
			SignalType: msg.SignalType,
			CallID:     msg.CallID,
			From:       fromUserID,
		})
		return protocol.OK(map[string]string{"call_id": msg.CallID})

	default:
		return protocol.Fail(protocol.CodeInvalidRequest, "unknown signal type")
	}
}

// Stop ends a session without a signal broadcast (explicit hang-up path).
func (s *Service) Stop(ctx context.Context, callID string) protocol.Result {
	if err := s.store.Stop(ctx, callID); err != nil {
		return s.storeFailure(callID, err)
	}
	return protocol.OK(map[string]string{"call_id": callID})
}

func (s *Service) applyCandidate(ctx context.Context, callID, signalType string, delta Delta, candidate string) protocol.Result {
	mutated, err := s.store.Update(ctx, callID, delta)
	if err != nil {
		return s.storeFailure(callID, err)
	}
	// Stale resubmission is a silent no-op, not an error.
	if mutated {
		s.broadcast(callID, protocol.MeetingSignal{
			SignalType: signalType,
			CallID:     callID,
			Data:       jsonString(candidate),
		})
	}
	return protocol.OK(map[string]string{"call_id": callID})
}

func (s *Service) broadcast(callID string, signal protocol.MeetingSignal) {
	payload, err := protocol.NewServerMessage(protocol.TypeMeeting, signal)
	if err != nil {
		log.Printf("[calls] marshal signal for %s: %v", callID, err)
		return
	}
	if err := s.bus.Broadcast(messaging.MeetingGroup(callID), payload); err != nil {
		log.Printf("[calls] broadcast %s: %v", callID, err)
	}
}

func (s *Service) storeFailure(callID string, err error) protocol.Result {
	if errors.Is(err, ErrInvalidSession) {
		return protocol.Fail(protocol.CodeInvalidSession, "unknown call "+callID)
	}
	log.Printf("[calls] store error for %s: %v", callID, err)
	return protocol.Fail(protocol.CodeUnexpectedException, "call signaling failed")
}

func jsonString(v string) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
