// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the messenger gateway. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSendMessage    = "send_message"
	TypeSeenMessages   = "seen_messages"
	TypeCallSignal     = "call_signal"
	TypeFriendRequest  = "friend_request"
	TypeResolveRequest = "resolve_request"
	TypeRemoveContact  = "remove_contact"
	TypeBindThread     = "bind_thread"
	TypeUnbindThread   = "unbind_thread"
	TypePing           = "ping"
)

// Server -> Client message types.
const (
	TypeConnected        = "connected"
	TypeIncomingMessage  = "incoming_message"
	TypeCompletionSignal = "completion_signal"
	TypeSeenSignal       = "seen_signal"
	TypeFriendOnline     = "friend_online"
	TypeRequestUpdate    = "request_update"
	TypeMeeting          = "meeting"
	TypeResult           = "result"
	TypeRateLimited      = "rate_limited"
	TypePong             = "pong"
)

// Stable failure codes returned in Result payloads. Transport-level delivery
// problems are never reported through these; they arrive asynchronously as a
// completion_signal event instead.
const (
	CodeInvalidCredential   = "invalid_credential"
	CodeUnreachableReceiver = "unreachable_receiver"
	CodeDuplicateRequest    = "duplicate_request"
	CodeLimitExceeded       = "limit_exceeded"
	CodeInvalidSession      = "invalid_session"
	CodeInvalidRequest      = "invalid_request"
	CodeUnexpectedException = "unexpected_exception"
)

// Call signal types carried by CallSignalMsg and MeetingSignal.
const (
	SignalAddOfferCandidate  = "add_offer_candidate"
	SignalAddAnswerCandidate = "add_answer_candidate"
	SignalOffer              = "offer"
	SignalAnswer             = "answer"
	SignalDenied             = "denied"
	SignalBusy               = "busy"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// MessageItem is a single outbound message addressed to one destination
// device within a thread.
type MessageItem struct {
	ID                  string `json:"id"`
	ThreadID            string `json:"thread_id"`
	DestinationDeviceID string `json:"destination_device_id"`
	Contents            string `json:"contents"`
	ReplyTo             string `json:"reply_to,omitempty"`
	CreatedBy           string `json:"created_by,omitempty"`
}

// SendMessageMsg is sent by the client to deliver a batch of messages. The
// batch may span multiple threads and destination devices; the gateway splits
// it per destination before submitting delivery tasks.
type SendMessageMsg struct {
	Type     string        `json:"type"`
	Messages []MessageItem `json:"messages"`
}

// SeenMessagesMsg marks a set of messages in a thread as seen; the seen
// signal is fanned out to the other devices of the thread's members.
type SeenMessagesMsg struct {
	Type       string   `json:"type"`
	ThreadID   string   `json:"thread_id"`
	MessageIDs []string `json:"message_ids"`
}

// CallSignalMsg carries one step of call negotiation. Which fields are
// required depends on SignalType: candidates for add_*_candidate, Offer/Answer
// plus To for offer/answer, only CallID for denied/busy. An
// add_offer_candidate without a CallID creates a new call session.
type CallSignalMsg struct {
	Type            string `json:"type"`
	SignalType      string `json:"signal_type"`
	CallID          string `json:"call_id,omitempty"`
	OfferCandidate  string `json:"offer_candidate,omitempty"`
	AnswerCandidate string `json:"answer_candidate,omitempty"`
	Offer           string `json:"offer,omitempty"`
	Answer          string `json:"answer,omitempty"`
	To              string `json:"to,omitempty"`
	HasVideo        bool   `json:"has_video,omitempty"`
}

// FriendRequestMsg asks the server to record a friend request to RecipientID.
type FriendRequestMsg struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id"`
}

// ResolveRequestMsg accepts or denies a previously received friend request.
type ResolveRequestMsg struct {
	Type     string `json:"type"`
	SenderID string `json:"sender_id"`
	Accept   bool   `json:"accept"`
}

// RemoveContactMsg removes an established contact on both sides.
type RemoveContactMsg struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// BindThreadMsg binds this device's event stream to a thread-scoped private
// channel. While bound, routed payloads for the device go to the thread group
// instead of the per-device group.
type BindThreadMsg struct {
	Type     string `json:"type"`
	ThreadID string `json:"thread_id"`
}

// UnbindThreadMsg releases the private-channel binding.
type UnbindThreadMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent by the server once the connection is authenticated and
// the device session is registered.
type ConnectedMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// IncomingMessage delivers routed message payloads to a device.
type IncomingMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CompletionSignal reports the outcome of a previously submitted delivery
// task back to the source device so its client can reconcile optimistic UI
// state.
type CompletionSignal struct {
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
	Success bool            `json:"success"`
}

// SeenSignal notifies a device that messages were seen elsewhere.
type SeenSignal struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// FriendOnline announces a contact's presence transition.
type FriendOnline struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Status string `json:"status"` // "online" or "offline"
}

// RequestUpdate notifies a device about friend-request activity: Kind is
// "received" when a new request arrives and "accepted" when an outgoing
// request is accepted. Only devices that opted into request notifications
// receive it.
type RequestUpdate struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
	Kind   string `json:"kind"`
}

// MeetingSignal relays one step of call negotiation to the devices subscribed
// to the call's group.
type MeetingSignal struct {
	Type       string          `json:"type"`
	SignalType string          `json:"signal_type"`
	CallID     string          `json:"call_id"`
	Data       json.RawMessage `json:"data,omitempty"`
	From       string          `json:"from,omitempty"`
}

// Result is the synchronous reply to every client operation: either a
// definitive success or a structured failure with a stable code. It is never
// used for transport-level delivery outcomes.
type Result struct {
	Type    string            `json:"type"`
	Success bool              `json:"success"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty"`
}

// RateLimitedMsg is sent when the client exceeded a send quota.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// OK builds a success Result with optional data.
func OK(data map[string]string) Result {
	return Result{Success: true, Data: data}
}

// Fail builds a failure Result with a stable code and human-readable message.
func Fail(code, message string) Result {
	return Result{Success: false, Code: code, Message: message}
}

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSeenMessages:
		var m SeenMessagesMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeCallSignal:
		var m CallSignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFriendRequest:
		var m FriendRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeResolveRequest:
		var m ResolveRequestMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRemoveContact:
		var m RemoveContactMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBindThread:
		var m BindThreadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUnbindThread:
		var m UnbindThreadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server event structs; this function marshals it to
// JSON, injects the type field, and returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
