package gateway

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/cjinn/messenger/internal/contacts"
	"github.com/cjinn/messenger/internal/delivery"
	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/presence"
	"github.com/cjinn/messenger/internal/protocol"
	"github.com/cjinn/messenger/internal/ratelimit"
)

const handlerTimeout = 5 * time.Second

// Submitter accepts delivery tasks for asynchronous execution.
type Submitter interface {
	Submit(ctx context.Context, task delivery.Task) (string, error)
}

// EventNotifier fans application events out to interested devices.
type EventNotifier interface {
	FanOutSeen(ctx context.Context, userID, fromDeviceID string, msg protocol.SeenMessagesMsg)
	NotifyRequestUpdate(ctx context.Context, toUserID, fromUserID, kind string)
}

// CallService applies call-signaling steps.
type CallService interface {
	Apply(ctx context.Context, fromUserID string, msg protocol.CallSignalMsg) protocol.Result
}

// ContactLedger manages contacts and pending friend requests.
type ContactLedger interface {
	SendRequest(ctx context.Context, fromID, toID string) error
	ResolveRequest(ctx context.Context, selfID, counterpartID string, accept bool) error
	RemoveContact(ctx context.Context, selfID, counterpartID string) error
}

// RateLimiter throttles client actions.
type RateLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// App binds the client operations to the backing services and registers them
// on a dispatcher.
type App struct {
	dispatcher *Dispatcher
	pool       Submitter
	notifier   EventNotifier
	calls      CallService
	contacts   ContactLedger
	presence   PresenceStore
	bus        Bus
	limiter    RateLimiter
}

// NewApp creates the handler set. limiter may be nil to disable throttling
// (tests).
func NewApp(d *Dispatcher, pool Submitter, notifier EventNotifier, callSvc CallService,
	ledger ContactLedger, pres PresenceStore, bus Bus, limiter RateLimiter) *App {
	a := &App{
		dispatcher: d,
		pool:       pool,
		notifier:   notifier,
		calls:      callSvc,
		contacts:   ledger,
		presence:   pres,
		bus:        bus,
		limiter:    limiter,
	}
	a.register()
	return a
}

func (a *App) register() {
	a.dispatcher.Register(protocol.TypeSendMessage, a.handleSendMessage)
	a.dispatcher.Register(protocol.TypeSeenMessages, a.handleSeenMessages)
	a.dispatcher.Register(protocol.TypeCallSignal, a.handleCallSignal)
	a.dispatcher.Register(protocol.TypeFriendRequest, a.handleFriendRequest)
	a.dispatcher.Register(protocol.TypeResolveRequest, a.handleResolveRequest)
	a.dispatcher.Register(protocol.TypeRemoveContact, a.handleRemoveContact)
	a.dispatcher.Register(protocol.TypeBindThread, a.handleBindThread)
	a.dispatcher.Register(protocol.TypeUnbindThread, a.handleUnbindThread)
}

// allowed applies a rate-limit rule; a denial answers the client with a
// rate_limited event instead of a Result.
func (a *App) allowed(ctx context.Context, c *Conn, identifier string, rule ratelimit.Rule) bool {
	if a.limiter == nil {
		return true
	}
	ok, _ := a.limiter.Allow(ctx, identifier, rule)
	if !ok {
		a.dispatcher.send(c, protocol.TypeRateLimited, protocol.RateLimitedMsg{
			RetryAfter: int(rule.Window.Seconds()),
		})
	}
	return ok
}

// handleSendMessage splits the batch into per-destination delivery tasks.
// The Result acknowledges submission only; transport outcomes arrive
// asynchronously as completion_signal events.
func (a *App) handleSendMessage(c *Conn, raw interface{}) {
	msg := raw.(protocol.SendMessageMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if !a.allowed(ctx, c, c.DeviceID, ratelimit.RuleMessage) {
		return
	}
	if len(msg.Messages) == 0 {
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "empty message batch"))
		return
	}

	submitted := 0
	for _, item := range msg.Messages {
		if item.DestinationDeviceID == "" || item.ThreadID == "" {
			a.dispatcher.reply(c, protocol.Fail(protocol.CodeInvalidRequest,
				"message items need thread_id and destination_device_id"))
			return
		}
		if item.CreatedBy == "" {
			item.CreatedBy = c.UserID
		}
		if _, err := a.pool.Submit(ctx, delivery.Task{
			SourceUserID:   c.UserID,
			SourceDeviceID: c.DeviceID,
			Item:           item,
		}); err != nil {
			log.Printf("[gateway] submit delivery conn=%s: %v", c.ID, err)
			a.dispatcher.reply(c, protocol.Fail(protocol.CodeUnexpectedException, "delivery submission failed"))
			return
		}
		submitted++
	}

	a.dispatcher.reply(c, protocol.OK(map[string]string{"submitted": strconv.Itoa(submitted)}))
}

func (a *App) handleSeenMessages(c *Conn, raw interface{}) {
	msg := raw.(protocol.SeenMessagesMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if msg.ThreadID == "" || len(msg.MessageIDs) == 0 {
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "thread_id and message_ids required"))
		return
	}

	a.notifier.FanOutSeen(ctx, c.UserID, c.DeviceID, msg)
	a.dispatcher.reply(c, protocol.OK(nil))
}

// handleCallSignal forwards the step to the signaling service and keeps the
// connection's meeting-group subscription in step with the session
// lifecycle.
func (a *App) handleCallSignal(c *Conn, raw interface{}) {
	msg := raw.(protocol.CallSignalMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if !a.allowed(ctx, c, c.DeviceID, ratelimit.RuleCallSignal) {
		return
	}

	res := a.calls.Apply(ctx, c.UserID, msg)

	callID := msg.CallID
	if callID == "" && res.Data != nil {
		callID = res.Data["call_id"]
	}
	if res.Success && callID != "" {
		switch msg.SignalType {
		case protocol.SignalDenied, protocol.SignalBusy:
			a.leaveMeeting(c, callID)
		default:
			a.joinMeeting(c, callID)
		}
	}

	a.dispatcher.reply(c, res)
}

func (a *App) joinMeeting(c *Conn, callID string) {
	key := c.ID + ":meeting:" + callID
	if err := a.bus.Subscribe(messaging.MeetingGroup(callID), key, func(data []byte) {
		if err := c.Write(data); err != nil {
			log.Printf("[gateway] forward meeting to conn=%s: %v", c.ID, err)
		}
	}); err != nil {
		log.Printf("[gateway] join meeting %s conn=%s: %v", callID, c.ID, err)
		return
	}
	c.TrackSub(key)
}

func (a *App) leaveMeeting(c *Conn, callID string) {
	key := c.ID + ":meeting:" + callID
	if err := a.bus.Unsubscribe(key); err != nil {
		log.Printf("[gateway] leave meeting %s conn=%s: %v", callID, c.ID, err)
	}
	c.UntrackSub(key)
}

func (a *App) handleFriendRequest(c *Conn, raw interface{}) {
	msg := raw.(protocol.FriendRequestMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if !a.allowed(ctx, c, c.UserID, ratelimit.RuleFriendRequest) {
		return
	}
	if msg.RecipientID == "" {
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "recipient_id required"))
		return
	}

	if err := a.contacts.SendRequest(ctx, c.UserID, msg.RecipientID); err != nil {
		a.dispatcher.reply(c, ledgerFailure(err))
		return
	}

	a.notifier.NotifyRequestUpdate(ctx, msg.RecipientID, c.UserID, "received")
	a.dispatcher.reply(c, protocol.OK(nil))
}

func (a *App) handleResolveRequest(c *Conn, raw interface{}) {
	msg := raw.(protocol.ResolveRequestMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if msg.SenderID == "" {
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "sender_id required"))
		return
	}

	if err := a.contacts.ResolveRequest(ctx, c.UserID, msg.SenderID, msg.Accept); err != nil {
		a.dispatcher.reply(c, ledgerFailure(err))
		return
	}

	if msg.Accept {
		a.notifier.NotifyRequestUpdate(ctx, msg.SenderID, c.UserID, "accepted")
	}
	a.dispatcher.reply(c, protocol.OK(nil))
}

func (a *App) handleRemoveContact(c *Conn, raw interface{}) {
	msg := raw.(protocol.RemoveContactMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if msg.UserID == "" {
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "user_id required"))
		return
	}

	if err := a.contacts.RemoveContact(ctx, c.UserID, msg.UserID); err != nil {
		a.dispatcher.reply(c, ledgerFailure(err))
		return
	}
	a.dispatcher.reply(c, protocol.OK(nil))
}

// handleBindThread points the device's event stream at a thread-scoped
// group. Routed payloads for this device and thread then bypass the device
// group.
func (a *App) handleBindThread(c *Conn, raw interface{}) {
	msg := raw.(protocol.BindThreadMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if msg.ThreadID == "" {
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeInvalidRequest, "thread_id required"))
		return
	}

	if _, err := a.presence.RegisterOrUpdate(ctx, c.UserID, c.DeviceID, presence.Caps{
		ThreadID: presence.String(msg.ThreadID),
	}); err != nil {
		log.Printf("[gateway] bind thread conn=%s: %v", c.ID, err)
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeUnexpectedException, "thread binding failed"))
		return
	}

	key := c.ID + ":thread"
	// Rebinding moves the subscription to the new thread.
	_ = a.bus.Unsubscribe(key)
	if err := a.bus.Subscribe(messaging.ThreadGroup(msg.ThreadID), key, func(data []byte) {
		if err := c.Write(data); err != nil {
			log.Printf("[gateway] forward thread to conn=%s: %v", c.ID, err)
		}
	}); err != nil {
		log.Printf("[gateway] subscribe thread conn=%s: %v", c.ID, err)
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeUnexpectedException, "thread binding failed"))
		return
	}
	c.TrackSub(key)

	a.dispatcher.reply(c, protocol.OK(nil))
}

func (a *App) handleUnbindThread(c *Conn, raw interface{}) {
	_ = raw.(protocol.UnbindThreadMsg)
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	if _, err := a.presence.RegisterOrUpdate(ctx, c.UserID, c.DeviceID, presence.Caps{
		ThreadID: presence.String(""),
	}); err != nil {
		log.Printf("[gateway] unbind thread conn=%s: %v", c.ID, err)
		a.dispatcher.reply(c, protocol.Fail(protocol.CodeUnexpectedException, "thread unbinding failed"))
		return
	}

	key := c.ID + ":thread"
	if err := a.bus.Unsubscribe(key); err != nil {
		log.Printf("[gateway] unsubscribe thread conn=%s: %v", c.ID, err)
	}
	c.UntrackSub(key)

	a.dispatcher.reply(c, protocol.OK(nil))
}

// ledgerFailure maps contact-ledger errors onto stable failure codes.
func ledgerFailure(err error) protocol.Result {
	switch {
	case errors.Is(err, contacts.ErrDuplicateRequest):
		return protocol.Fail(protocol.CodeDuplicateRequest, "request already pending")
	case errors.Is(err, contacts.ErrLimitExceeded):
		return protocol.Fail(protocol.CodeLimitExceeded, "pending request limit reached")
	case errors.Is(err, contacts.ErrInvalidRequest):
		return protocol.Fail(protocol.CodeInvalidRequest, "invalid contact operation")
	default:
		log.Printf("[gateway] contact ledger error: %v", err)
		return protocol.Fail(protocol.CodeUnexpectedException, "contact operation failed")
	}
}
