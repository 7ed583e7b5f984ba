package delivery

import (
	"context"
	"encoding/json"
	"log"

	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/protocol"
)

// ContactSource lists a user's established contacts.
type ContactSource interface {
	Contacts(ctx context.Context, userID string) ([]string, error)
}

// ThreadSource lists the member user ids of a thread. Thread membership is
// owned elsewhere; this core only reads it.
type ThreadSource interface {
	Members(ctx context.Context, threadID string) ([]string, error)
}

// Notifier fans presence transitions, seen markers, and call invitations out
// to the devices that subscribed to them.
type Notifier struct {
	presence Presence
	contacts ContactSource
	threads  ThreadSource
	router   *Router
	bus      Broadcaster
}

// NewNotifier creates a notifier sharing the router's transport resolution.
func NewNotifier(pres Presence, cts ContactSource, threads ThreadSource, router *Router, bus Broadcaster) *Notifier {
	return &Notifier{presence: pres, contacts: cts, threads: threads, router: router, bus: bus}
}

// NotifyOnline announces userID's presence transition ("online" or
// "offline") to every contact device that opted into friend-online events.
// Fan-out failures are logged per contact and do not stop the loop.
func (n *Notifier) NotifyOnline(ctx context.Context, userID, status string) {
	ids, err := n.contacts.Contacts(ctx, userID)
	if err != nil {
		log.Printf("[delivery] contacts of %s: %v", userID, err)
		return
	}

	payload, err := protocol.NewServerMessage(protocol.TypeFriendOnline, protocol.FriendOnline{
		UserID: userID,
		Status: status,
	})
	if err != nil {
		log.Printf("[delivery] build friend_online: %v", err)
		return
	}

	for _, contactID := range ids {
		sub, err := n.presence.Find(ctx, contactID)
		if err != nil {
			log.Printf("[delivery] presence of %s: %v", contactID, err)
			continue
		}
		if sub == nil {
			continue
		}
		for _, dev := range sub.Devices {
			if !dev.FriendOnline || !dev.ReachableSocket {
				continue
			}
			if err := n.bus.Broadcast(messaging.DeviceGroup(contactID, dev.DeviceID), payload); err != nil {
				log.Printf("[delivery] friend_online to %s/%s: %v", contactID, dev.DeviceID, err)
			}
		}
	}
}

// NotifyRequestUpdate tells toUserID's devices about friend-request activity
// from fromUserID. Only devices that opted into request notifications and are
// socket-reachable get it; everyone else sees the change on their next fetch.
func (n *Notifier) NotifyRequestUpdate(ctx context.Context, toUserID, fromUserID, kind string) {
	payload, err := protocol.NewServerMessage(protocol.TypeRequestUpdate, protocol.RequestUpdate{
		UserID: fromUserID,
		Kind:   kind,
	})
	if err != nil {
		log.Printf("[delivery] build request_update: %v", err)
		return
	}

	sub, err := n.presence.Find(ctx, toUserID)
	if err != nil {
		log.Printf("[delivery] presence of %s: %v", toUserID, err)
		return
	}
	if sub == nil {
		return
	}
	for _, dev := range sub.Devices {
		if !dev.PendingRequests || !dev.ReachableSocket {
			continue
		}
		if err := n.bus.Broadcast(messaging.DeviceGroup(toUserID, dev.DeviceID), payload); err != nil {
			log.Printf("[delivery] request_update to %s/%s: %v", toUserID, dev.DeviceID, err)
		}
	}
}

// FanOutSeen tells every device of the thread's members, except the one that
// reported the seen state, that messages in the thread were seen. Each device
// gets its resolved transport so offline phones clear their badge over push.
// The reporting user's own other devices are members' devices like any other.
func (n *Notifier) FanOutSeen(ctx context.Context, userID, fromDeviceID string, msg protocol.SeenMessagesMsg) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[delivery] marshal seen data: %v", err)
		return
	}
	payload, err := protocol.NewServerMessage(protocol.TypeSeenSignal, protocol.SeenSignal{Data: data})
	if err != nil {
		log.Printf("[delivery] build seen_signal: %v", err)
		return
	}

	members, err := n.threads.Members(ctx, msg.ThreadID)
	if err != nil {
		log.Printf("[delivery] members of thread %s: %v", msg.ThreadID, err)
		return
	}
	for _, memberID := range members {
		devices, err := n.router.directory.DevicesOf(ctx, memberID)
		if err != nil {
			log.Printf("[delivery] devices of %s: %v", memberID, err)
			continue
		}
		for i := range devices {
			dev := &devices[i]
			if dev.ID == fromDeviceID {
				continue
			}
			transport, err := n.router.SendToDevice(ctx, dev, payload)
			if err != nil {
				log.Printf("[delivery] seen_signal to %s/%s over %s: %v",
					memberID, dev.ID, transport, err)
			}
		}
	}
}

// SignalUser delivers a call signal to every device of toUserID, using the
// per-device transport so an offline phone still rings over push. The
// caller's own devices are reached through the meeting group instead.
func (n *Notifier) SignalUser(ctx context.Context, fromUserID, toUserID string, signal protocol.MeetingSignal) {
	signal.From = fromUserID
	payload, err := protocol.NewServerMessage(protocol.TypeMeeting, signal)
	if err != nil {
		log.Printf("[delivery] build meeting signal: %v", err)
		return
	}

	devices, err := n.router.directory.DevicesOf(ctx, toUserID)
	if err != nil {
		log.Printf("[delivery] devices of %s: %v", toUserID, err)
		return
	}
	for i := range devices {
		dev := &devices[i]
		transport, err := n.router.SendToDevice(ctx, dev, payload)
		if err != nil {
			log.Printf("[delivery] meeting signal to %s/%s over %s: %v", toUserID, dev.ID, transport, err)
		}
	}
}
