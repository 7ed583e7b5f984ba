package delivery

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/cjinn/messenger/internal/directory"
	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/presence"
	"github.com/cjinn/messenger/internal/protocol"
)

type fakeContacts map[string][]string

func (c fakeContacts) Contacts(_ context.Context, userID string) ([]string, error) {
	return c[userID], nil
}

type fakeThreads map[string][]string

func (th fakeThreads) Members(_ context.Context, threadID string) ([]string, error) {
	return th[threadID], nil
}

func TestNotifyOnline_OnlySubscribedDevices(t *testing.T) {
	pres := newFakePresence()
	// bob: one device subscribed to friend-online events, one not, one offline.
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-1", ReachableSocket: true, FriendOnline: true})
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-2", ReachableSocket: true, FriendOnline: false})
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-3", ReachableSocket: false, FriendOnline: true})
	// carol is a contact with no presence at all.
	bus := &fakeBus{}
	router := NewRouter(pres, newFakeDirectory(), bus, nil, nil)
	notifier := NewNotifier(pres, fakeContacts{"alice": {"bob", "carol"}}, fakeThreads{}, router, bus)

	notifier.NotifyOnline(context.Background(), "alice", "online")

	groups := bus.groups()
	if len(groups) != 1 || groups[0] != messaging.DeviceGroup("bob", "dev-1") {
		t.Fatalf("expected single broadcast to bob/dev-1, got %v", groups)
	}
	var msg protocol.FriendOnline
	if err := json.Unmarshal(bus.sent[0].payload, &msg); err != nil {
		t.Fatalf("decode friend_online: %v", err)
	}
	if msg.Type != protocol.TypeFriendOnline || msg.UserID != "alice" || msg.Status != "online" {
		t.Errorf("unexpected friend_online payload: %+v", msg)
	}
}

func TestNotifyRequestUpdate_OnlyOptedInDevices(t *testing.T) {
	pres := newFakePresence()
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-1", ReachableSocket: true, PendingRequests: true})
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-2", ReachableSocket: true, PendingRequests: false})
	bus := &fakeBus{}
	router := NewRouter(pres, newFakeDirectory(), bus, nil, nil)
	notifier := NewNotifier(pres, fakeContacts{}, fakeThreads{}, router, bus)

	notifier.NotifyRequestUpdate(context.Background(), "bob", "alice", "received")

	groups := bus.groups()
	if len(groups) != 1 || groups[0] != messaging.DeviceGroup("bob", "dev-1") {
		t.Fatalf("expected single broadcast to bob/dev-1, got %v", groups)
	}
	var upd protocol.RequestUpdate
	if err := json.Unmarshal(bus.sent[0].payload, &upd); err != nil {
		t.Fatalf("decode request_update: %v", err)
	}
	if upd.UserID != "alice" || upd.Kind != "received" {
		t.Errorf("unexpected request_update: %+v", upd)
	}
}

func TestFanOutSeen_ReachesMemberDevices(t *testing.T) {
	dir := newFakeDirectory(
		&directory.Device{ID: "dev-1", UserID: "alice"},
		&directory.Device{ID: "dev-2", UserID: "alice"},
		&directory.Device{ID: "dev-bob-push", UserID: "bob", FCMRegistrationID: "reg-1"},
		&directory.Device{ID: "dev-bob-sock", UserID: "bob"},
	)
	pres := newFakePresence()
	pres.add("alice", presence.DeviceSession{DeviceID: "dev-1", ReachableSocket: true})
	pres.add("alice", presence.DeviceSession{DeviceID: "dev-2", ReachableSocket: true})
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-bob-sock", ReachableSocket: true})
	bus := &fakeBus{}
	fcm := &fakeSender{}
	router := NewRouter(pres, dir, bus, fcm, nil)
	notifier := NewNotifier(pres, fakeContacts{}, fakeThreads{"t1": {"alice", "bob"}}, router, bus)

	notifier.FanOutSeen(context.Background(), "alice", "dev-1", protocol.SeenMessagesMsg{
		ThreadID:   "t1",
		MessageIDs: []string{"m1", "m2"},
	})

	// The reporting device is skipped; alice's other device and bob's online
	// device get the signal over the bus, bob's offline phone over push.
	groups := bus.groups()
	want := []string{messaging.DeviceGroup("alice", "dev-2"), messaging.DeviceGroup("bob", "dev-bob-sock")}
	if len(groups) != 2 || groups[0] != want[0] || groups[1] != want[1] {
		t.Fatalf("expected broadcasts %v, got %v", want, groups)
	}
	if len(fcm.sent) != 1 || fcm.sent[0] != "dev-bob-push" {
		t.Errorf("expected push fallback to dev-bob-push, got %v", fcm.sent)
	}
	var sig protocol.SeenSignal
	if err := json.Unmarshal(bus.sent[0].payload, &sig); err != nil {
		t.Fatalf("decode seen_signal: %v", err)
	}
	var inner protocol.SeenMessagesMsg
	if err := json.Unmarshal(sig.Data, &inner); err != nil {
		t.Fatalf("decode seen data: %v", err)
	}
	if inner.ThreadID != "t1" || len(inner.MessageIDs) != 2 {
		t.Errorf("unexpected seen data: %+v", inner)
	}
}

func TestSignalUser_RoutesPerDeviceTransport(t *testing.T) {
	dir := newFakeDirectory(
		&directory.Device{ID: "dev-sock", UserID: "bob"},
		&directory.Device{ID: "dev-push", UserID: "bob", FCMRegistrationID: "reg-1"},
		&directory.Device{ID: "dev-dead", UserID: "bob"},
	)
	pres := newFakePresence()
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-sock", ReachableSocket: true})
	bus := &fakeBus{}
	fcm := &fakeSender{}
	router := NewRouter(pres, dir, bus, fcm, nil)
	notifier := NewNotifier(pres, fakeContacts{}, fakeThreads{}, router, bus)

	notifier.SignalUser(context.Background(), "alice", "bob", protocol.MeetingSignal{
		SignalType: protocol.SignalOffer,
		CallID:     "call-1",
	})

	groups := bus.groups()
	if len(groups) != 1 || groups[0] != messaging.DeviceGroup("bob", "dev-sock") {
		t.Errorf("expected socket delivery to dev-sock only, got %v", groups)
	}
	if len(fcm.sent) != 1 || fcm.sent[0] != "dev-push" {
		t.Errorf("expected fcm delivery to dev-push, got %v", fcm.sent)
	}
	var sig protocol.MeetingSignal
	if err := json.Unmarshal(bus.sent[0].payload, &sig); err != nil {
		t.Fatalf("decode meeting signal: %v", err)
	}
	if sig.From != "alice" || sig.CallID != "call-1" {
		t.Errorf("unexpected meeting signal: %+v", sig)
	}
}
