package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/cjinn/messenger/internal/directory"
	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/presence"
	"github.com/cjinn/messenger/internal/protocol"
)

// ---------------------------------------------------------------------------
// In-memory fakes shared by the package tests
// ---------------------------------------------------------------------------

type busMessage struct {
	group   string
	payload []byte
}

type fakeBus struct {
	mu   sync.Mutex
	sent []busMessage
	err  error
}

func (b *fakeBus) Broadcast(group string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.sent = append(b.sent, busMessage{group: group, payload: payload})
	return nil
}

func (b *fakeBus) groups() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.sent {
		out = append(out, m.group)
	}
	return out
}

type fakeDirectory struct {
	mu      sync.Mutex
	devices map[string]*directory.Device
	cleared []string
}

func newFakeDirectory(devices ...*directory.Device) *fakeDirectory {
	d := &fakeDirectory{devices: make(map[string]*directory.Device)}
	for _, dev := range devices {
		d.devices[dev.ID] = dev
	}
	return d
}

func (d *fakeDirectory) Device(_ context.Context, deviceID string) (*directory.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[deviceID], nil
}

func (d *fakeDirectory) DevicesOf(_ context.Context, userID string) ([]directory.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []directory.Device
	for _, dev := range d.devices {
		if dev.UserID == userID {
			out = append(out, *dev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *fakeDirectory) SetFetchesSocket(_ context.Context, deviceID string, fetches bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dev, ok := d.devices[deviceID]; ok {
		dev.FetchesSocket = fetches
	}
	if !fetches {
		d.cleared = append(d.cleared, deviceID)
	}
	return nil
}

type fakePresence struct {
	mu       sync.Mutex
	sessions map[string]map[string]*presence.DeviceSession // userID -> deviceID
}

func newFakePresence() *fakePresence {
	return &fakePresence{sessions: make(map[string]map[string]*presence.DeviceSession)}
}

func (p *fakePresence) add(userID string, session presence.DeviceSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[userID] == nil {
		p.sessions[userID] = make(map[string]*presence.DeviceSession)
	}
	p.sessions[userID][session.DeviceID] = &session
}

func (p *fakePresence) Find(_ context.Context, userID string) (*presence.Subscriber, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	byDevice, ok := p.sessions[userID]
	if !ok {
		return nil, nil
	}
	sub := &presence.Subscriber{UserID: userID}
	var ids []string
	for id := range byDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sub.Devices = append(sub.Devices, *byDevice[id])
	}
	return sub, nil
}

func (p *fakePresence) FindDevice(_ context.Context, userID, deviceID string) (*presence.DeviceSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if byDevice, ok := p.sessions[userID]; ok {
		if s, ok := byDevice[deviceID]; ok {
			copied := *s
			return &copied, nil
		}
	}
	return nil, nil
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string // device ids
	err  error
}

func (s *fakeSender) Send(_ context.Context, device *directory.Device, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, device.ID)
	return nil
}

func decodeIncoming(t *testing.T, payload []byte) protocol.MessageItem {
	t.Helper()
	var incoming protocol.IncomingMessage
	if err := json.Unmarshal(payload, &incoming); err != nil {
		t.Fatalf("decode incoming: %v", err)
	}
	if incoming.Type != protocol.TypeIncomingMessage {
		t.Fatalf("expected %s payload, got %s", protocol.TypeIncomingMessage, incoming.Type)
	}
	var item protocol.MessageItem
	if err := json.Unmarshal(incoming.Data, &item); err != nil {
		t.Fatalf("decode item: %v", err)
	}
	return item
}

// ---------------------------------------------------------------------------
// Router tests
// ---------------------------------------------------------------------------

func TestDeliver_SocketTransport(t *testing.T) {
	dir := newFakeDirectory(&directory.Device{ID: "dev-1", UserID: "bob"})
	pres := newFakePresence()
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-1", ReachableSocket: true})
	bus := &fakeBus{}
	router := NewRouter(pres, dir, bus, &fakeSender{}, nil)

	item := protocol.MessageItem{ID: "m1", ThreadID: "t1", DestinationDeviceID: "dev-1", Contents: "hi"}
	transport, err := router.Deliver(context.Background(), item)
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if transport != TransportSocket {
		t.Fatalf("expected socket transport, got %s", transport)
	}

	if len(bus.sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(bus.sent))
	}
	if want := messaging.DeviceGroup("bob", "dev-1"); bus.sent[0].group != want {
		t.Errorf("expected group %s, got %s", want, bus.sent[0].group)
	}
	if got := decodeIncoming(t, bus.sent[0].payload); got.ID != "m1" || got.Contents != "hi" {
		t.Errorf("payload altered: %+v", got)
	}
}

func TestDeliver_ThreadBoundDeviceUsesThreadGroup(t *testing.T) {
	dir := newFakeDirectory(&directory.Device{ID: "dev-1", UserID: "bob"})
	pres := newFakePresence()
	pres.add("bob", presence.DeviceSession{DeviceID: "dev-1", ReachableSocket: true, ThreadID: "t1"})
	bus := &fakeBus{}
	router := NewRouter(pres, dir, bus, nil, nil)

	// Message in the bound thread goes to the thread group.
	if _, err := router.Deliver(context.Background(), protocol.MessageItem{
		ID: "m1", ThreadID: "t1", DestinationDeviceID: "dev-1",
	}); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	// A different thread still goes to the device group.
	if _, err := router.Deliver(context.Background(), protocol.MessageItem{
		ID: "m2", ThreadID: "t2", DestinationDeviceID: "dev-1",
	}); err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}

	want := []string{messaging.ThreadGroup("t1"), messaging.DeviceGroup("bob", "dev-1")}
	got := bus.groups()
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("expected groups %v, got %v", want, got)
	}
}

func TestDeliver_FallsBackToPushAndClearsStaleFlag(t *testing.T) {
	dev := &directory.Device{ID: "dev-1", UserID: "bob", FetchesSocket: true, FCMRegistrationID: "reg-1"}
	dir := newFakeDirectory(dev)
	bus := &fakeBus{}
	fcm := &fakeSender{}
	router := NewRouter(newFakePresence(), dir, bus, fcm, nil)

	transport, err := router.Deliver(context.Background(), protocol.MessageItem{
		ID: "m1", DestinationDeviceID: "dev-1",
	})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if transport != TransportFCM {
		t.Fatalf("expected fcm transport, got %s", transport)
	}
	if len(fcm.sent) != 1 || fcm.sent[0] != "dev-1" {
		t.Errorf("expected fcm push to dev-1, got %v", fcm.sent)
	}
	if len(dir.cleared) != 1 || dir.cleared[0] != "dev-1" {
		t.Errorf("stale fetches_socket flag not cleared: %v", dir.cleared)
	}
	if len(bus.sent) != 0 {
		t.Errorf("no socket broadcast expected, got %d", len(bus.sent))
	}
}

func TestDeliver_APNSWhenNoFCM(t *testing.T) {
	dir := newFakeDirectory(&directory.Device{ID: "dev-1", UserID: "bob", APNSToken: "apns-1"})
	apns := &fakeSender{}
	router := NewRouter(newFakePresence(), dir, &fakeBus{}, &fakeSender{}, apns)

	transport, err := router.Deliver(context.Background(), protocol.MessageItem{
		ID: "m1", DestinationDeviceID: "dev-1",
	})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if transport != TransportAPNS {
		t.Fatalf("expected apns transport, got %s", transport)
	}
	if len(apns.sent) != 1 {
		t.Errorf("expected apns push, got %v", apns.sent)
	}
}

func TestDeliver_Unreachable(t *testing.T) {
	// Registered but offline with no push credentials.
	dir := newFakeDirectory(&directory.Device{ID: "dev-1", UserID: "bob"})
	router := NewRouter(newFakePresence(), dir, &fakeBus{}, &fakeSender{}, &fakeSender{})

	transport, err := router.Deliver(context.Background(), protocol.MessageItem{
		ID: "m1", DestinationDeviceID: "dev-1",
	})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if transport != TransportUnreachable {
		t.Errorf("expected unreachable, got %s", transport)
	}

	// Unknown destination device.
	transport, err = router.Deliver(context.Background(), protocol.MessageItem{
		ID: "m2", DestinationDeviceID: "no-such-device",
	})
	if err != nil {
		t.Fatalf("Deliver() error: %v", err)
	}
	if transport != TransportUnreachable {
		t.Errorf("expected unreachable for unknown device, got %s", transport)
	}
}

func TestDeliver_PushFailureReturnsError(t *testing.T) {
	dir := newFakeDirectory(&directory.Device{ID: "dev-1", UserID: "bob", FCMRegistrationID: "reg-1"})
	fcm := &fakeSender{err: errors.New("gateway down")}
	router := NewRouter(newFakePresence(), dir, &fakeBus{}, fcm, nil)

	transport, err := router.Deliver(context.Background(), protocol.MessageItem{
		ID: "m1", DestinationDeviceID: "dev-1",
	})
	if transport != TransportFCM {
		t.Errorf("expected fcm transport, got %s", transport)
	}
	if err == nil {
		t.Error("expected push failure surfaced")
	}
}

func TestSendCompletionSignal_SocketSource(t *testing.T) {
	dir := newFakeDirectory(&directory.Device{ID: "dev-1", UserID: "alice"})
	pres := newFakePresence()
	pres.add("alice", presence.DeviceSession{DeviceID: "dev-1", ReachableSocket: true})
	bus := &fakeBus{}
	router := NewRouter(pres, dir, bus, nil, nil)

	item := protocol.MessageItem{ID: "m1", DestinationDeviceID: "dev-2"}
	router.SendCompletionSignal(context.Background(), "alice", "dev-1", item, false)

	if len(bus.sent) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(bus.sent))
	}
	if want := messaging.DeviceGroup("alice", "dev-1"); bus.sent[0].group != want {
		t.Errorf("expected group %s, got %s", want, bus.sent[0].group)
	}
	var sig protocol.CompletionSignal
	if err := json.Unmarshal(bus.sent[0].payload, &sig); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if sig.Type != protocol.TypeCompletionSignal || sig.Success {
		t.Errorf("unexpected completion signal: %+v", sig)
	}
	var echoed protocol.MessageItem
	if err := json.Unmarshal(sig.Data, &echoed); err != nil {
		t.Fatalf("decode echoed item: %v", err)
	}
	if echoed.ID != "m1" {
		t.Errorf("expected original item echoed, got %+v", echoed)
	}
}

func TestSendCompletionSignal_PushFallbackForOfflineSource(t *testing.T) {
	// The sender dropped off the socket after submitting but still has a push
	// credential on record; the outcome follows it over FCM.
	dir := newFakeDirectory(&directory.Device{ID: "dev-src", UserID: "alice", FCMRegistrationID: "reg-1"})
	bus := &fakeBus{}
	fcm := &fakeSender{}
	router := NewRouter(newFakePresence(), dir, bus, fcm, nil)

	item := protocol.MessageItem{ID: "m1", DestinationDeviceID: "dev-2"}
	router.SendCompletionSignal(context.Background(), "alice", "dev-src", item, true)

	if len(fcm.sent) != 1 || fcm.sent[0] != "dev-src" {
		t.Fatalf("expected completion over fcm to dev-src, got %v", fcm.sent)
	}
	if len(bus.sent) != 0 {
		t.Errorf("no socket broadcast expected for an offline source, got %v", bus.groups())
	}
}

func TestSendCompletionSignal_UnknownSourceFallsBackToSocket(t *testing.T) {
	// Source device record gone mid-flight: best-effort socket broadcast only.
	bus := &fakeBus{}
	router := NewRouter(newFakePresence(), newFakeDirectory(), bus, &fakeSender{}, nil)

	router.SendCompletionSignal(context.Background(), "alice", "dev-gone",
		protocol.MessageItem{ID: "m1"}, false)

	groups := bus.groups()
	if len(groups) != 1 || groups[0] != messaging.DeviceGroup("alice", "dev-gone") {
		t.Errorf("expected fallback broadcast to the device group, got %v", groups)
	}
}
