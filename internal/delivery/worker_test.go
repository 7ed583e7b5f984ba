package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/cjinn/messenger/internal/directory"
	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/presence"
	"github.com/cjinn/messenger/internal/protocol"
)

type fakeMailbox struct {
	mu      sync.Mutex
	boxes   map[string][]string
	removed []string
}

func newFakeMailbox() *fakeMailbox {
	return &fakeMailbox{boxes: make(map[string][]string)}
}

func (m *fakeMailbox) Enqueue(_ context.Context, deviceID, taskID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boxes[deviceID] = append(m.boxes[deviceID], taskID)
	return "", nil
}

func (m *fakeMailbox) Remove(_ context.Context, deviceID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tasks := m.boxes[deviceID]
	for i, id := range tasks {
		if id == taskID {
			m.boxes[deviceID] = append(tasks[:i], tasks[i+1:]...)
			break
		}
	}
	m.removed = append(m.removed, taskID)
	return nil
}

func (m *fakeMailbox) length(deviceID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[deviceID])
}

func TestPool_PreservesPerDeviceOrder(t *testing.T) {
	devices := []*directory.Device{
		{ID: "dev-a", UserID: "ua"},
		{ID: "dev-b", UserID: "ub"},
	}
	dir := newFakeDirectory(devices...)
	pres := newFakePresence()
	pres.add("ua", presence.DeviceSession{DeviceID: "dev-a", ReachableSocket: true})
	pres.add("ub", presence.DeviceSession{DeviceID: "dev-b", ReachableSocket: true})
	bus := &fakeBus{}
	router := NewRouter(pres, dir, bus, nil, nil)
	pool := NewPool(router, newFakeMailbox(), 4)

	// Interleave submissions across two devices.
	const perDevice = 20
	for i := 0; i < perDevice; i++ {
		for _, dev := range []string{"dev-a", "dev-b"} {
			if _, err := pool.Submit(context.Background(), Task{
				SourceUserID:   "sender",
				SourceDeviceID: "dev-src",
				Item: protocol.MessageItem{
					ID:                  fmt.Sprintf("%s-%02d", dev, i),
					DestinationDeviceID: dev,
				},
			}); err != nil {
				t.Fatalf("Submit() error: %v", err)
			}
		}
	}
	pool.Close()

	// Incoming payloads per device group must appear in submission order.
	seen := map[string][]string{}
	bus.mu.Lock()
	for _, m := range bus.sent {
		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(m.payload, &env); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if env.Type != protocol.TypeIncomingMessage {
			continue
		}
		var item protocol.MessageItem
		if err := json.Unmarshal(env.Data, &item); err != nil {
			t.Fatalf("decode item: %v", err)
		}
		seen[m.group] = append(seen[m.group], item.ID)
	}
	bus.mu.Unlock()

	for dev, user := range map[string]string{"dev-a": "ua", "dev-b": "ub"} {
		got := seen[messaging.DeviceGroup(user, dev)]
		if len(got) != perDevice {
			t.Fatalf("device %s: expected %d deliveries, got %d", dev, perDevice, len(got))
		}
		for i, id := range got {
			if want := fmt.Sprintf("%s-%02d", dev, i); id != want {
				t.Fatalf("device %s: position %d expected %s, got %s (order broken)", dev, i, want, id)
			}
		}
	}
}

func TestPool_SendsCompletionSignal(t *testing.T) {
	// One reachable destination, one unreachable.
	dir := newFakeDirectory(&directory.Device{ID: "dev-a", UserID: "ua"})
	pres := newFakePresence()
	pres.add("ua", presence.DeviceSession{DeviceID: "dev-a", ReachableSocket: true})
	bus := &fakeBus{}
	router := NewRouter(pres, dir, bus, nil, nil)
	mbox := newFakeMailbox()
	pool := NewPool(router, mbox, 1)

	for _, dest := range []string{"dev-a", "dev-gone"} {
		if _, err := pool.Submit(context.Background(), Task{
			SourceUserID:   "sender",
			SourceDeviceID: "dev-src",
			Item:           protocol.MessageItem{ID: "to-" + dest, DestinationDeviceID: dest},
		}); err != nil {
			t.Fatalf("Submit() error: %v", err)
		}
	}
	pool.Close()

	completions := map[string]bool{}
	bus.mu.Lock()
	for _, m := range bus.sent {
		if m.group != messaging.DeviceGroup("sender", "dev-src") {
			continue
		}
		var sig protocol.CompletionSignal
		if err := json.Unmarshal(m.payload, &sig); err != nil || sig.Type != protocol.TypeCompletionSignal {
			continue
		}
		var item protocol.MessageItem
		if err := json.Unmarshal(sig.Data, &item); err != nil {
			t.Fatalf("decode completion item: %v", err)
		}
		completions[item.ID] = sig.Success
	}
	bus.mu.Unlock()

	if success, ok := completions["to-dev-a"]; !ok || !success {
		t.Errorf("expected successful completion for dev-a, got %v (present=%v)", success, ok)
	}
	if success, ok := completions["to-dev-gone"]; !ok || success {
		t.Errorf("expected failed completion for unreachable device, got %v (present=%v)", success, ok)
	}
}

func TestPool_MailboxTrackedAroundExecution(t *testing.T) {
	dir := newFakeDirectory(&directory.Device{ID: "dev-a", UserID: "ua"})
	pres := newFakePresence()
	pres.add("ua", presence.DeviceSession{DeviceID: "dev-a", ReachableSocket: true})
	router := NewRouter(pres, dir, &fakeBus{}, nil, nil)
	mbox := newFakeMailbox()
	pool := NewPool(router, mbox, 1)

	taskID, err := pool.Submit(context.Background(), Task{
		SourceUserID:   "sender",
		SourceDeviceID: "dev-src",
		Item:           protocol.MessageItem{ID: "m1", DestinationDeviceID: "dev-a"},
	})
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	if taskID == "" {
		t.Error("Submit() must assign a task id")
	}
	pool.Close()

	if n := mbox.length("dev-a"); n != 0 {
		t.Errorf("expected empty mailbox after completion, got %d entries", n)
	}
	mbox.mu.Lock()
	defer mbox.mu.Unlock()
	if len(mbox.removed) != 1 || mbox.removed[0] != taskID {
		t.Errorf("expected task %s removed from mailbox, got %v", taskID, mbox.removed)
	}
}
