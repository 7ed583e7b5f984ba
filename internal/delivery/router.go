// Package delivery routes message payloads to destination devices. Transport
// selection prefers the live socket session and falls back to mobile push;
// devices with no usable transport are reported unreachable rather than
// queued. Ordering per destination device is preserved by the worker pool.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/cjinn/messenger/internal/directory"
	"github.com/cjinn/messenger/internal/messaging"
	"github.com/cjinn/messenger/internal/metrics"
	"github.com/cjinn/messenger/internal/presence"
	"github.com/cjinn/messenger/internal/protocol"
	"github.com/cjinn/messenger/internal/push"
)

// Transport is the channel a payload was (or would be) delivered over.
type Transport string

const (
	TransportSocket      Transport = "socket"
	TransportFCM         Transport = "fcm"
	TransportAPNS        Transport = "apns"
	TransportUnreachable Transport = "unreachable"
)

// Broadcaster publishes a payload to a pub/sub group.
type Broadcaster interface {
	Broadcast(group string, payload []byte) error
}

// Directory is the slice of the device directory the router reads.
type Directory interface {
	Device(ctx context.Context, deviceID string) (*directory.Device, error)
	DevicesOf(ctx context.Context, userID string) ([]directory.Device, error)
	SetFetchesSocket(ctx context.Context, deviceID string, fetches bool) error
}

// Presence is the slice of the presence store the router reads.
type Presence interface {
	Find(ctx context.Context, userID string) (*presence.Subscriber, error)
	FindDevice(ctx context.Context, userID, deviceID string) (*presence.DeviceSession, error)
}

// Router resolves transports and pushes payloads toward destination devices.
type Router struct {
	presence  Presence
	directory Directory
	bus       Broadcaster
	fcm       push.Sender
	apns      push.Sender
}

// NewRouter creates a router. fcm and apns may be nil, in which case devices
// carrying only that credential resolve as unreachable.
func NewRouter(pres Presence, dir Directory, bus Broadcaster, fcm, apns push.Sender) *Router {
	return &Router{presence: pres, directory: dir, bus: bus, fcm: fcm, apns: apns}
}

// ResolveTransport picks the delivery channel for a device: the socket when a
// live presence session reports it reachable, otherwise FCM, otherwise APNS,
// otherwise unreachable. A device flagged as socket-connected in the
// directory but absent from the presence store had its flag go stale (server
// crash, dropped cleanup); the flag is corrected here as a side effect.
func (r *Router) ResolveTransport(ctx context.Context, device *directory.Device) (Transport, *presence.DeviceSession, error) {
	session, err := r.presence.FindDevice(ctx, device.UserID, device.ID)
	if err != nil {
		return TransportUnreachable, nil, fmt.Errorf("delivery: presence lookup: %w", err)
	}
	if session != nil && session.ReachableSocket {
		return TransportSocket, session, nil
	}

	if device.FetchesSocket {
		if err := r.directory.SetFetchesSocket(ctx, device.ID, false); err != nil {
			log.Printf("[delivery] failed to clear stale socket flag device=%s: %v", device.ID, err)
		}
	}

	if device.FCMRegistrationID != "" && r.fcm != nil {
		return TransportFCM, session, nil
	}
	if device.APNSToken != "" && r.apns != nil {
		return TransportAPNS, session, nil
	}
	return TransportUnreachable, session, nil
}

// Deliver routes one message item to its destination device and reports the
// transport used. A destination the directory does not know, or one with no
// usable transport, resolves to TransportUnreachable with a nil error; the
// caller decides how to report that to the sender.
func (r *Router) Deliver(ctx context.Context, item protocol.MessageItem) (Transport, error) {
	started := time.Now()
	transport, err := r.deliver(ctx, item)
	metrics.DispatchesTotal.WithLabelValues(string(transport)).Inc()
	metrics.DispatchLatency.Observe(time.Since(started).Seconds())
	return transport, err
}

func (r *Router) deliver(ctx context.Context, item protocol.MessageItem) (Transport, error) {
	device, err := r.directory.Device(ctx, item.DestinationDeviceID)
	if err != nil {
		return TransportUnreachable, err
	}
	if device == nil {
		return TransportUnreachable, nil
	}

	transport, session, err := r.ResolveTransport(ctx, device)
	if err != nil {
		return TransportUnreachable, err
	}

	payload, err := incomingPayload(item)
	if err != nil {
		return transport, err
	}

	switch transport {
	case TransportSocket:
		// A device that bound itself to the message's thread listens on the
		// thread group instead of its device group.
		group := messaging.DeviceGroup(device.UserID, device.ID)
		if session.ThreadID != "" && session.ThreadID == item.ThreadID {
			group = messaging.ThreadGroup(item.ThreadID)
		}
		if err := r.bus.Broadcast(group, payload); err != nil {
			return transport, fmt.Errorf("delivery: socket broadcast: %w", err)
		}
	case TransportFCM:
		if err := r.fcm.Send(ctx, device, payload); err != nil {
			return transport, fmt.Errorf("delivery: fcm: %w", err)
		}
	case TransportAPNS:
		if err := r.apns.Send(ctx, device, payload); err != nil {
			return transport, fmt.Errorf("delivery: apns: %w", err)
		}
	}
	return transport, nil
}

// SendToDevice routes a ready event payload to a single device over its
// resolved transport: socket broadcast to the device group, or the matching
// push sender. The thread-group override does not apply here; only message
// items follow a bound thread.
func (r *Router) SendToDevice(ctx context.Context, device *directory.Device, payload []byte) (Transport, error) {
	transport, _, err := r.ResolveTransport(ctx, device)
	if err != nil {
		return TransportUnreachable, err
	}
	switch transport {
	case TransportSocket:
		err = r.bus.Broadcast(messaging.DeviceGroup(device.UserID, device.ID), payload)
	case TransportFCM:
		err = r.fcm.Send(ctx, device, payload)
	case TransportAPNS:
		err = r.apns.Send(ctx, device, payload)
	}
	return transport, err
}

// SendCompletionSignal reports the outcome of a delivery task back to the
// device that submitted it, re-resolving the source's transport so a sender
// that dropped off the socket after submitting still gets the outcome over
// push.
func (r *Router) SendCompletionSignal(ctx context.Context, sourceUserID, sourceDeviceID string, item protocol.MessageItem, success bool) {
	data, err := json.Marshal(item)
	if err != nil {
		log.Printf("[delivery] marshal completion data: %v", err)
		return
	}
	payload, err := protocol.NewServerMessage(protocol.TypeCompletionSignal, protocol.CompletionSignal{
		Data:    data,
		Success: success,
	})
	if err != nil {
		log.Printf("[delivery] build completion signal: %v", err)
		return
	}

	device, err := r.directory.Device(ctx, sourceDeviceID)
	if err != nil {
		log.Printf("[delivery] source device %s: %v", sourceDeviceID, err)
	}
	if device == nil {
		// The source unregistered mid-flight; a socket broadcast is the only
		// channel left to try.
		if err := r.bus.Broadcast(messaging.DeviceGroup(sourceUserID, sourceDeviceID), payload); err != nil {
			log.Printf("[delivery] completion signal to %s/%s: %v", sourceUserID, sourceDeviceID, err)
		}
		return
	}

	transport, err := r.SendToDevice(ctx, device, payload)
	if err != nil {
		log.Printf("[delivery] completion signal to %s/%s over %s: %v",
			sourceUserID, sourceDeviceID, transport, err)
	}
}

func incomingPayload(item protocol.MessageItem) ([]byte, error) {
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("delivery: marshal message item: %w", err)
	}
	payload, err := protocol.NewServerMessage(protocol.TypeIncomingMessage, protocol.IncomingMessage{Data: data})
	if err != nil {
		return nil, fmt.Errorf("delivery: build incoming message: %w", err)
	}
	return payload, nil
}
