// Package push delivers payloads to devices that are not reachable over the
// socket gateway, through FCM or APNS depending on which credential the
// device carries.
package push

import (
	"context"
	"errors"
	"log"

	"github.com/cjinn/messenger/internal/directory"
)

// ErrNoCredential is returned when the device carries no token for the
// chosen transport.
var ErrNoCredential = errors.New("push: device has no credential for transport")

// Sender pushes one payload to one device.
type Sender interface {
	Send(ctx context.Context, device *directory.Device, payload []byte) error
}

// LogSender writes pushes to the process log instead of an external service.
// Used in development and in tests.
type LogSender struct {
	Name string
}

// Send logs the payload and always succeeds.
func (s *LogSender) Send(_ context.Context, device *directory.Device, payload []byte) error {
	log.Printf("[push] %s -> device %s (%d bytes)", s.Name, device.ID, len(payload))
	return nil
}
