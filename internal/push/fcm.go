package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cjinn/messenger/internal/directory"
)

const fcmEndpoint = "https://fcm.googleapis.com/fcm/send"

// FCMSender delivers payloads through Firebase Cloud Messaging.
type FCMSender struct {
	serverKey string
	endpoint  string
	client    *http.Client
}

// NewFCMSender creates a sender authenticated with the given server key.
func NewFCMSender(serverKey string) *FCMSender {
	return &FCMSender{
		serverKey: serverKey,
		endpoint:  fcmEndpoint,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

type fcmRequest struct {
	To   string          `json:"to"`
	Data json.RawMessage `json:"data"`
}

type fcmResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
}

// Send pushes the payload to the device's FCM registration id.
func (s *FCMSender) Send(ctx context.Context, device *directory.Device, payload []byte) error {
	if device.FCMRegistrationID == "" {
		return ErrNoCredential
	}

	body, err := json.Marshal(fcmRequest{To: device.FCMRegistrationID, Data: payload})
	if err != nil {
		return fmt.Errorf("push: marshal fcm request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build fcm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+s.serverKey)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: fcm send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push: fcm responded %d", resp.StatusCode)
	}
	var out fcmResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("push: decode fcm response: %w", err)
	}
	if out.Failure > 0 {
		return fmt.Errorf("push: fcm rejected %d of %d", out.Failure, out.Failure+out.Success)
	}
	return nil
}
