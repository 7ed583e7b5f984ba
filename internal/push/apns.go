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

const apnsEndpoint = "https://api.push.apple.com/3/device"

// APNSSender delivers payloads through the Apple Push Notification service
// using provider-token authentication.
type APNSSender struct {
	bearerToken string
	topic       string
	endpoint    string
	client      *http.Client
}

// NewAPNSSender creates a sender for one app topic. bearerToken is a
// pre-signed provider JWT.
func NewAPNSSender(bearerToken, topic string) *APNSSender {
	return &APNSSender{
		bearerToken: bearerToken,
		topic:       topic,
		endpoint:    apnsEndpoint,
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Send pushes the payload to the device's APNS token.
func (s *APNSSender) Send(ctx context.Context, device *directory.Device, payload []byte) error {
	if device.APNSToken == "" {
		return ErrNoCredential
	}

	body, err := json.Marshal(map[string]json.RawMessage{
		"aps":  json.RawMessage(`{"content-available":1}`),
		"data": payload,
	})
	if err != nil {
		return fmt.Errorf("push: marshal apns request: %w", err)
	}

	url := s.endpoint + "/" + device.APNSToken
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build apns request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "bearer "+s.bearerToken)
	req.Header.Set("apns-topic", s.topic)
	req.Header.Set("apns-push-type", "background")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: apns send: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push: apns responded %d", resp.StatusCode)
	}
	return nil
}
