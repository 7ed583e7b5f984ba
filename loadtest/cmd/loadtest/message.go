package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cjinn/messenger/loadtest/client"
	"github.com/cjinn/messenger/loadtest/stats"
)

// runMessage measures delivery round-trip latency. Credentials are split
// into sender/receiver pairs; each sender submits messages addressed to
// its partner's device and times the gap between submission and the
// completion signal for that message id.
func runMessage(args []string) {
	fs := flag.NewFlagSet("message", flag.ExitOnError)
	var (
		serverURL = fs.String("server", "ws://localhost:8080", "Server base URL")
		credsPath = fs.String("creds", "credentials.csv", "Credential file (token,device_token per line)")
		pairs     = fs.Int("pairs", 50, "Number of sender/receiver pairs")
		messages  = fs.Int("messages", 20, "Messages each sender submits")
		rate      = fs.Duration("rate", 200*time.Millisecond, "Delay between a sender's messages")
	)
	fs.Parse(args)

	creds, err := loadCredentials(*credsPath)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	if *pairs*2 > len(creds) {
		log.Printf("Only %d credentials available, capping at %d pairs", len(creds), len(creds)/2)
		*pairs = len(creds) / 2
	}

	log.Printf("Delivery test: %d pairs, %d messages each at one per %v", *pairs, *messages, *rate)

	collector := stats.NewCollector()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < *pairs; i++ {
		wg.Add(1)
		go func(sender, receiver credential, pair int) {
			defer wg.Done()
			if err := runPair(ctx, *serverURL, sender, receiver, pair, *messages, *rate, collector); err != nil {
				collector.AddError()
				log.Printf("Pair %d: %v", pair, err)
			}
		}(creds[i*2], creds[i*2+1], i)
	}
	wg.Wait()

	collector.Report()
}

// runPair connects both sides of a pair, then drives the sender side.
// The receiver connects first so the thread has a reachable socket.
func runPair(ctx context.Context, serverURL string, senderCred, receiverCred credential, pair, messages int, rate time.Duration, collector *stats.Collector) error {
	receiver, err := connect(ctx, serverURL, receiverCred)
	if err != nil {
		return fmt.Errorf("receiver connect: %w", err)
	}
	defer receiver.Close()

	sender, err := connect(ctx, serverURL, senderCred)
	if err != nil {
		return fmt.Errorf("sender connect: %w", err)
	}
	defer sender.Close()

	var (
		mu        sync.Mutex
		submitted = make(map[string]time.Time)
		remaining = messages
	)
	doneCh := make(chan struct{})

	sender.On(client.TypeCompletionSignal, func(raw json.RawMessage) {
		var signal struct {
			Success bool `json:"success"`
			Data    struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &signal); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		sentAt, ok := submitted[signal.Data.ID]
		if !ok {
			return
		}
		delete(submitted, signal.Data.ID)
		if signal.Success {
			collector.AddDeliveryLatency(time.Since(sentAt))
		} else {
			collector.AddError()
		}
		remaining--
		if remaining == 0 {
			close(doneCh)
		}
	})

	threadID := fmt.Sprintf("loadtest-thread-%d", pair)
	for i := 0; i < messages; i++ {
		item := client.MessageItem{
			ID:                  fmt.Sprintf("loadtest-%d-%d-%d", pair, i, time.Now().UnixNano()),
			ThreadID:            threadID,
			DestinationDeviceID: receiver.DeviceID(),
			Contents:            fmt.Sprintf("payload %d", i),
		}
		mu.Lock()
		submitted[item.ID] = time.Now()
		mu.Unlock()
		if err := sender.SendMessage(item); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		time.Sleep(rate)
	}

	select {
	case <-doneCh:
		return nil
	case <-time.After(30 * time.Second):
		mu.Lock()
		missing := len(submitted)
		mu.Unlock()
		for j := 0; j < missing; j++ {
			collector.AddError()
		}
		return fmt.Errorf("timed out with %d completion signals outstanding", missing)
	}
}

func connect(ctx context.Context, serverURL string, cred credential) (*client.Client, error) {
	cl, err := client.New(ctx, serverURL, cred.Token, cred.DeviceToken)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := cl.WaitForConnected(waitCtx); err != nil {
		cl.Close()
		return nil, err
	}
	return cl, nil
}
