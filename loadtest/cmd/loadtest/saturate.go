package main

import (
	"context"
	"flag"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cjinn/messenger/loadtest/client"
	"github.com/cjinn/messenger/loadtest/stats"
)

// runSaturate opens as many idle authenticated connections as the
// credential file allows, holding each one open for the duration of
// the test. Connections answer pings from their read loop only, so
// the measured cost is the server's per-connection overhead.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	var (
		serverURL   = fs.String("server", "ws://localhost:8080", "Server base URL")
		credsPath   = fs.String("creds", "credentials.csv", "Credential file (token,device_token per line)")
		connections = fs.Int("connections", 1000, "Number of connections to open")
		rampUp      = fs.Duration("ramp-up", 30*time.Second, "Time over which connections are opened")
		hold        = fs.Duration("hold", 60*time.Second, "How long to hold connections after ramp-up")
	)
	fs.Parse(args)

	creds, err := loadCredentials(*credsPath)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	if *connections > len(creds) {
		log.Printf("Only %d credentials available, capping connections", len(creds))
		*connections = len(creds)
	}

	log.Printf("Saturation test: %d connections, ramp-up %v, hold %v", *connections, *rampUp, *hold)

	collector := stats.NewCollector()
	interval := *rampUp / time.Duration(*connections)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu      sync.Mutex
		clients []*client.Client
	)
	var wg sync.WaitGroup

	start := time.Now()
	for i := 0; i < *connections; i++ {
		wg.Add(1)
		go func(cred credential) {
			defer wg.Done()

			dialStart := time.Now()
			cl, err := client.New(ctx, *serverURL, cred.Token, cred.DeviceToken)
			if err != nil {
				collector.AddError()
				return
			}

			waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
			err = cl.WaitForConnected(waitCtx)
			waitCancel()
			if err != nil {
				collector.AddError()
				cl.Close()
				return
			}
			collector.AddConnect(time.Since(dialStart))

			mu.Lock()
			clients = append(clients, cl)
			mu.Unlock()
		}(creds[i])

		time.Sleep(interval)
	}
	wg.Wait()

	log.Printf("Ramp-up complete in %v: %d connected, %d failed",
		time.Since(start).Round(time.Millisecond), collector.ConnectionCount(), collector.ErrorCount())

	log.Printf("Holding for %v...", *hold)
	holdEnd := time.After(*hold)
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for done := false; !done; {
		select {
		case <-holdEnd:
			done = true
		case <-ticker.C:
			alive := 0
			mu.Lock()
			for _, cl := range clients {
				if err := cl.Ping(); err == nil {
					alive++
				}
			}
			mu.Unlock()
			log.Printf("Alive: %d/%d", alive, len(clients))
		}
	}

	mu.Lock()
	for _, cl := range clients {
		cl.Close()
	}
	mu.Unlock()

	collector.Report()
	if collector.ErrorCount() > *connections/10 {
		os.Exit(1)
	}
}
