// Package stats aggregates latency samples from load test clients and prints
// a percentile summary at the end of a run.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// series is one named latency distribution.
type series struct {
	label   string
	samples []time.Duration
}

func (s *series) add(d time.Duration) {
	s.samples = append(s.samples, d)
}

// quantile returns the sample at fraction q of the sorted series. The caller
// sorts once before reading quantiles.
func (s *series) quantile(q float64) time.Duration {
	if len(s.samples) == 0 {
		return 0
	}
	idx := int(q * float64(len(s.samples)-1))
	return s.samples[idx]
}

func (s *series) print() {
	if len(s.samples) == 0 {
		return
	}
	sort.Slice(s.samples, func(i, j int) bool { return s.samples[i] < s.samples[j] })

	var total time.Duration
	for _, d := range s.samples {
		total += d
	}

	fmt.Printf("\n--- %s ---\n", s.label)
	fmt.Printf("  samples: %d\n", len(s.samples))
	fmt.Printf("  avg:     %v\n", (total / time.Duration(len(s.samples))).Round(time.Microsecond))
	fmt.Printf("  p50:     %v\n", s.quantile(0.50).Round(time.Microsecond))
	fmt.Printf("  p95:     %v\n", s.quantile(0.95).Round(time.Microsecond))
	fmt.Printf("  p99:     %v\n", s.quantile(0.99).Round(time.Microsecond))
	fmt.Printf("  max:     %v\n", s.samples[len(s.samples)-1].Round(time.Microsecond))
}

// Collector accumulates results from all client goroutines in a run.
type Collector struct {
	mu       sync.Mutex
	connects series
	delivers series
	errors   int
	started  time.Time
}

// NewCollector creates a Collector with the start time set to now.
func NewCollector() *Collector {
	return &Collector{
		connects: series{label: "Connect Latency"},
		delivers: series{label: "Delivery Latency (submit -> completion_signal)"},
		started:  time.Now(),
	}
}

// AddConnect records a successful connection and how long it took to reach
// the connected handshake.
func (c *Collector) AddConnect(d time.Duration) {
	c.mu.Lock()
	c.connects.add(d)
	c.mu.Unlock()
}

// AddDeliveryLatency records one submit-to-completion round trip.
func (c *Collector) AddDeliveryLatency(d time.Duration) {
	c.mu.Lock()
	c.delivers.add(d)
	c.mu.Unlock()
}

// AddError counts one failed operation of any kind.
func (c *Collector) AddError() {
	c.mu.Lock()
	c.errors++
	c.mu.Unlock()
}

// ConnectionCount returns how many successful connections were recorded.
func (c *Collector) ConnectionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.connects.samples)
}

// ErrorCount returns how many errors were recorded.
func (c *Collector) ErrorCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errors
}

// Report prints the run summary to stdout.
func (c *Collector) Report() {
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Println()
	fmt.Println("==================== RESULTS ====================")
	fmt.Printf("  duration:    %v\n", time.Since(c.started).Round(time.Millisecond))
	fmt.Printf("  connections: %d\n", len(c.connects.samples))
	fmt.Printf("  deliveries:  %d\n", len(c.delivers.samples))
	fmt.Printf("  errors:      %d\n", c.errors)

	c.connects.print()
	c.delivers.print()

	fmt.Println()
	fmt.Println("=================================================")
}
