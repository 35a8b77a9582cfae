package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/whisper/nearchat/loadtest/client"
	"github.com/whisper/nearchat/loadtest/stats"
)

// connectAll opens n connections spread over ramp, at most concurrency at a
// time, printing progress every two seconds. It reports whether the context
// was cancelled before every connection was attempted.
func connectAll(ctx context.Context, url string, n int, ramp time.Duration, concurrency int, collector *stats.Collector) ([]*client.Client, bool) {
	var mu sync.Mutex
	clients := make([]*client.Client, 0, n)

	interval := ramp / time.Duration(n)
	if interval <= 0 {
		interval = time.Millisecond
	}

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	progressStop := make(chan struct{})
	var progressWg sync.WaitGroup
	progressWg.Add(1)
	go func() {
		defer progressWg.Done()
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [connect] connections: %d/%d  errors: %d\n",
					collector.ConnectionCount(), n, collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	rampStart := time.Now()
	rampTicker := time.NewTicker(interval)
	interrupted := false

	for launched := 0; launched < n && !interrupted; {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during connection phase.")
			interrupted = true
		case <-rampTicker.C:
			launched++
			wg.Add(1)
			sem <- struct{}{}

			go func() {
				defer wg.Done()
				defer func() { <-sem }()

				connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				defer cancel()

				c, err := client.New(connCtx, url)
				if err != nil {
					collector.AddError()
					return
				}
				collector.AddConnect(c.GetMetrics().ConnectLatency)

				mu.Lock()
				clients = append(clients, c)
				mu.Unlock()
			}()
		}
	}

	rampTicker.Stop()
	wg.Wait()
	close(progressStop)
	progressWg.Wait()

	fmt.Printf("\nConnected %d/%d clients in %s (%d errors)\n",
		len(clients), n, time.Since(rampStart).Round(time.Millisecond), collector.ErrorCount())
	return clients, interrupted
}

// cleanup closes all client connections.
func cleanup(clients []*client.Client) {
	fmt.Println("\n--- Cleanup ---")
	fmt.Printf("Closing %d connections...\n", len(clients))
	for _, c := range clients {
		c.Close()
	}
	fmt.Println("All connections closed.")
}

// city is a reference point used to spread simulated users geographically.
type city struct {
	name     string
	lat, lon float64
}

var cities = []city{
	{"Paris", 48.8566, 2.3522},
	{"Lyon", 45.7640, 4.8357},
	{"Berlin", 52.5200, 13.4050},
	{"Madrid", 40.4168, -3.7038},
	{"Tokyo", 35.6762, 139.6503},
	{"New York", 40.7128, -74.0060},
	{"Sao Paulo", -23.5505, -46.6333},
	{"Nairobi", -1.2921, 36.8219},
}

// sendLocation sends the location for client i according to spread:
// "none" shares no coordinates, "same" puts everyone in the first city and
// "cities" rotates through the reference list with a little jitter.
func sendLocation(c *client.Client, i int, spread string, rng *rand.Rand) error {
	switch spread {
	case "none":
		return c.SendLocation(0, 0, false)
	case "same":
		return c.SendLocation(cities[0].lat, cities[0].lon, true)
	default:
		ct := cities[i%len(cities)]
		return c.SendLocation(ct.lat+rng.Float64()*0.05, ct.lon+rng.Float64()*0.05, true)
	}
}
