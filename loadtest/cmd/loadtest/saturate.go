package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/nearchat/loadtest/client"
	"github.com/whisper/nearchat/loadtest/stats"
)

// runSaturate implements the connection saturation test. It opens N
// connections, optionally enters each one into the pairing pool with a
// coordinate-free location, and then holds them while pinging at the
// application level. Dropped connections and partner_left notices during the
// hold show where the server starts shedding load.
func runSaturate(args []string) {
	fs := flag.NewFlagSet("saturate", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	connections := fs.Int("connections", 1000, "Number of connections to open")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration")
	hold := fs.Duration("hold", 30*time.Second, "Hold duration after all connections are open")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	mode := fs.String("mode", "pool", "idle: transport only; pool: send a location without coordinates and hold in the pool")
	ackTimeout := fs.Duration("ack-timeout", 15*time.Second, "Timeout waiting for waiting/paired after a location")
	pingInterval := fs.Duration("ping-interval", 5*time.Second, "Interval between application pings during hold")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	fs.Parse(args)

	fmt.Printf("Saturate test: %d connections to %s (mode=%s, ramp=%s, hold=%s, concurrency=%d)\n",
		*connections, *url, *mode, *rampUp, *hold, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *pingInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Ramp-up phase
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Ramp-up phase ---")
	clients, interrupted := connectAll(ctx, *url, *connections, *rampUp, *concurrency, collector)

	var pongs, partnerLeft, waiting, paired atomic.Int64
	for _, c := range clients {
		c.On(client.TypePong, func(json.RawMessage) { pongs.Add(1) })
		c.On(client.TypePartnerLeft, func(json.RawMessage) { partnerLeft.Add(1) })
	}

	// -----------------------------------------------------------------------
	// Pool phase: every connection registers without coordinates, so the
	// server resolves it by address and the pool fills as fast as it pairs.
	// -----------------------------------------------------------------------
	if !interrupted && *mode == "pool" {
		fmt.Println("\n--- Pool phase ---")
		var wg sync.WaitGroup
		for _, c := range clients {
			acked := make(chan string, 2)
			ack := func(kind string) func(json.RawMessage) {
				return func(json.RawMessage) {
					select {
					case acked <- kind:
					default:
					}
				}
			}
			c.On(client.TypeWaiting, ack(client.TypeWaiting))
			c.On(client.TypePaired, ack(client.TypePaired))

			sent := time.Now()
			if err := c.SendLocation(0, 0, false); err != nil {
				collector.AddError()
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case kind := <-acked:
					collector.AddAckLatency(time.Since(sent))
					if kind == client.TypePaired {
						paired.Add(1)
					} else {
						waiting.Add(1)
					}
				case <-time.After(*ackTimeout):
					collector.AddError()
				case <-ctx.Done():
				}
			}()
		}
		wg.Wait()
		fmt.Printf("Location acks: waiting first=%d  paired first=%d  errors=%d\n",
			waiting.Load(), paired.Load(), collector.ErrorCount())
	}

	// -----------------------------------------------------------------------
	// Hold phase (skipped if ramp-up was interrupted)
	// -----------------------------------------------------------------------
	var dropped int
	if !interrupted && ctx.Err() == nil {
		fmt.Println("\n--- Hold phase ---")
		fmt.Printf("Holding %d connections for %s...\n", len(clients), *hold)

		holdTimer := time.NewTimer(*hold)
		pingTicker := time.NewTicker(*pingInterval)

	holdLoop:
		for {
			select {
			case <-ctx.Done():
				fmt.Println("\nInterrupted during hold phase.")
				break holdLoop
			case <-holdTimer.C:
				fmt.Println("\nHold period complete.")
				break holdLoop
			case <-pingTicker.C:
				alive := 0
				for _, c := range clients {
					if !c.Alive() {
						continue
					}
					alive++
					if err := c.Send(map[string]string{"type": client.TypePing}); err != nil {
						collector.AddError()
					}
				}
				dropped = len(clients) - alive
				fmt.Printf("  [hold] alive: %d/%d  dropped: %d  pongs: %d  partner_left: %d\n",
					alive, len(clients), dropped, pongs.Load(), partnerLeft.Load())
			}
		}

		holdTimer.Stop()
		pingTicker.Stop()
	}

	cleanup(clients)
	scraper.Stop()

	if dropped > 0 {
		fmt.Printf("\nConnections dropped during hold: %d\n", dropped)
	}
	collector.Report()
}
