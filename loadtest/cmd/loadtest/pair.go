package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/nearchat/loadtest/stats"
)

// runPair implements the pairing load test. Every client connects, sends its
// location and waits for "paired". This measures pairing throughput and the
// latency of location resolution plus the candidate scan under concurrent
// load.
func runPair(args []string) {
	fs := flag.NewFlagSet("pair", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 500, "Number of user pairs to form")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	pairTimeout := fs.Duration("pair-timeout", 30*time.Second, "Timeout waiting for paired")
	spread := fs.String("spread", "cities", "Location spread: none, same or cities")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	seed := fs.Int64("seed", 1, "Seed for location jitter")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Pair test: %d pairs (%d clients) to %s (ramp=%s, pair-timeout=%s, spread=%s, concurrency=%d)\n",
		*pairs, totalClients, *url, *rampUp, *pairTimeout, *spread, *concurrency)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := stats.NewCollector()
	scraper := stats.NewScraper(*metricsURL, *scrapeInterval)
	collector.SetScraper(scraper)
	scraper.Start(ctx)

	// -----------------------------------------------------------------------
	// Phase 1: Connect all users
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 1: Connect all users ---")
	clients, interrupted := connectAll(ctx, *url, totalClients, *rampUp, *concurrency, collector)
	if interrupted {
		fmt.Println("Interrupted, skipping pairing phase.")
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: Send locations and wait for pairing
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Pairing ---")

	var pairedCount atomic.Int64
	var wg sync.WaitGroup
	rng := rand.New(rand.NewSource(*seed))
	pairStart := time.Now()

	for i, c := range clients {
		sent := time.Now()
		if err := sendLocation(c, i, *spread, rng); err != nil {
			collector.AddError()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			waitCtx, cancel := context.WithTimeout(ctx, *pairTimeout)
			defer cancel()

			if _, err := c.WaitForPaired(waitCtx); err != nil {
				if ctx.Err() == nil {
					collector.AddError()
				}
				return
			}
			collector.AddPairLatency(time.Since(sent))
			pairedCount.Add(1)
		}()
	}

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [pair] paired clients: %d/%d  errors: %d\n",
					pairedCount.Load(), len(clients), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	wg.Wait()
	close(progressStop)
	pairElapsed := time.Since(pairStart)

	// -----------------------------------------------------------------------
	// Final report
	// -----------------------------------------------------------------------
	paired := pairedCount.Load()
	fmt.Printf("\n--- Pair Results ---\n")
	fmt.Printf("Clients paired:   %d / %d\n", paired, len(clients))
	fmt.Printf("Rooms formed:     ~%d / %d\n", paired/2, *pairs)
	fmt.Printf("Pair duration:    %s\n", pairElapsed.Round(time.Millisecond))
	if pairElapsed.Seconds() > 0 {
		fmt.Printf("Pair throughput:  %.1f rooms/s\n", float64(paired/2)/pairElapsed.Seconds())
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}
