package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/whisper/nearchat/loadtest/client"
	"github.com/whisper/nearchat/loadtest/stats"
)

// runChat implements the full session lifecycle load test. Each simulated
// user goes through: connect -> location -> paired -> exchange messages ->
// next -> paired again, for a number of rounds. Message latency is measured
// from a send timestamp embedded in the text to its arrival at the partner.
func runChat(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	url := fs.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	pairs := fs.Int("pairs", 100, "Number of user pairs")
	rampUp := fs.Duration("ramp", 10*time.Second, "Ramp-up duration for connection creation")
	rounds := fs.Int("rounds", 3, "Number of partners each user chats with")
	chatDuration := fs.Duration("chat-duration", 15*time.Second, "How long each round of chatting lasts")
	msgInterval := fs.Duration("msg-interval", 2500*time.Millisecond, "Interval between messages per user")
	msgSize := fs.Int("msg-size", 128, "Size of each message payload in bytes")
	spread := fs.String("spread", "cities", "Location spread: none, same or cities")
	concurrency := fs.Int("concurrency", 50, "Maximum simultaneous connection attempts during ramp-up")
	pairTimeout := fs.Duration("pair-timeout", 30*time.Second, "Timeout waiting for paired")
	metricsURL := fs.String("metrics-url", "http://localhost:8080/metrics", "Prometheus metrics endpoint URL")
	scrapeInterval := fs.Duration("scrape-interval", 2*time.Second, "Interval between metrics scrapes")
	fs.Parse(args)

	totalClients := *pairs * 2

	fmt.Printf("Chat test: %d pairs (%d clients) to %s (rounds=%d, chat=%s, interval=%s, msg-size=%d)\n",
		*pairs, totalClients, *url, *rounds, *chatDuration, *msgInterval, *msgSize)

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
		cleanup(clients)
		scraper.Stop()
		collector.Report()
		return
	}

	// -----------------------------------------------------------------------
	// Phase 2: Chat rounds
	// -----------------------------------------------------------------------
	fmt.Println("\n--- Phase 2: Chat rounds ---")

	var sent, received, nexts, rateLimited atomic.Int64
	padding := strings.Repeat("x", *msgSize)

	for _, c := range clients {
		c.On(client.TypeMessage, func(raw json.RawMessage) {
			var msg struct {
				Text   string `json:"text"`
				Sender string `json:"sender"`
			}
			if err := json.Unmarshal(raw, &msg); err != nil || msg.Sender != "other" {
				return
			}
			received.Add(1)
			if ts, ok := sentAt(msg.Text); ok {
				collector.AddMsgLatency(time.Since(ts))
			}
		})
		c.On(client.TypeRateLimited, func(json.RawMessage) {
			rateLimited.Add(1)
		})
	}

	rng := rand.New(rand.NewSource(1))
	for i, c := range clients {
		if err := sendLocation(c, i, *spread, rng); err != nil {
			collector.AddError()
		}
	}

	start := time.Now()
	var wg sync.WaitGroup
	for i, c := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runChatter(ctx, c, i, *rounds, *chatDuration, *msgInterval, *pairTimeout, padding, collector, &sent, &nexts)
		}()
	}

	progressStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Printf("  [chat] sent: %d  received: %d  next: %d  rate_limited: %d  errors: %d\n",
					sent.Load(), received.Load(), nexts.Load(), rateLimited.Load(), collector.ErrorCount())
			case <-progressStop:
				return
			}
		}
	}()

	wg.Wait()
	close(progressStop)
	elapsed := time.Since(start)

	fmt.Printf("\n--- Chat Results ---\n")
	fmt.Printf("Messages sent:      %d\n", sent.Load())
	fmt.Printf("Messages received:  %d\n", received.Load())
	fmt.Printf("Next requests:      %d\n", nexts.Load())
	fmt.Printf("Rate limited:       %d\n", rateLimited.Load())
	fmt.Printf("Duration:           %s\n", elapsed.Round(time.Millisecond))
	if elapsed.Seconds() > 0 {
		fmt.Printf("Throughput:         %.1f msg/s\n", float64(received.Load())/elapsed.Seconds())
	}

	cleanup(clients)
	scraper.Stop()
	collector.Report()
}

// runChatter drives one client through its rounds. Even-indexed clients
// request next at the end of each round; odd-indexed clients wait to be
// moved on by their partner or by the next pairing.
func runChatter(ctx context.Context, c *client.Client, i, rounds int, chatDuration, msgInterval, pairTimeout time.Duration,
	padding string, collector *stats.Collector, sent, nexts *atomic.Int64) {
	room := ""
	for r := 0; r < rounds; r++ {
		waitCtx, cancel := context.WithTimeout(ctx, pairTimeout)
		start := time.Now()
		next, err := c.WaitForNewRoom(waitCtx, room)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				collector.AddError()
			}
			return
		}
		collector.AddPairLatency(time.Since(start))
		room = next

		roundEnd := time.NewTimer(chatDuration)
		ticker := time.NewTicker(msgInterval)
	chat:
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				roundEnd.Stop()
				return
			case <-roundEnd.C:
				break chat
			case <-ticker.C:
				if c.RoomID() != room {
					break chat
				}
				text := strconv.FormatInt(time.Now().UnixNano(), 10) + "|" + padding
				if err := c.SendChat(text); err == nil {
					sent.Add(1)
				}
			}
		}
		ticker.Stop()
		roundEnd.Stop()

		if i%2 == 0 && r < rounds-1 && c.RoomID() == room {
			if err := c.SendNext(); err == nil {
				nexts.Add(1)
			}
		}
	}
}

// sentAt extracts the send timestamp prefix from a load test message.
func sentAt(text string) (time.Time, bool) {
	prefix, _, ok := strings.Cut(text, "|")
	if !ok {
		return time.Time{}, false
	}
	ns, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, ns), true
}
