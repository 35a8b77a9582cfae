// Package main implements a standalone end-to-end integration test for the
// nearchat pairing server. It validates the full user journey against a
// running stack: health checks, pairing, chat relay, next, partner departure
// and rate limiting.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/whisper/nearchat/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// Paris, shared by every scenario so test clients pair with each other.
const (
	testLat = 48.8566
	testLon = 2.3522
)

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== nearchat E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var results []scenarioResult

	results = append(results, scenario1HealthCheck(ctx, *apiBase))
	results = append(results, scenario2Pairing(ctx, *wsURL))
	results = append(results, scenario3ChatRelay(ctx, *wsURL))
	results = append(results, scenario4Next(ctx, *wsURL))
	results = append(results, scenario5PartnerLeft(ctx, *wsURL))

	// Optional scenarios (non-fatal).
	results = append(results, scenario6RateLimiting(ctx, *wsURL))

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed := 0
	failed := 0
	info := 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	requiredTotal := passed + failed
	fmt.Printf("\n=== Results: %d/%d passed", passed, requiredTotal)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, apiBase string) scenarioResult {
	name := "Scenario 1: Health Check"

	body, err := httpGetBody(ctx, apiBase+"/health")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status  string `json:"status"`
		Waiting int    `json:"waiting"`
		Rooms   int    `json:"rooms"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}
	if health.Status != "ok" {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health status %q", health.Status)}
	}

	metricsBody, err := httpGetBody(ctx, apiBase+"/metrics")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "nearchat_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing nearchat_connections_total"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("waiting=%d, rooms=%d", health.Waiting, health.Rooms)}
}

// ---------------------------------------------------------------------------
// Scenario 2: Pairing
// ---------------------------------------------------------------------------

func scenario2Pairing(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 2: Pairing"

	clientA, clientB, err := connectAndPair(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer clientA.Close()
	defer clientB.Close()

	if clientA.RoomID() != clientB.RoomID() {
		return scenarioResult{name, resultFail, fmt.Sprintf("room mismatch: %s vs %s", clientA.RoomID(), clientB.RoomID())}
	}
	if clientA.SessionID() == clientB.SessionID() {
		return scenarioResult{name, resultFail, "both clients got the same session id"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("room=%s, a=%s, b=%s",
		truncateID(clientA.RoomID()), truncateID(clientA.SessionID()), truncateID(clientB.SessionID()))}
}

// ---------------------------------------------------------------------------
// Scenario 3: Chat Relay
// ---------------------------------------------------------------------------

func scenario3ChatRelay(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 3: Chat Relay"

	clientA, clientB, err := connectAndPair(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer clientA.Close()
	defer clientB.Close()

	echoA := make(chan string, 4)
	gotB := make(chan string, 4)
	clientA.On(client.TypeMessage, deliveredTo(echoA, "me"))
	clientB.On(client.TypeMessage, deliveredTo(gotB, "other"))

	const text = "Hello from e2e test!"
	if err := clientA.SendChat(text); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A send: %v", err)}
	}

	msgCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, ch := range []struct {
		who string
		c   chan string
	}{{"sender echo", echoA}, {"partner copy", gotB}} {
		select {
		case got := <-ch.c:
			if got != text {
				return scenarioResult{name, resultFail, fmt.Sprintf("%s: expected %q, got %q", ch.who, text, got)}
			}
		case <-msgCtx.Done():
			return scenarioResult{name, resultFail, "timeout waiting for " + ch.who}
		}
	}

	return scenarioResult{name, resultPass, "echo=me, partner=other"}
}

// ---------------------------------------------------------------------------
// Scenario 4: Next
// ---------------------------------------------------------------------------

func scenario4Next(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 4: Next"

	clientA, clientB, err := connectAndPair(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer clientA.Close()
	defer clientB.Close()

	replaced := make(chan struct{}, 2)
	notify := func(json.RawMessage) { replaced <- struct{}{} }
	clientA.On(client.TypePartnerReplaced, notify)
	clientB.On(client.TypePartnerReplaced, notify)

	first := clientA.RoomID()
	if err := clientA.SendNext(); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send next: %v", err)}
	}

	nextCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		select {
		case <-replaced:
		case <-nextCtx.Done():
			return scenarioResult{name, resultFail, "timeout waiting for partner_replaced"}
		}
	}

	// With nobody else waiting the two re-enter the pool and pair again.
	second, err := clientA.WaitForNewRoom(nextCtx, first)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client A re-pair: %v", err)}
	}
	if _, err := clientB.WaitForNewRoom(nextCtx, first); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("client B re-pair: %v", err)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("room %s -> %s", truncateID(first), truncateID(second))}
}

// ---------------------------------------------------------------------------
// Scenario 5: Partner Left
// ---------------------------------------------------------------------------

func scenario5PartnerLeft(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 5: Partner Left"

	clientA, clientB, err := connectAndPair(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultFail, err.Error()}
	}
	defer clientB.Close()

	left := make(chan struct{}, 1)
	waiting := make(chan struct{}, 1)
	clientB.On(client.TypePartnerLeft, func(json.RawMessage) { left <- struct{}{} })
	clientB.On(client.TypeWaiting, func(json.RawMessage) {
		select {
		case waiting <- struct{}{}:
		default:
		}
	})

	clientA.Close()

	leftCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	select {
	case <-left:
	case <-leftCtx.Done():
		return scenarioResult{name, resultFail, "timeout waiting for partner_left"}
	}
	select {
	case <-waiting:
	case <-leftCtx.Done():
		return scenarioResult{name, resultFail, "timeout waiting for waiting after partner_left"}
	}

	return scenarioResult{name, resultPass, "partner_left then waiting"}
}

// ---------------------------------------------------------------------------
// Scenario 6: Rate Limiting (optional)
// ---------------------------------------------------------------------------

func scenario6RateLimiting(ctx context.Context, wsURL string) scenarioResult {
	name := "Scenario 6: Rate Limiting (optional)"

	clientA, clientB, err := connectAndPair(ctx, wsURL)
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer clientA.Close()
	defer clientB.Close()

	limited := make(chan int, 1)
	clientA.On(client.TypeRateLimited, func(raw json.RawMessage) {
		var msg struct {
			RetryAfter int `json:"retry_after"`
		}
		_ = json.Unmarshal(raw, &msg)
		select {
		case limited <- msg.RetryAfter:
		default:
		}
	})

	// The chat rule allows 5 messages per 10 seconds.
	for i := 0; i < 8; i++ {
		if err := clientA.SendChat(fmt.Sprintf("burst %d", i)); err != nil {
			return scenarioResult{name, resultInfo, fmt.Sprintf("send: %v", err)}
		}
	}

	rlCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	select {
	case retry := <-limited:
		return scenarioResult{name, resultPass, fmt.Sprintf("retry_after=%ds", retry)}
	case <-rlCtx.Done():
		return scenarioResult{name, resultInfo, "no rate_limited received (limiter may be disabled)"}
	}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// connectAndPair connects two clients at the same location and waits until
// both are in the same room. A registers first so it is the one waiting.
func connectAndPair(ctx context.Context, wsURL string) (clientA, clientB *client.Client, err error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	clientA, err = client.New(connCtx, wsURL)
	if err != nil {
		return nil, nil, fmt.Errorf("client A connect: %w", err)
	}
	clientB, err = client.New(connCtx, wsURL)
	if err != nil {
		clientA.Close()
		return nil, nil, fmt.Errorf("client B connect: %w", err)
	}

	fail := func(err error) (*client.Client, *client.Client, error) {
		clientA.Close()
		clientB.Close()
		return nil, nil, err
	}

	waiting := make(chan struct{}, 1)
	clientA.On(client.TypeWaiting, func(json.RawMessage) {
		select {
		case waiting <- struct{}{}:
		default:
		}
	})

	if err := clientA.SendLocation(testLat, testLon, true); err != nil {
		return fail(fmt.Errorf("client A location: %w", err))
	}
	select {
	case <-waiting:
	case <-connCtx.Done():
		return fail(fmt.Errorf("timeout waiting for client A to be waiting"))
	}
	clientA.On(client.TypeWaiting, nil)

	if err := clientB.SendLocation(testLat, testLon, true); err != nil {
		return fail(fmt.Errorf("client B location: %w", err))
	}

	roomA, err := clientA.WaitForPaired(connCtx)
	if err != nil {
		return fail(fmt.Errorf("client A paired: %w", err))
	}
	roomB, err := clientB.WaitForPaired(connCtx)
	if err != nil {
		return fail(fmt.Errorf("client B paired: %w", err))
	}
	if roomA != roomB {
		return fail(fmt.Errorf("paired into different rooms (another client is waiting on the server?)"))
	}
	return clientA, clientB, nil
}

// deliveredTo returns a message handler that forwards texts tagged with
// sender to ch.
func deliveredTo(ch chan<- string, sender string) func(json.RawMessage) {
	return func(raw json.RawMessage) {
		var msg struct {
			Text   string `json:"text"`
			Sender string `json:"sender"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Sender != sender {
			return
		}
		select {
		case ch <- msg.Text:
		default:
		}
	}
}

// httpGetBody performs an HTTP GET and returns the response body.
func httpGetBody(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
