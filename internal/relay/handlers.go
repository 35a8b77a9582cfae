// Package relay binds client protocol messages to pairing operations. It is
// the only place where connection ids, session ids, location lookups and rate
// limits meet.
package relay

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/whisper/nearchat/internal/location"
	"github.com/whisper/nearchat/internal/matching"
	"github.com/whisper/nearchat/internal/metrics"
	"github.com/whisper/nearchat/internal/protocol"
	"github.com/whisper/nearchat/internal/ratelimit"
	"github.com/whisper/nearchat/internal/ws"
)

const (
	// DefaultLookupTimeout bounds one location resolution across all tiers.
	DefaultLookupTimeout = 5 * time.Second

	limiterTimeout = 2 * time.Second
)

// Handlers holds the collaborators the message handlers need.
type Handlers struct {
	orch          *matching.Orchestrator
	resolver      *location.Resolver
	limiter       *ratelimit.Limiter
	lookupTimeout time.Duration

	lookups sync.WaitGroup
}

// New creates Handlers. limiter may be nil to disable rate limiting.
func New(orch *matching.Orchestrator, resolver *location.Resolver, limiter *ratelimit.Limiter, lookupTimeout time.Duration) *Handlers {
	if resolver == nil {
		resolver = location.NewResolver(nil, nil)
	}
	if lookupTimeout <= 0 {
		lookupTimeout = DefaultLookupTimeout
	}
	return &Handlers{
		orch:          orch,
		resolver:      resolver,
		limiter:       limiter,
		lookupTimeout: lookupTimeout,
	}
}

// Register installs every client message handler on d.
func (h *Handlers) Register(d *ws.MessageDispatcher) {
	d.Register(protocol.TypeLocation, h.handleLocation)
	d.Register(protocol.TypeChat, h.handleChat)
	d.Register(protocol.TypeNext, h.handleNext)
	d.Register(protocol.TypeStop, h.handleStop)
}

// OnDisconnect is the ws.Server disconnect callback.
func (h *Handlers) OnDisconnect(connID string) {
	h.orch.HandleDisconnect(connID)

	ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
	defer cancel()
	if err := h.limiter.Reset(ctx, connID, ratelimit.RuleChat, ratelimit.RuleLocation, ratelimit.RuleNext); err != nil {
		log.Printf("[relay] reset rate limits conn=%s: %v", connID, err)
	}
}

// Wait blocks until every in-flight location lookup has finished.
func (h *Handlers) Wait() {
	h.lookups.Wait()
}

// handleLocation resolves the client's location off the read worker and then
// registers the connection for pairing.
func (h *Handlers) handleLocation(conn *ws.Connection, msg protocol.ClientMessage) {
	lm, ok := msg.(protocol.LocationMsg)
	if !ok {
		return
	}
	if !h.allow(conn, ratelimit.RuleLocation) {
		return
	}

	q := location.Query{IP: conn.RemoteIP}
	if lm.HasCoordinates() {
		q.Coords = &location.Coordinates{Latitude: *lm.Latitude, Longitude: *lm.Longitude}
	}

	h.lookups.Add(1)
	go func() {
		defer h.lookups.Done()

		ctx, cancel := context.WithTimeout(context.Background(), h.lookupTimeout)
		profile, tier := h.resolver.Resolve(ctx, q)
		cancel()
		metrics.LocationLookups.WithLabelValues(string(tier)).Inc()

		if !conn.IsOpen() {
			return
		}
		sessionID, err := h.orch.Register(conn, profile)
		switch {
		case errors.Is(err, matching.ErrAlreadyPaired):
			log.Printf("[relay] location ignored, session %s is paired", sessionID)
		case errors.Is(err, matching.ErrTransportClosed):
		case err != nil:
			log.Printf("[relay] register conn=%s: %v", conn.ID, err)
		default:
			log.Printf("[relay] conn=%s session=%s registered (%s, %s)", conn.ID, sessionID, tier, profile)
		}
	}()
}

func (h *Handlers) handleChat(conn *ws.Connection, msg protocol.ClientMessage) {
	cm, ok := msg.(protocol.ChatMsg)
	if !ok {
		return
	}
	if !h.allow(conn, ratelimit.RuleChat) {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return
	}

	sessionID, ok := h.orch.SessionFor(conn.ID)
	if !ok {
		return
	}
	if cm.SenderID != "" && cm.SenderID != sessionID {
		log.Printf("[relay] dropping chat conn=%s: sender_id does not match session", conn.ID)
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return
	}

	// Unknown rooms and non-members are expected races after a next or a
	// disconnect; the orchestrator already counts them as dropped.
	_ = h.orch.DeliverMessage(cm.RoomID, sessionID, cm.Text)
}

func (h *Handlers) handleNext(conn *ws.Connection, msg protocol.ClientMessage) {
	nm, ok := msg.(protocol.NextMsg)
	if !ok {
		return
	}
	if !h.allow(conn, ratelimit.RuleNext) {
		return
	}

	sessionID, ok := h.orch.SessionFor(conn.ID)
	if !ok {
		return
	}
	if err := h.orch.RequestNext(sessionID, nm.RoomID); err == nil {
		log.Printf("[relay] session=%s requested next, room=%s closed", sessionID, nm.RoomID)
	}
}

// handleStop ends the session but keeps the connection open; a later
// location message starts a new session.
func (h *Handlers) handleStop(conn *ws.Connection, _ protocol.ClientMessage) {
	h.orch.HandleDisconnect(conn.ID)
}

// allow applies rule to the connection and tells the client when it is
// exceeded.
func (h *Handlers) allow(conn *ws.Connection, rule ratelimit.Rule) bool {
	ctx, cancel := context.WithTimeout(context.Background(), limiterTimeout)
	defer cancel()

	if ok, _ := h.limiter.Allow(ctx, conn.ID, rule); ok {
		return true
	}

	retry := h.limiter.RetryAfter(ctx, conn.ID, rule)
	data, err := protocol.NewServerMessage(protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(retry / time.Second),
	})
	if err == nil {
		_ = conn.Send(data)
	}
	log.Printf("[relay] rate limited conn=%s rule=%s", conn.ID, rule.Key)
	return false
}
