// Package pairlog records room metadata (who was paired with whom, how well
// they matched, and how the room ended) in PostgreSQL. Message text is never
// stored.
package pairlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/whisper/nearchat/internal/messaging"
)

// ErrNotFound is returned by Get for an unknown room.
var ErrNotFound = errors.New("pairlog: room not found")

// Room is one row of the pairing log. OpenedAt or ClosedAt is zero when the
// corresponding event has not been recorded.
type Room struct {
	RoomID      string    `json:"room_id"`
	Server      string    `json:"server"`
	SessionA    string    `json:"session_a"`
	SessionB    string    `json:"session_b"`
	CountryA    string    `json:"country_a"`
	CountryB    string    `json:"country_b"`
	PreciseA    bool      `json:"precise_a"`
	PreciseB    bool      `json:"precise_b"`
	Score       float64   `json:"score"`
	Strategy    string    `json:"strategy"`
	WaitedMs    int64     `json:"waited_ms"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
	CloseReason string    `json:"close_reason,omitempty"`
	LifetimeMs  int64     `json:"lifetime_ms"`
}

// Store manages the pairing log in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to the database at url and verifies the connection.
func Open(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("pairlog: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pairlog: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new pairing log store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// OpenRoom records a room-opened event. Opened and closed events for the same
// room may arrive in either order; each only fills its own columns.
func (s *Store) OpenRoom(ctx context.Context, ev messaging.RoomEvent) error {
	const query = `
		INSERT INTO rooms (room_id, server, session_a, session_b, country_a, country_b,
		                   precise_a, precise_b, score, strategy, waited_ms, opened_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (room_id) DO UPDATE SET
			server    = EXCLUDED.server,
			country_a = EXCLUDED.country_a,
			country_b = EXCLUDED.country_b,
			precise_a = EXCLUDED.precise_a,
			precise_b = EXCLUDED.precise_b,
			score     = EXCLUDED.score,
			strategy  = EXCLUDED.strategy,
			waited_ms = EXCLUDED.waited_ms,
			opened_at = EXCLUDED.opened_at`

	_, err := s.db.ExecContext(ctx, query,
		ev.RoomID, ev.Server, ev.SessionA, ev.SessionB, ev.CountryA, ev.CountryB,
		ev.PreciseA, ev.PreciseB, ev.Score, ev.Strategy, ev.WaitedMs, ev.At,
	)
	if err != nil {
		return fmt.Errorf("pairlog: open room %s: %w", ev.RoomID, err)
	}
	return nil
}

// CloseRoom records a room-closed event.
func (s *Store) CloseRoom(ctx context.Context, ev messaging.RoomEvent) error {
	const query = `
		INSERT INTO rooms (room_id, server, session_a, session_b, closed_at, close_reason, lifetime_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (room_id) DO UPDATE SET
			closed_at    = EXCLUDED.closed_at,
			close_reason = EXCLUDED.close_reason,
			lifetime_ms  = EXCLUDED.lifetime_ms`

	_, err := s.db.ExecContext(ctx, query,
		ev.RoomID, ev.Server, ev.SessionA, ev.SessionB, ev.At, ev.Reason, ev.LifetimeMs,
	)
	if err != nil {
		return fmt.Errorf("pairlog: close room %s: %w", ev.RoomID, err)
	}
	return nil
}

// Get returns the logged room, or ErrNotFound.
func (s *Store) Get(ctx context.Context, roomID string) (*Room, error) {
	const query = `
		SELECT room_id, server, session_a, session_b, country_a, country_b, precise_a, precise_b,
		       COALESCE(score, 0), COALESCE(strategy, ''), waited_ms, opened_at, closed_at,
		       COALESCE(close_reason, ''), COALESCE(lifetime_ms, 0)
		FROM rooms
		WHERE room_id = $1`

	var (
		r        Room
		opened   sql.NullTime
		closedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, roomID).Scan(
		&r.RoomID, &r.Server, &r.SessionA, &r.SessionB, &r.CountryA, &r.CountryB, &r.PreciseA, &r.PreciseB,
		&r.Score, &r.Strategy, &r.WaitedMs, &opened, &closedAt, &r.CloseReason, &r.LifetimeMs,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pairlog: get room %s: %w", roomID, err)
	}
	if opened.Valid {
		r.OpenedAt = opened.Time
	}
	if closedAt.Valid {
		r.ClosedAt = closedAt.Time
	}
	return &r, nil
}

// CountOpenedSince returns the number of rooms opened at or after since,
// grouped by strategy.
func (s *Store) CountOpenedSince(ctx context.Context, since time.Time) (map[string]int, error) {
	const query = `
		SELECT strategy, COUNT(*)
		FROM rooms
		WHERE opened_at >= $1 AND strategy IS NOT NULL
		GROUP BY strategy`

	rows, err := s.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("pairlog: count opened: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			strategy string
			n        int
		)
		if err := rows.Scan(&strategy, &n); err != nil {
			return nil, fmt.Errorf("pairlog: count opened: %w", err)
		}
		counts[strategy] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pairlog: count opened: %w", err)
	}
	return counts, nil
}
