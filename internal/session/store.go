package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// ServerPrefix is the key prefix of the per-server set of session ids.
	ServerPrefix = "sessions:server:"

	// SessionTTL bounds how long an entry outlives a crashed server.
	SessionTTL = 1 * time.Hour

	// Status constants for the session state machine.
	StatusWaiting = "waiting"
	StatusPaired  = "paired"
)

// Session represents a pairing session's state stored in Redis.
type Session struct {
	ID        string `redis:"id" json:"id"`
	Status    string `redis:"status" json:"status"`         // waiting | paired
	RoomID    string `redis:"room_id" json:"room_id"`       // empty unless paired
	PartnerID string `redis:"partner_id" json:"partner_id"` // empty unless paired
	Server    string `redis:"server" json:"server"`         // which WS server instance
	Country   string `redis:"country" json:"country"`       // coarse location only
	Precise   bool   `redis:"precise" json:"precise"`
	Since     int64  `redis:"since" json:"since"` // unix timestamp of the last transition
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore creates a session store on an existing Redis client.
func NewStore(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetWaiting records that the session entered the waiting pool.
func (s *Store) SetWaiting(ctx context.Context, sessionID, country string, precise bool) error {
	return s.put(ctx, sessionID, map[string]interface{}{
		"status":     StatusWaiting,
		"room_id":    "",
		"partner_id": "",
		"country":    country,
		"precise":    precise,
	})
}

// SetPaired records that the session joined a room with partnerID.
func (s *Store) SetPaired(ctx context.Context, sessionID, roomID, partnerID, country string, precise bool) error {
	return s.put(ctx, sessionID, map[string]interface{}{
		"status":     StatusPaired,
		"room_id":    roomID,
		"partner_id": partnerID,
		"country":    country,
		"precise":    precise,
	})
}

func (s *Store) put(ctx context.Context, sessionID string, fields map[string]interface{}) error {
	key := SessionPrefix + sessionID
	fields["id"] = sessionID
	fields["server"] = s.serverName
	fields["since"] = time.Now().Unix()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, SessionTTL)
	pipe.SAdd(ctx, ServerPrefix+s.serverName, sessionID)
	pipe.Expire(ctx, ServerPrefix+s.serverName, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: store %s: %w", sessionID, err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	key := SessionPrefix + sessionID
	var session Session
	if err := s.client.HGetAll(ctx, key).Scan(&session); err != nil {
		return nil, err
	}
	if session.ID == "" {
		return nil, nil // not found
	}
	return &session, nil
}

// Delete removes a session from Redis.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, SessionPrefix+sessionID)
	pipe.SRem(ctx, ServerPrefix+s.serverName, sessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// Count returns the number of sessions recorded for this server.
func (s *Store) Count(ctx context.Context) (int64, error) {
	return s.client.SCard(ctx, ServerPrefix+s.serverName).Result()
}

// Purge deletes every session recorded for this server. It runs on shutdown,
// when the in-memory state that backs these entries goes away.
func (s *Store) Purge(ctx context.Context) error {
	setKey := ServerPrefix + s.serverName
	ids, err := s.client.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("session: list sessions: %w", err)
	}

	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, SessionPrefix+id)
	}
	keys = append(keys, setKey)
	return s.client.Del(ctx, keys...).Err()
}
