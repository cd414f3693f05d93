// Package presence persists per-connection activity records in Redis. Each
// live connection owns one hash keyed by session and identity, refreshed on
// every inbound activity. The records are the durable side of idle tracking:
// in-memory timers are lost on restart, but the cleanup pass can still tell a
// stale connection from a live one by reading last_activity here.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// RecordTTL bounds how long a presence record outlives its last
	// refresh. Generously above the idle timeout so cleanup reads a
	// record before Redis expires it.
	RecordTTL = 15 * time.Minute
)

// Record is a connection's activity state as stored in Redis.
type Record struct {
	Identity     string `redis:"identity"`
	SessionID    string `redis:"session_id"`
	TenantID     string `redis:"tenant_id"`
	ConnectedAt  int64  `redis:"connected_at"`  // unix timestamp
	LastActivity int64  `redis:"last_activity"` // unix timestamp
}

// Store manages presence records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("presence: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// NewStoreWithClient wraps an existing Redis client. Used by tests.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(sessionID, identity string) string {
	return KeyPrefix + sessionID + ":" + identity
}

// Connect writes a fresh presence record for a newly registered connection.
func (s *Store) Connect(ctx context.Context, sessionID, identity, tenantID string) error {
	now := time.Now().Unix()
	record := map[string]interface{}{
		"identity":      identity,
		"session_id":    sessionID,
		"tenant_id":     tenantID,
		"connected_at":  now,
		"last_activity": now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(sessionID, identity), record)
	pipe.Expire(ctx, key(sessionID, identity), RecordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes last_activity and the record TTL on inbound activity.
func (s *Store) Touch(ctx context.Context, sessionID, identity string) error {
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key(sessionID, identity), "last_activity", time.Now().Unix())
	pipe.Expire(ctx, key(sessionID, identity), RecordTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Disconnect removes the presence record for a closed connection.
func (s *Store) Disconnect(ctx context.Context, sessionID, identity string) error {
	return s.client.Del(ctx, key(sessionID, identity)).Err()
}

// Get retrieves the presence record for a connection. Returns nil if none.
func (s *Store) Get(ctx context.Context, sessionID, identity string) (*Record, error) {
	var record Record
	err := s.client.HGetAll(ctx, key(sessionID, identity)).Scan(&record)
	if err != nil {
		return nil, err
	}
	if record.Identity == "" {
		return nil, nil // not found
	}
	return &record, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
