// Package cache is the content-addressed answer cache. It is an optimization,
// not a source of truth: callers treat any cache failure as a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noema-labs/noema-qa/internal/qa"
)

const keyPrefix = "qa:cache:"

// DefaultTTL bounds how long a cached answer stays trustworthy.
const DefaultTTL = 7 * 24 * time.Hour

// Store maps question fingerprints to answer snapshots in Redis.
type Store struct {
	client *redis.Client
	now    func() time.Time
}

// New builds a cache store over the given client.
func New(client *redis.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Lookup returns the live snapshot for a fingerprint, or absent. Expiry is
// lazy: a stored entry past its expires_at reads as a miss.
func (s *Store) Lookup(ctx context.Context, fingerprint string) (qa.Snapshot, bool, error) {
	val, err := s.client.Get(ctx, keyPrefix+fingerprint).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return qa.Snapshot{}, false, nil
		}
		return qa.Snapshot{}, false, fmt.Errorf("cache get: %w", err)
	}

	var snap qa.Snapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return qa.Snapshot{}, false, fmt.Errorf("cache decode: %w", err)
	}
	if !snap.Live(s.now()) {
		return qa.Snapshot{}, false, nil
	}
	return snap, true, nil
}

// Put unconditionally overwrites the entry for a fingerprint. Last writer
// wins; the redis TTL is only a backstop for the stored expires_at.
func (s *Store) Put(ctx context.Context, fingerprint string, snap qa.Snapshot, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	snap.Timestamp = now
	snap.ExpiresAt = now.Add(ttl)

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("cache encode: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+fingerprint, data, ttl).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}
