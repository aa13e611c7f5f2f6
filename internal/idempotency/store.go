// Package idempotency stores the responses of requests that carried an
// Idempotency-Key so a retried request gets the same answer.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	DefaultTTL     = 24 * time.Hour
	DefaultLockTTL = 30 * time.Second
)

// Response is a stored HTTP response
type Response struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Store keeps responses in Redis
type Store struct {
	rdb     *redis.Client
	ttl     time.Duration
	lockTTL time.Duration
}

func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{rdb: rdb, ttl: ttl, lockTTL: DefaultLockTTL}
}

// Key scopes a client key to the caller and the request path.
func Key(userID, path, key string) string {
	return fmt.Sprintf("idempotency:%s:%s:%s", userID, path, key)
}

// Get returns the stored response for key, or nil when there is none.
func (s *Store) Get(ctx context.Context, key string) (*Response, error) {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &resp, nil
}

// Save stores resp under key for the store's TTL.
func (s *Store) Save(ctx context.Context, key string, resp Response) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := s.rdb.Set(ctx, key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Lock claims key while its first request runs. It reports false when
// another request holds it.
func (s *Store) Lock(ctx context.Context, key string) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key+":lock", "1", s.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", key, err)
	}
	return ok, nil
}

func (s *Store) Unlock(ctx context.Context, key string) error {
	return s.rdb.Del(ctx, key+":lock").Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
