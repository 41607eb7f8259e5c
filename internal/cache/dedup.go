// Package cache holds Redis-backed state shared between replicas.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tbourn/autofix-backend/internal/config"
	"github.com/tbourn/autofix-backend/internal/services"
)

const keyPrefix = "autofix:dedup:vehicle:"

func dedupKey(vehicleID string) string { return keyPrefix + vehicleID }

// DedupStore remembers the last accepted event per vehicle in Redis so every
// replica sees the same dedup window.
type DedupStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ services.DedupStore = (*DedupStore)(nil)

// NewDedupStore returns a store whose entries expire after ttl. Entries only
// matter inside the dedup window, so ttl is usually twice the window.
func NewDedupStore(client *redis.Client, ttl time.Duration) *DedupStore {
	return &DedupStore{client: client, ttl: ttl}
}

// NewClient opens a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return c, nil
}

// Last implements services.DedupStore.
func (s *DedupStore) Last(ctx context.Context, vehicleID string) (*services.DedupEntry, error) {
	data, err := s.client.Get(ctx, dedupKey(vehicleID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e services.DedupEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Remember implements services.DedupStore. An entry older than the stored one
// does not replace it.
func (s *DedupStore) Remember(ctx context.Context, vehicleID string, e services.DedupEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := dedupKey(vehicleID)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var prev services.DedupEntry
			if json.Unmarshal(cur, &prev) == nil && prev.Timestamp.After(e.Timestamp) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, key)
}
