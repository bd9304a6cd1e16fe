// Package cache wraps go-redis as the Snapshot Cache (§4.4): get/set with
// TTL plus pub/sub, grounded on the store.InfluencerStore wrapper in
// 0xRichardL-vibe-copy-trading/ingestion/internal/store/influencer.go.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/suwandre/arbiter/internal/apperr"
)

// ErrMiss indicates the key has no value, distinct from a connection error.
var ErrMiss = errors.New("cache: key miss")

// Cache is the key-value store authoritative for read endpoints (§4.4).
type Cache struct {
	client *redis.Client
}

func New(addr, password string, db int) *Cache {
	return &Cache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (c *Cache) Close() error {
	return c.client.Close()
}

// SetJSON marshals v and stores it at key with the given TTL. A zero ttl
// means no expiry.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientCache, "cache set failed for "+key, err)
	}
	return nil
}

// GetJSON loads the value at key into v. Returns ErrMiss on a cache miss.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) error {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrMiss
	}
	if err != nil {
		return apperr.Wrap(apperr.KindTransientCache, "cache get failed for "+key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cache: unmarshal %s: %w", key, err)
	}
	return nil
}

// SetInt64 stores an integer marker with no TTL (last-observed-id, §6).
func (c *Cache) SetInt64(ctx context.Context, key string, v int64) error {
	if err := c.client.Set(ctx, key, v, 0).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientCache, "cache set failed for "+key, err)
	}
	return nil
}

// GetInt64 loads an integer marker, returning 0 on a miss (I2: markers start
// at zero and are only ever advanced upward).
func (c *Cache) GetInt64(ctx context.Context, key string) (int64, error) {
	v, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.KindTransientCache, "cache get failed for "+key, err)
	}
	return v, nil
}

// Publish fans a message out on channel (the Broadcast Bus, §4.5).
func (c *Cache) Publish(ctx context.Context, channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: marshal publish payload: %w", err)
	}
	if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
		return apperr.Wrap(apperr.KindTransientCache, "publish failed on "+channel, err)
	}
	return nil
}

// Subscribe returns a redis.PubSub whose Channel() yields raw messages on
// the given channel; the caller unmarshals into its own message type.
func (c *Cache) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.client.Subscribe(ctx, channel)
}
