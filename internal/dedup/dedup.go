// Package dedup records inbound event ids so redelivered webhooks are
// processed once.
package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "billing:inbound:"

// Claimer claims an event id. Claim returns true only for the first caller
// within the TTL. Release drops a claim so a redelivery is processed again.
type Claimer interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

// RedisClaimer claims ids with SET NX so multiple server replicas share the
// same window.
type RedisClaimer struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisClaimer wraps a redis client.
func NewRedisClaimer(rdb *redis.Client, ttl time.Duration) *RedisClaimer {
	return &RedisClaimer{rdb: rdb, ttl: ttl}
}

// Claim implements Claimer.
func (c *RedisClaimer) Claim(ctx context.Context, eventID string) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339), c.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis claim %s: %w", eventID, err)
	}
	return ok, nil
}

// Release implements Claimer.
func (c *RedisClaimer) Release(ctx context.Context, eventID string) error {
	if err := c.rdb.Del(ctx, keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("dedup: redis release %s: %w", eventID, err)
	}
	return nil
}

// MemoryClaimer claims ids in process memory.
type MemoryClaimer struct {
	cache *gocache.Cache
}

// NewMemoryClaimer builds an in-process claimer; expired ids are purged at
// twice the TTL.
func NewMemoryClaimer(ttl time.Duration) *MemoryClaimer {
	return &MemoryClaimer{cache: gocache.New(ttl, 2*ttl)}
}

// Claim implements Claimer.
func (c *MemoryClaimer) Claim(_ context.Context, eventID string) (bool, error) {
	if err := c.cache.Add(eventID, struct{}{}, gocache.DefaultExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

// Release implements Claimer.
func (c *MemoryClaimer) Release(_ context.Context, eventID string) error {
	c.cache.Delete(eventID)
	return nil
}

// Noop accepts every event.
type Noop struct{}

// Claim implements Claimer.
func (Noop) Claim(context.Context, string) (bool, error) { return true, nil }

// Release implements Claimer.
func (Noop) Release(context.Context, string) error { return nil }

// Key trims an event id; an empty result means the event carries no id and
// cannot be deduplicated.
func Key(eventID string) string {
	return strings.TrimSpace(eventID)
}
