// Copyright 2025 TrackLane
// SPDX-License-Identifier: BUSL-1.1

package quota

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// statusKeyPrefix namespaces cached quota statuses in Redis.
const statusKeyPrefix = "quota:status:"

// StatusCache is a read-through cache over CheckStatus. It only ever holds a
// short-lived projection of the durable counters; the Postgres row remains
// the store. Redis failures degrade to cache misses, never to stale grants
// beyond the TTL.
type StatusCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStatusCache connects to Redis and returns a cache with the given TTL.
// An empty URL returns a disabled cache so callers need no nil checks.
func NewStatusCache(redisURL string, ttl time.Duration) (*StatusCache, error) {
	if redisURL == "" {
		return DisabledStatusCache(), nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("quota: failed to parse Redis URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("quota: failed to connect to Redis: %w", err)
	}

	return NewStatusCacheFromClient(rdb, ttl), nil
}

// NewStatusCacheFromClient wraps an existing Redis client. Used by tests.
func NewStatusCacheFromClient(rdb *redis.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &StatusCache{rdb: rdb, ttl: ttl}
}

// DisabledStatusCache returns a cache that always misses.
func DisabledStatusCache() *StatusCache {
	return &StatusCache{}
}

// Get returns the cached status for a tenant, if present and fresh.
func (c *StatusCache) Get(ctx context.Context, tenantID string) (*Status, bool) {
	if c.rdb == nil {
		return nil, false
	}
	data, err := c.rdb.Get(ctx, statusKeyPrefix+tenantID).Bytes()
	if err != nil {
		return nil, false
	}
	var st Status
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, false
	}
	return &st, true
}

// Set stores a status under the cache TTL. Errors are ignored: a failed
// cache write only costs a future read-through.
func (c *StatusCache) Set(ctx context.Context, st *Status) {
	if c.rdb == nil || st == nil {
		return
	}
	data, err := json.Marshal(st)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, statusKeyPrefix+st.TenantID, data, c.ttl).Err()
}

// Invalidate drops the cached status for one tenant. Called after every
// counter mutation so a reservation is visible to the next status read.
func (c *StatusCache) Invalidate(ctx context.Context, tenantID string) {
	if c.rdb == nil {
		return
	}
	_ = c.rdb.Del(ctx, statusKeyPrefix+tenantID).Err()
}

// Clear drops all cached statuses. Used by the bulk reset operations.
func (c *StatusCache) Clear(ctx context.Context) {
	if c.rdb == nil {
		return
	}
	iter := c.rdb.Scan(ctx, 0, statusKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		_ = c.rdb.Del(ctx, iter.Val()).Err()
	}
}
