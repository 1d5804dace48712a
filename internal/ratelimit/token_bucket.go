// Package ratelimit implements a distributed per-tenant token bucket in
// Redis. State lives server-side so every API replica shares one budget.
package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenBucket rate-limits mutation requests per tenant, with optional
// per-tenant capacity overrides for noisy integrations.
type TokenBucket struct {
	client    *redis.Client
	capacity  int
	refill    float64 // tokens per second
	ttl       time.Duration
	overrides map[string]int
}

// NewTokenBucket constructs a bucket with the provided defaults.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:    client,
		capacity:  capacity,
		refill:    refillPerSecond,
		ttl:       ttl,
		overrides: make(map[string]int),
	}
}

// SetTenantCapacity overrides the bucket size for one tenant. Not safe to
// call after serving traffic; configure during startup.
func (b *TokenBucket) SetTenantCapacity(tenantID string, capacity int) {
	b.overrides[tenantID] = capacity
}

// Allow consumes a single token for the tenant if available, returning the
// remaining balance.
func (b *TokenBucket) Allow(ctx context.Context, tenantID string) (bool, float64, error) {
	capacity := b.capacity
	if v, ok := b.overrides[tenantID]; ok {
		capacity = v
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{"ratelimit:" + tenantID},
		capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, err
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, err
	}
	allowed := arr[0].(int64) == 1
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case float64:
		tokens = v
	}
	return allowed, tokens, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
local add = delta / 1000 * refill
tokens = math.min(capacity, tokens + add)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tokens}
`)
