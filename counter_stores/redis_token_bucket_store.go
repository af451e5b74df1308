package counter_stores

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/aryangodara/admission_control"
	"github.com/redis/go-redis/v9"
)

var (
	_ admission_control.AtomicCounterStore = &redisTokenBucketStore{}
)

// DefaultIdleTTL bounds how long an idle identity's bucket is kept.
const DefaultIdleTTL = time.Hour

// refillAndConsume runs server side so concurrent callers on any instance are serialized per key.
// Balances are returned as strings because Redis truncates Lua numbers to integers.
var refillAndConsume = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local ttl = tonumber(ARGV[5])

local state = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end

if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000 * rate)
  last = now
end
if tokens > capacity then
  tokens = capacity
end

local allowed = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_refill', tostring(last))
redis.call('EXPIRE', key, ttl)
return {allowed, tostring(tokens)}
`)

type redisTokenBucketStore struct {
	client redis.Scripter
	ttl    time.Duration
}

// NewRedisTokenBucketStore creates a store that keeps one hash per identity
// ({tokens, last_refill}) and expires it after ttl of inactivity.
func NewRedisTokenBucketStore(client redis.Scripter, ttl time.Duration) admission_control.AtomicCounterStore {
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}
	return &redisTokenBucketStore{
		client: client,
		ttl:    ttl,
	}
}

// RefillAndConsume executes the token bucket script for key.
func (s *redisTokenBucketStore) RefillAndConsume(ctx context.Context, key string, spec admission_control.BucketSpec) (admission_control.BucketResult, error) {
	ttlSeconds := int64(math.Ceil(s.ttl.Seconds()))

	reply, err := refillAndConsume.Run(ctx, s.client, []string{key},
		spec.Capacity,
		strconv.FormatFloat(spec.RefillRate, 'f', -1, 64),
		spec.Cost,
		spec.Now.UnixMilli(),
		ttlSeconds,
	).Slice()
	if err != nil {
		return admission_control.BucketResult{}, fmt.Errorf("%w: failed to run token bucket script for key %v: %w", admission_control.ErrStoreUnavailable, key, err)
	}

	if len(reply) != 2 {
		return admission_control.BucketResult{}, fmt.Errorf("%w: unexpected token bucket reply for key %v: %v", admission_control.ErrStoreUnavailable, key, reply)
	}

	allowed, ok := reply[0].(int64)
	if !ok {
		return admission_control.BucketResult{}, fmt.Errorf("%w: unexpected allowed flag for key %v: %v", admission_control.ErrStoreUnavailable, key, reply[0])
	}

	raw, ok := reply[1].(string)
	if !ok {
		return admission_control.BucketResult{}, fmt.Errorf("%w: unexpected token balance for key %v: %v", admission_control.ErrStoreUnavailable, key, reply[1])
	}
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return admission_control.BucketResult{}, fmt.Errorf("%w: failed to parse token balance for key %v: %w", admission_control.ErrStoreUnavailable, key, err)
	}

	return admission_control.BucketResult{
		Allowed: allowed == 1,
		Tokens:  tokens,
	}, nil
}
