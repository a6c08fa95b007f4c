package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// admitScript atomically compares the window counter against the limit and
// increments it only when the request fits, setting the expiry on first use.
// Returns {allowed, current, pttl}.
var admitScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local cost = tonumber(ARGV[1])
local max = tonumber(ARGV[3])
if current + cost > max then
  local ttl = redis.call('PTTL', KEYS[1])
  if ttl < 0 then ttl = tonumber(ARGV[2]) end
  return {0, current, ttl}
end
current = redis.call('INCRBY', KEYS[1], cost)
if redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, current, 0}
`)

// RedisStore implements DistributedStore on a shared Redis instance so that
// multiple processes enforce one admission budget per key.
type RedisStore struct {
	rdb       redis.Scripter
	keyPrefix string
}

// NewRedisStore creates a Redis-backed distributed store. prefix namespaces
// the counters, defaulting to "resilience:ratelimit".
func NewRedisStore(rdb redis.Scripter, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "resilience:ratelimit"
	}
	return &RedisStore{rdb: rdb, keyPrefix: prefix}
}

// Allow implements DistributedStore
func (s *RedisStore) Allow(ctx context.Context, key string, cost, max int, window time.Duration) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", s.keyPrefix, key)

	res, err := admitScript.Run(ctx, s.rdb, []string{redisKey},
		cost, window.Milliseconds(), max).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script returned %d values, want 3", len(res))
	}

	allowed, _ := res[0].(int64)
	current, _ := res[1].(int64)
	pttl, _ := res[2].(int64)

	decision := Decision{
		Allowed:   allowed == 1,
		Remaining: max - int(current),
	}
	if !decision.Allowed {
		decision.RetryAfter = time.Duration(pttl) * time.Millisecond
	}
	return decision, nil
}
