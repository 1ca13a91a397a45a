package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/emberline/dripflow/internal/pkg/logger"
)

// RateLimit defines a provider's send budget across three windows.
type RateLimit struct {
	PerSecond int
	PerMinute int
	Daily     int
}

// providerLimits are conservative defaults per provider plan tier.
// Unknown providers get the generic limit.
var providerLimits = map[string]RateLimit{
	ProviderBrevo:   {PerSecond: 40, PerMinute: 2000, Daily: 500000},
	ProviderMailgun: {PerSecond: 50, PerMinute: 3000, Daily: 1000000},
	ProviderSES:     {PerSecond: 14, PerMinute: 800, Daily: 2000000},
}

var defaultLimit = RateLimit{PerSecond: 25, PerMinute: 1200, Daily: 250000}

// limitLuaScript atomically checks second, minute, and daily counters and
// increments all three only when every window has room. GET then INCR
// outside a script would race across workers.
const limitLuaScript = `
local secondKey = KEYS[1]
local minuteKey = KEYS[2]
local dailyKey = KEYS[3]
local increment = tonumber(ARGV[1])
local secondLimit = tonumber(ARGV[2])
local minuteLimit = tonumber(ARGV[3])
local dailyLimit = tonumber(ARGV[4])

local secCurrent = tonumber(redis.call("GET", secondKey) or "0")
local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dailyKey) or "0")

if secCurrent + increment > secondLimit then
    return {0, 1}
end
if minCurrent + increment > minuteLimit then
    return {0, 2}
end
if dayCurrent + increment > dailyLimit then
    return {0, 3}
end

redis.call("INCRBY", secondKey, increment)
redis.call("EXPIRE", secondKey, 2)
redis.call("INCRBY", minuteKey, increment)
redis.call("EXPIRE", minuteKey, 120)
redis.call("INCRBY", dailyKey, increment)
redis.call("EXPIRE", dailyKey, 172800)

return {1, 0}
`

// RateLimiter enforces per-provider send budgets atomically in Redis so
// every worker process shares the same counters.
type RateLimiter struct {
	redis  *redis.Client
	script *redis.Script
	log    *logger.Logger
}

// NewRateLimiter builds a limiter on an existing Redis client.
func NewRateLimiter(redisClient *redis.Client) *RateLimiter {
	return &RateLimiter{
		redis:  redisClient,
		script: redis.NewScript(limitLuaScript),
		log:    logger.With("dispatch.ratelimit"),
	}
}

// CheckAndIncrement reserves batchSize sends for the provider. When the
// budget is exhausted it returns allowed=false with the suggested wait.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, providerID string, batchSize int) (allowed bool, wait time.Duration, err error) {
	limit, ok := providerLimits[providerID]
	if !ok {
		limit = defaultLimit
	}

	now := time.Now()
	keys := []string{
		fmt.Sprintf("dripratelimit:%s:sec:%d", providerID, now.Unix()),
		fmt.Sprintf("dripratelimit:%s:min:%d", providerID, now.Unix()/60),
		fmt.Sprintf("dripratelimit:%s:day:%s", providerID, now.Format("2006-01-02")),
	}

	raw, err := r.script.Run(ctx, r.redis, keys,
		batchSize, limit.PerSecond, limit.PerMinute, limit.Daily).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit check: %w", err)
	}

	reply, _ := raw.([]interface{})
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("rate limit check: unexpected reply %v", raw)
	}
	if n, _ := reply[0].(int64); n == 1 {
		return true, 0, nil
	}

	reason, _ := reply[1].(int64)
	switch reason {
	case 1:
		wait = time.Second
	case 2:
		wait = time.Minute
	default:
		wait = time.Until(now.Truncate(24 * time.Hour).Add(24 * time.Hour))
	}
	r.log.Debug("rate limit hit", "provider", providerID, "wait", wait)
	return false, wait, nil
}

// Usage reports the provider's current counters for the stats surface.
func (r *RateLimiter) Usage(ctx context.Context, providerID string) (map[string]int64, error) {
	now := time.Now()
	keys := map[string]string{
		"second": fmt.Sprintf("dripratelimit:%s:sec:%d", providerID, now.Unix()),
		"minute": fmt.Sprintf("dripratelimit:%s:min:%d", providerID, now.Unix()/60),
		"day":    fmt.Sprintf("dripratelimit:%s:day:%s", providerID, now.Format("2006-01-02")),
	}

	usage := make(map[string]int64, len(keys))
	for window, key := range keys {
		n, err := r.redis.Get(ctx, key).Int64()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		usage[window] = n
	}
	return usage, nil
}
