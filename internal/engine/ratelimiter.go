package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RateLimiter paces outbound provider calls per channel with a Redis sliding
// window. Entries are members of a sorted set scored by their timestamp; a
// Lua script trims, counts and inserts atomically.
type RateLimiter struct {
	redisClient *redis.Client
	logger      *slog.Logger
	script      *redis.Script
	limit       int
	window      time.Duration
}

// KEYS[1] window key; ARGV now(ms), window(ms), limit, member.
// Returns 1 when the call fits in the window, 0 otherwise.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, member)
    redis.call('PEXPIRE', key, window + 1000)
    return 1
else
    return 0
end
`)

// NewRateLimiter allows limit calls per key per window. A limit of zero
// disables limiting.
func NewRateLimiter(redisClient *redis.Client, limit int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = time.Second
	}
	return &RateLimiter{
		redisClient: redisClient,
		logger:      logger,
		script:      slidingWindowScript,
		limit:       limit,
		window:      window,
	}
}

func rlKey(key string) string {
	return fmt.Sprintf("rl:provider:%s", key)
}

// Window is the length of the sliding window.
func (rl *RateLimiter) Window() time.Duration {
	return rl.window
}

// Allow reports whether one more call for key fits in the current window.
func (rl *RateLimiter) Allow(ctx context.Context, key string) bool {
	if rl.limit <= 0 {
		return true
	}

	now := time.Now().UnixMilli()
	result, err := rl.script.Run(ctx, rl.redisClient, []string{rlKey(key)},
		now, rl.window.Milliseconds(), rl.limit, uuid.NewString(),
	).Int64()
	if err != nil {
		rl.logger.Error("rate limiter script failed", "error", err, "key", key)
		return true // Fail open so a Redis outage does not stop polling
	}

	if result == 0 {
		rl.logger.Debug("rate limited", "key", key, "limit", rl.limit)
		return false
	}
	return true
}
