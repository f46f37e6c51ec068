package middleware

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hottake/studio/pkg/response"
)

// RateLimiter counts requests per user in fixed Redis windows. Without a
// Redis client every request passes.
type RateLimiter struct {
	redis  *redis.Client
	logger *slog.Logger
}

func NewRateLimiter(redisClient *redis.Client, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{redis: redisClient, logger: logger}
}

// Limit allows maxRequests per user per window under keyPrefix.
func (rl *RateLimiter) Limit(keyPrefix string, maxRequests int, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if rl.redis == nil || maxRequests <= 0 {
			return c.Next()
		}
		userID := GetUserID(c)
		if userID == "" {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s:%s", keyPrefix, userID)
		ctx := c.Context()

		// One MULTI: the counter never exists without a TTL. NX leaves a
		// running window alone and also repairs a key that lost its TTL.
		var (
			incr *redis.IntCmd
			ttl  *redis.DurationCmd
		)
		_, err := rl.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			incr = pipe.Incr(ctx, key)
			pipe.ExpireNX(ctx, key, window)
			ttl = pipe.TTL(ctx, key)
			return nil
		})
		if err != nil {
			// fail open
			rl.logger.Warn("Rate limiter unavailable", "key", key, "error", err)
			return c.Next()
		}
		count := incr.Val()

		c.Set("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		if count > int64(maxRequests) {
			c.Set("X-RateLimit-Remaining", "0")
			c.Set("Retry-After", strconv.Itoa(int(ttl.Val().Seconds())))
			return response.RateLimited(c)
		}

		c.Set("X-RateLimit-Remaining", strconv.FormatInt(int64(maxRequests)-count, 10))
		return c.Next()
	}
}

// SubmitLimit guards the job submission routes.
func (rl *RateLimiter) SubmitLimit(maxPerHour int) fiber.Handler {
	return rl.Limit("submit", maxPerHour, time.Hour)
}
