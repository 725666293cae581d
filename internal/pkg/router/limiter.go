package router

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/salespath/webhooklog/app/controllers"
	"github.com/salespath/webhooklog/internal/pkg/cache"
	"github.com/salespath/webhooklog/internal/pkg/env"
)

// limiterDatabase keeps rate-limit counters apart from the cache and queue (DB 0).
const limiterDatabase = 2

// NewLimiterStorage shares rate-limit counters between instances through Redis.
func NewLimiterStorage() fiber.Storage {
	opts := cache.Options()
	host := "localhost"
	port := 6379
	if h, p, err := net.SplitHostPort(opts.Addr); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: opts.Password,
		Database: limiterDatabase,
		Reset:    false,
	})
}

// WebhookRateLimiter bounds inbound deliveries per source IP. The processor
// retries on 429, so nothing is lost.
func WebhookRateLimiter(storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetInt("WEBHOOK_RATE_LIMIT", 300),
		Expiration: 1 * time.Minute,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "webhook:" + controllers.ClientIP(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "too_many_requests",
				"message": "Too many deliveries, retry later",
			})
		},
	})
}

// AdminRateLimiter bounds operator requests per client IP.
func AdminRateLimiter(storage fiber.Storage) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        env.GetInt("ADMIN_RATE_LIMIT", 60),
		Expiration: 1 * time.Minute,
		Storage:    storage,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "admin:" + controllers.ClientIP(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "too_many_requests",
				"message": "Too many requests, retry later",
			})
		},
	})
}
