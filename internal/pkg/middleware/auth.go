package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/basicauth"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

// MetricsBasicAuth protects the monitor page with METRICS_USER / METRICS_PASSWORD.
// Without a configured password the page is not served at all.
func MetricsBasicAuth() fiber.Handler {
	user := env.GetEnv("METRICS_USER", "metrics")
	password := env.GetEnv("METRICS_PASSWORD", "")
	if password == "" {
		return func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Metrics disabled"})
		}
	}
	return basicauth.New(basicauth.Config{
		Users: map[string]string{user: password},
		Realm: "metrics",
	})
}

