package router

import (
	"github.com/gofiber/fiber/v2"
)

func (h ApiRouter) registerPublicRoutes(api fiber.Router) {
	// Payment processor deliveries (signature-verified in the ingestion handler)
	webhooks := api.Group("/webhooks", WebhookRateLimiter(h.deps.LimiterStorage))
	webhooks.Post("/paystack", h.deps.Webhooks.HandleReceive)
}
