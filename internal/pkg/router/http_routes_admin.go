package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/salespath/webhooklog/internal/pkg/middleware"
)

func (h ApiRouter) registerAdminRoutes(api fiber.Router) {
	admin := api.Group("/admin",
		AdminRateLimiter(h.deps.LimiterStorage),
		middleware.AdminAPIKeyAuth(h.deps.AdminKeys),
	)

	// Webhook log
	admin.Get("/webhooks", h.deps.Admin.HandleList)
	admin.Get("/webhooks/stats", h.deps.Admin.HandleStats)
	admin.Get("/webhooks/:id", h.deps.Admin.HandleDetail)
	admin.Post("/webhooks", h.deps.Admin.HandleReplay)
}
