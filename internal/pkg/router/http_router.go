package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/monitor"

	"github.com/salespath/webhooklog/internal/pkg/middleware"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get("/healthz", h.handleHealth)

	// fiber metrics
	app.Get("/metrics", middleware.MetricsBasicAuth(), monitor.New(monitor.Config{Title: "webhooklog"}))
}

func (h HttpRouter) handleHealth(c *fiber.Ctx) error {
	if h.deps.Health != nil {
		if err := h.deps.Health(c.UserContext()); err != nil {
			log.Warnf("[Health] Check failed: %v", err)
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "unavailable", "message": err.Error()})
		}
	}
	return c.JSON(fiber.Map{"status": "ok"})
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
