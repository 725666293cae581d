package router

import (
	"github.com/gofiber/fiber/v2"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	h.registerPublicRoutes(api)
	h.registerAdminRoutes(api)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
