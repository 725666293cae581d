package router

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/salespath/webhooklog/app/controllers"
)

// Router registers a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and infrastructure the routes are built from.
type Dependencies struct {
	Webhooks  *controllers.WebhookController
	Admin     *controllers.AdminWebhookController
	AdminKeys [][]byte
	// LimiterStorage backs the rate limiters; nil keeps counters in memory.
	LimiterStorage fiber.Storage
	// Health reports whether backing services answer; nil always passes.
	Health func(ctx context.Context) error
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
