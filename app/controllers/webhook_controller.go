package controllers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/ingest"
	"github.com/salespath/webhooklog/internal/pkg/replay"
	"github.com/salespath/webhooklog/internal/pkg/signature"
)

// WebhookController receives payment processor deliveries. The status code
// is a retry signal to the sender: 200 means "do not resend".
type WebhookController struct {
	handler *ingest.Handler
}

// NewWebhookController creates the inbound delivery controller.
func NewWebhookController(handler *ingest.Handler) *WebhookController {
	return &WebhookController{handler: handler}
}

// HandleReceive handles POST /api/webhooks/paystack.
func (w *WebhookController) HandleReceive(c *fiber.Ctx) error {
	raw := c.Body()
	sig := c.Get(signature.HeaderName)
	ctx := c.UserContext()

	var (
		out ingest.Outcome
		err error
	)
	if replayOf := c.Get(replay.ReplayHeader); replayOf != "" {
		out, err = w.handler.Redeliver(ctx, replayOf, raw, sig)
	} else {
		out, err = w.handler.Ingest(ctx, raw, sig)
	}

	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			// Settled by a concurrent writer; nothing for the sender to redo.
			log.Warnf("[Webhook] Delivery settled concurrently: %v", err)
			return c.JSON(fiber.Map{"received": true})
		case errors.Is(err, repository.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Log not found"})
		case errors.Is(err, ingest.ErrReplayMismatch):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
		default:
			log.Errorf("[Webhook] Delivery could not be recorded: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Delivery could not be recorded"})
		}
	}

	body := fiber.Map{"received": true}
	if out.Record != nil {
		body["id"] = out.Record.ID
		body["status"] = out.Record.Status
	}
	if out.Retryable {
		body["error"] = "processing_failed"
		body["message"] = out.Record.ErrorText()
		return c.Status(fiber.StatusInternalServerError).JSON(body)
	}
	return c.JSON(body)
}
