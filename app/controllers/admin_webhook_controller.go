package controllers

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/logquery"
	"github.com/salespath/webhooklog/internal/pkg/replay"
)

var validate = validator.New()

// webhookQuery are the filters accepted by the list and stats endpoints.
type webhookQuery struct {
	Status string `query:"status" validate:"omitempty,max=200"`
	From   string `query:"from"   validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	To     string `query:"to"     validate:"omitempty,datetime=2006-01-02T15:04:05Z07:00"`
	Q      string `query:"q"      validate:"omitempty,max=200"`
	Limit  *int   `query:"limit"  validate:"omitempty,min=1,max=500"`
}

// replayRequest is the body of POST /api/admin/webhooks.
type replayRequest struct {
	LogID string `json:"logId" validate:"required,max=64"`
}

// webhookDetail is a record together with its stored payload.
type webhookDetail struct {
	models.WebhookLog
	Payload json.RawMessage `json:"payload"`
}

// AdminWebhookController serves the operator endpoints over the webhook log.
type AdminWebhookController struct {
	facade   *logquery.Facade
	replayer *replay.Controller
}

// NewAdminWebhookController creates the admin controller.
func NewAdminWebhookController(facade *logquery.Facade, replayer *replay.Controller) *AdminWebhookController {
	return &AdminWebhookController{facade: facade, replayer: replayer}
}

// HandleList handles GET /api/admin/webhooks.
func (a *AdminWebhookController) HandleList(c *fiber.Ctx) error {
	q, err := parseWebhookQuery(c)
	if err != nil {
		return badRequest(c, err)
	}

	logs, err := a.facade.Search(c.UserContext(), q)
	if err != nil {
		return queryError(c, err)
	}
	return c.JSON(logs)
}

// HandleStats handles GET /api/admin/webhooks/stats.
func (a *AdminWebhookController) HandleStats(c *fiber.Ctx) error {
	q, err := parseWebhookQuery(c)
	if err != nil {
		return badRequest(c, err)
	}

	stats, err := a.facade.Stats(c.UserContext(), q)
	if err != nil {
		return queryError(c, err)
	}
	return c.JSON(stats)
}

// HandleDetail handles GET /api/admin/webhooks/:id.
func (a *AdminWebhookController) HandleDetail(c *fiber.Ctx) error {
	record, err := a.facade.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Log not found"})
		}
		log.Errorf("[Admin] Failed to load webhook log: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to load log"})
	}
	return c.JSON(webhookDetail{WebhookLog: *record, Payload: payloadJSON(record.Payload)})
}

// HandleReplay handles POST /api/admin/webhooks.
func (a *AdminWebhookController) HandleReplay(c *fiber.Ctx) error {
	var req replayRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "logId required"})
	}
	if err := validate.Struct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "logId required"})
	}

	res, err := a.replayer.Replay(c.UserContext(), req.LogID)
	if err != nil {
		var invalid *replay.InvalidStateError
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Log not found"})
		case errors.As(err, &invalid):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "invalid_state", "message": err.Error(), "log": res.Record})
		case errors.Is(err, repository.ErrConflict):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "conflict", "message": err.Error()})
		default:
			log.Errorf("[Admin] Replay of %s failed: %v", req.LogID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Replay failed"})
		}
	}

	switch {
	case res.Succeeded:
		return c.JSON(fiber.Map{"success": true, "log": res.Record})
	case res.Record.Status == models.WebhookStatusPending:
		// Queued for asynchronous processing.
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"success": true, "log": res.Record})
	default:
		message := res.Record.ErrorText()
		if message == "" {
			message = "Retry failed"
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": message, "log": res.Record})
	}
}

func parseWebhookQuery(c *fiber.Ctx) (logquery.Query, error) {
	var in webhookQuery
	if err := c.QueryParser(&in); err != nil {
		return logquery.Query{}, err
	}
	if err := validate.Struct(in); err != nil {
		return logquery.Query{}, err
	}

	q := logquery.Query{Status: in.Status, Search: in.Q}
	if in.Limit != nil {
		q.Limit = *in.Limit
	}
	if in.From != "" {
		from, err := time.Parse(time.RFC3339, in.From)
		if err != nil {
			return logquery.Query{}, err
		}
		q.From = &from
	}
	if in.To != "" {
		to, err := time.Parse(time.RFC3339, in.To)
		if err != nil {
			return logquery.Query{}, err
		}
		q.To = &to
	}
	return q, nil
}

func badRequest(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
}

func queryError(c *fiber.Ctx, err error) error {
	if errors.Is(err, logquery.ErrInvalidQuery) {
		return badRequest(c, err)
	}
	log.Errorf("[Admin] Webhook log query failed: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Failed to query logs"})
}

// payloadJSON returns the payload as embedded JSON, or as a JSON string when
// the stored bytes are not valid JSON.
func payloadJSON(raw []byte) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
