package router

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/salespath/webhooklog/app/controllers"
	"github.com/salespath/webhooklog/app/models"
	"github.com/salespath/webhooklog/app/repository"
	"github.com/salespath/webhooklog/internal/pkg/effects"
	"github.com/salespath/webhooklog/internal/pkg/env"
	"github.com/salespath/webhooklog/internal/pkg/ingest"
	"github.com/salespath/webhooklog/internal/pkg/logquery"
	"github.com/salespath/webhooklog/internal/pkg/replay"
	"github.com/salespath/webhooklog/internal/pkg/signature"
	"github.com/salespath/webhooklog/internal/pkg/testutil"
)

type okApplier struct{}

func (okApplier) Apply(context.Context, *models.WebhookLog) (effects.Result, error) {
	return effects.Result{}, nil
}

func newApp(t *testing.T, health func(context.Context) error) *fiber.App {
	t.Helper()

	logs := repository.NewWebhookLogRepository(testutil.NewDB(t))
	verifier := signature.NewVerifier(signature.StaticSecrets{Current: "sk_router"})
	handler := ingest.NewHandler(logs, verifier, okApplier{}, ingest.Options{Timeout: time.Second})
	replayer := replay.NewController(logs, verifier, replay.LocalSubmitter{Handler: handler}, time.Second)

	hash, err := bcrypt.GenerateFromPassword([]byte("admin-key"), bcrypt.MinCost)
	require.NoError(t, err)

	app := fiber.New()
	InstallRouter(app, Dependencies{
		Webhooks:  controllers.NewWebhookController(handler),
		Admin:     controllers.NewAdminWebhookController(logquery.NewFacade(logs, nil), replayer),
		AdminKeys: [][]byte{hash},
		Health:    health,
	})
	return app
}

func TestAdminRoutesRequireKey(t *testing.T) {
	app := newApp(t, nil)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/api/admin/webhooks", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/api/admin/webhooks", bytes.NewBufferString(`{"logId":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req = httptest.NewRequest(http.MethodGet, "/api/admin/webhooks/stats", nil)
	req.Header.Set("Authorization", "Bearer admin-key")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestWebhookRouteIsPublic(t *testing.T) {
	app := newApp(t, nil)
	body := []byte(`{"event":"charge.success","data":{"reference":"r"}}`)

	req := httptest.NewRequest(http.MethodPost, "/api/webhooks/paystack", bytes.NewReader(body))
	req.Header.Set(signature.HeaderName, signature.Sign(body, "sk_router"))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestWebhookRateLimit(t *testing.T) {
	env.Env = map[string]string{"WEBHOOK_RATE_LIMIT": "2"}
	t.Cleanup(func() { env.Env = nil })
	app := newApp(t, nil)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/api/webhooks/paystack", bytes.NewBufferString(`{}`)))
		require.NoError(t, err)
		codes = append(codes, resp.StatusCode)
	}
	assert.Equal(t, []int{fiber.StatusOK, fiber.StatusOK, fiber.StatusTooManyRequests}, codes)
}

func TestHealthz(t *testing.T) {
	resp, err := newApp(t, nil).Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	down := func(context.Context) error { return errors.New("redis: connection refused") }
	resp, err = newApp(t, down).Test(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusServiceUnavailable, resp.StatusCode)
}
