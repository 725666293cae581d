package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/salespath/webhooklog/internal/pkg/env"
)

func adminApp(t *testing.T, keys ...string) *fiber.App {
	t.Helper()
	var hashes [][]byte
	for _, k := range keys {
		h, err := bcrypt.GenerateFromPassword([]byte(k), bcrypt.MinCost)
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	app := fiber.New()
	app.Get("/admin", AdminAPIKeyAuth(hashes), func(c *fiber.Ctx) error {
		ok, _ := c.Locals(KeyAdmin).(bool)
		return c.JSON(fiber.Map{"admin": ok})
	})
	return app
}

func TestAdminAPIKeyAuth(t *testing.T) {
	app := adminApp(t, "key-one", "key-two")

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"first key", "Bearer key-one", fiber.StatusOK},
		{"second key", "Bearer key-two", fiber.StatusOK},
		{"wrong key", "Bearer nope", fiber.StatusUnauthorized},
		{"missing header", "", fiber.StatusUnauthorized},
		{"wrong scheme", "Basic key-one", fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAdminAPIKeyAuthWithoutKeys(t *testing.T) {
	app := adminApp(t)
	req := httptest.NewRequest("GET", "/admin", nil)
	req.Header.Set("Authorization", "Bearer anything")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestLoadAdminKeyHashes(t *testing.T) {
	h, err := bcrypt.GenerateFromPassword([]byte("k"), bcrypt.MinCost)
	require.NoError(t, err)
	env.Env = map[string]string{"ADMIN_API_KEY_HASHES": string(h) + ", not-a-hash"}
	t.Cleanup(func() { env.Env = nil })

	hashes := LoadAdminKeyHashes()
	require.Len(t, hashes, 1)
	assert.True(t, matchAdminKey(hashes, "k"))
	assert.False(t, matchAdminKey(hashes, ""))
}

func TestMetricsBasicAuth(t *testing.T) {
	t.Cleanup(func() { env.Env = nil })

	env.Env = map[string]string{}
	app := fiber.New()
	app.Get("/metrics", MetricsBasicAuth(), func(c *fiber.Ctx) error { return c.SendString("ok") })
	resp, err := app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	env.Env = map[string]string{"METRICS_USER": "ops", "METRICS_PASSWORD": "pw"}
	app = fiber.New()
	app.Get("/metrics", MetricsBasicAuth(), func(c *fiber.Ctx) error { return c.SendString("ok") })

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest("GET", "/metrics", nil)
	req.SetBasicAuth("ops", "pw")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
