package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/utils"
)

func TestAdminProtected(t *testing.T) {
	const secret = "admin-secret"
	app := fiber.New()
	app.Post("/run", AdminProtected(secret), func(c *fiber.Ctx) error {
		return c.SendString(c.Locals("adminSubject").(string))
	})

	valid, err := utils.GenerateAdminToken(secret, "ops@example.com", time.Hour)
	require.NoError(t, err)
	expired, err := utils.GenerateAdminToken(secret, "ops@example.com", -time.Minute)
	require.NoError(t, err)
	foreign, err := utils.GenerateAdminToken("other", "ops@example.com", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"valid", "Bearer " + valid, fiber.StatusOK},
		{"missing", "", fiber.StatusUnauthorized},
		{"wrong scheme", "Basic " + valid, fiber.StatusUnauthorized},
		{"expired", "Bearer " + expired, fiber.StatusUnauthorized},
		{"other secret", "Bearer " + foreign, fiber.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/run", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestCORS(t *testing.T) {
	app := fiber.New()
	app.Use(CORS(IntakeCORSConfig([]string{"https://form.example.com"})))
	app.Post("/api/leads", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusCreated) })

	req := httptest.NewRequest("OPTIONS", "/api/leads", nil)
	req.Header.Set("Origin", "https://form.example.com")
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "https://form.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "3600", resp.Header.Get("Access-Control-Max-Age"))

	req = httptest.NewRequest("POST", "/api/leads", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusCreated, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestWebhookSecret(t *testing.T) {
	app := fiber.New()
	app.Post("/hook", WebhookSecret("s3cret"), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })
	open := fiber.New()
	open.Post("/hook", WebhookSecret(""), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	send := func(app *fiber.App, secret string) int {
		req := httptest.NewRequest("POST", "/hook", nil)
		if secret != "" {
			req.Header.Set(WebhookSecretHeader, secret)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, fiber.StatusOK, send(app, "s3cret"))
	assert.Equal(t, fiber.StatusUnauthorized, send(app, "wrong"))
	assert.Equal(t, fiber.StatusUnauthorized, send(app, ""))
	assert.Equal(t, fiber.StatusOK, send(open, ""))
}
