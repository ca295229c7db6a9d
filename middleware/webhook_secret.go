package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// WebhookSecretHeader carries the secret shared with transport providers.
const WebhookSecretHeader = "X-Webhook-Secret"

// WebhookSecret rejects callbacks without the shared secret. An empty
// secret disables the check.
func WebhookSecret(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if secret == "" {
			return c.Next()
		}
		if subtle.ConstantTimeCompare([]byte(c.Get(WebhookSecretHeader)), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"success": false,
				"error":   "invalid_webhook_secret",
			})
		}
		return c.Next()
	}
}
