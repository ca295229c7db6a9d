package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/services"
	"leadflow/utils"
)

// WebhookController takes transport provider callbacks and unsubscribe
// link hits.
type WebhookController struct {
	webhooks *services.WebhookService
	log      *logrus.Entry
}

func NewWebhookController(webhooks *services.WebhookService, log *logrus.Entry) *WebhookController {
	return &WebhookController{
		webhooks: webhooks,
		log:      log,
	}
}

func (wc *WebhookController) HandleBounce(c *fiber.Ctx) error {
	var input services.BounceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "invalid_body", err)
	}

	res, err := wc.webhooks.Bounce(c.UserContext(), input)
	if err != nil {
		return wc.fail(c, "bounce_webhook_failed", err)
	}
	return c.JSON(utils.SuccessResponse(res))
}

func (wc *WebhookController) HandleDelivery(c *fiber.Ctx) error {
	var input services.DeliveryInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "invalid_body", err)
	}

	res, err := wc.webhooks.Delivery(c.UserContext(), input)
	if err != nil {
		return wc.fail(c, "delivery_webhook_failed", err)
	}
	return c.JSON(utils.SuccessResponse(res))
}

// Unsubscribe serves the page behind the footer link of every email.
func (wc *WebhookController) Unsubscribe(c *fiber.Ctx) error {
	err := wc.webhooks.Unsubscribe(c.UserContext(), c.Query("email"), c.Query("token"))
	switch {
	case err == nil:
		return c.Type("html").SendString(`<!doctype html><html><body><p>You have been unsubscribed and will not receive further emails.</p></body></html>`)
	case errors.Is(err, services.ErrInvalidSignature):
		return c.Status(fiber.StatusForbidden).Type("html").SendString(`<!doctype html><html><body><p>This unsubscribe link is not valid.</p></body></html>`)
	default:
		utils.LogError(wc.log, "unsubscribe_failed", err, nil)
		return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong, please try again later.")
	}
}

func (wc *WebhookController) fail(c *fiber.Ctx, errorType string, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "validation_failed", err)
	case errors.Is(err, services.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "message_not_found", nil)
	default:
		utils.LogError(wc.log, errorType, err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "internal_error", nil)
	}
}
