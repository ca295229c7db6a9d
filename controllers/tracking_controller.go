package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/services"
	"leadflow/utils"
)

type TrackingController struct {
	tracker *services.Tracker
	log     *logrus.Entry
}

func NewTrackingController(tracker *services.Tracker, log *logrus.Entry) *TrackingController {
	return &TrackingController{
		tracker: tracker,
		log:     log,
	}
}

// HandleOpen records an open and always answers with the pixel, whatever
// happened to the event.
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	_, err := tc.tracker.RecordOpen(c.UserContext(), services.OpenInput{
		MessageID: c.Query("m"),
		Signature: c.Query("s"),
		IP:        c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	})
	if err != nil && !errors.Is(err, services.ErrInvalidSignature) {
		tc.log.WithError(err).WithField("message_id", c.Query("m")).Warn("Failed to record open")
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate, max-age=0")
	return c.Type("gif").Send(transparentPixel())
}

func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	res, err := tc.tracker.RecordClick(c.UserContext(), services.ClickInput{
		MessageID: c.Query("m"),
		Signature: c.Query("s"),
		URL:       c.Query("u"),
		IP:        c.IP(),
		UserAgent: c.Get(fiber.HeaderUserAgent),
	})
	switch {
	case err == nil:
		return c.Redirect(res.Redirect, fiber.StatusFound)
	case errors.Is(err, services.ErrInvalidSignature):
		return c.Status(fiber.StatusForbidden).SendString("Invalid link")
	case errors.Is(err, services.ErrValidation):
		return c.Status(fiber.StatusBadRequest).SendString("Invalid destination")
	default:
		utils.LogError(tc.log, "click_tracking_failed", err, map[string]interface{}{"message_id": c.Query("m")})
		return c.Status(fiber.StatusInternalServerError).SendString("Something went wrong")
	}
}

func transparentPixel() []byte {
	// 1x1 transparent GIF
	return []byte{
		0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
		0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x21,
		0xf9, 0x04, 0x01, 0x00, 0x00, 0x00, 0x00, 0x2c, 0x00, 0x00,
		0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02, 0x02, 0x44,
		0x01, 0x00, 0x3b,
	}
}
