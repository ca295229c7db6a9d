package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/services"
	"leadflow/utils"
)

type LeadController struct {
	intake *services.IntakeService
	log    *logrus.Entry
}

func NewLeadController(intake *services.IntakeService, log *logrus.Entry) *LeadController {
	return &LeadController{
		intake: intake,
		log:    log,
	}
}

// CreateLead accepts a lead from the public intake form and starts its
// welcome sequence in the background.
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	var input services.LeadInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "invalid_body", err)
	}

	lead, err := lc.intake.CreateLead(c.UserContext(), input, c.IP())
	switch {
	case err == nil:
		return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(lead))
	case errors.Is(err, services.ErrDuplicateLead):
		// The existing lead is handed back so the form can treat it as done.
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"success": false,
			"error":   "duplicate_lead",
			"data":    lead,
		})
	case errors.Is(err, services.ErrValidation):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "validation_failed", err)
	default:
		utils.LogError(lc.log, "lead_intake_failed", err, map[string]interface{}{"ip": c.IP()})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "internal_error", nil)
	}
}
