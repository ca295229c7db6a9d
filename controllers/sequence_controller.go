package controller

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/services"
	"leadflow/utils"
)

// SequenceController is the operator API for templates, sequences and
// manual enrollment.
type SequenceController struct {
	sequences *services.SequenceService
	log       *logrus.Entry
}

func NewSequenceController(sequences *services.SequenceService, log *logrus.Entry) *SequenceController {
	return &SequenceController{
		sequences: sequences,
		log:       log,
	}
}

type runInput struct {
	LeadID     uint `json:"lead_id" validate:"required"`
	SequenceID uint `json:"sequence_id" validate:"required"`
}

// RunSequence starts a sequence for a lead. Starting a sequence the lead is
// already waiting in returns the pending run.
func (sc *SequenceController) RunSequence(c *fiber.Ctx) error {
	var input runInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "invalid_body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "validation_failed", err)
	}

	res, err := sc.sequences.StartRun(c.UserContext(), input.LeadID, input.SequenceID)
	if err != nil {
		return sc.fail(c, "sequence_run_failed", err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"success":  true,
		"data":     res.Run,
		"existing": res.Existing,
	})
}

func (sc *SequenceController) CreateTemplate(c *fiber.Ctx) error {
	var input services.TemplateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "invalid_body", err)
	}

	tpl, err := sc.sequences.CreateTemplate(c.UserContext(), input)
	if err != nil {
		return sc.fail(c, "template_create_failed", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse(tpl))
}

// ReplaceSequence stores the posted steps as the next version of the
// sequence named in the path.
func (sc *SequenceController) ReplaceSequence(c *fiber.Ctx) error {
	var input struct {
		Steps []models.SequenceStep `json:"steps"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "invalid_body", err)
	}

	seq, err := sc.sequences.ReplaceSequence(c.UserContext(), c.Params("name"), input.Steps)
	if err != nil {
		return sc.fail(c, "sequence_replace_failed", err)
	}
	return c.Status(fiber.StatusOK).JSON(utils.SuccessResponse(seq))
}

func (sc *SequenceController) fail(c *fiber.Ctx, errorType string, err error) error {
	switch {
	case errors.Is(err, services.ErrValidation):
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "validation_failed", err)
	case errors.Is(err, services.ErrNotFound):
		return utils.ErrorResponse(c, fiber.StatusNotFound, "not_found", err)
	default:
		utils.LogError(sc.log, errorType, err, map[string]interface{}{"path": c.Path()})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "internal_error", nil)
	}
}
