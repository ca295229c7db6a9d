package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/repository"
	"leadflow/utils"
)

// DevController backs the endpoints that only exist in development.
type DevController struct {
	db        *gorm.DB
	stats     *repository.StatsRepository
	jwtSecret string
	log       *logrus.Entry
}

func NewDevController(db *gorm.DB, stats *repository.StatsRepository, jwtSecret string, log *logrus.Entry) *DevController {
	return &DevController{
		db:        db,
		stats:     stats,
		jwtSecret: jwtSecret,
		log:       log,
	}
}

// Seed creates the default templates and the welcome sequence.
func (dc *DevController) Seed(c *fiber.Ctx) error {
	welcome, err := models.CreateDefaultSequences(dc.db.WithContext(c.UserContext()))
	if err != nil {
		utils.LogError(dc.log, "dev_seed_failed", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "seed_failed", err)
	}
	return c.JSON(utils.SuccessResponse(welcome))
}

func (dc *DevController) Reset(c *fiber.Ctx) error {
	if err := dc.stats.Reset(c.UserContext()); err != nil {
		utils.LogError(dc.log, "dev_reset_failed", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "reset_failed", err)
	}
	dc.log.Warn("Database reset")
	return c.JSON(utils.SuccessResponse(nil))
}

// Token issues an operator token for local testing of the admin API.
func (dc *DevController) Token(c *fiber.Ctx) error {
	if dc.jwtSecret == "" {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "admin_auth_disabled", nil)
	}
	token, err := utils.GenerateAdminToken(dc.jwtSecret, "dev", 12*time.Hour)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "token_failed", err)
	}
	return c.JSON(utils.SuccessResponse(fiber.Map{"token": token}))
}
