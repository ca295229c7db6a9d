package controller

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/repository"
	"leadflow/utils"
)

type DashboardController struct {
	stats *repository.StatsRepository
	log   *logrus.Entry
}

func NewDashboardController(stats *repository.StatsRepository, log *logrus.Entry) *DashboardController {
	return &DashboardController{
		stats: stats,
		log:   log,
	}
}

// GetDailyStats returns the rollup of one UTC day (?day=YYYY-MM-DD,
// yesterday by default).
func (dc *DashboardController) GetDailyStats(c *fiber.Ctx) error {
	day := time.Now().UTC().AddDate(0, 0, -1)
	if raw := c.Query("day"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "invalid_day", err)
		}
		day = parsed
	}

	stats, err := dc.stats.DailyStats(c.UserContext(), day)
	if err != nil {
		utils.LogError(dc.log, "daily_stats_failed", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "internal_error", nil)
	}
	return c.JSON(utils.SuccessResponse(stats))
}

func (dc *DashboardController) GetLinkChecks(c *fiber.Ctx) error {
	checks, err := dc.stats.LinkChecks(c.UserContext())
	if err != nil {
		utils.LogError(dc.log, "link_checks_failed", err, nil)
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "internal_error", nil)
	}
	return c.JSON(utils.SuccessResponse(checks))
}
