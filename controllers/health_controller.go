package controller

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type HealthController struct {
	db    *gorm.DB
	cache *redis.Client
}

func NewHealthController(db *gorm.DB, cache *redis.Client) *HealthController {
	return &HealthController{db: db, cache: cache}
}

// Health reports 503 when the database is down. Redis only degrades the
// service, so it is reported but does not fail the check.
func (hc *HealthController) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	status, state := fiber.StatusOK, "running"
	dbState := "ok"
	if sqlDB, err := hc.db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		dbState = "down"
		status, state = fiber.StatusServiceUnavailable, "unhealthy"
	}
	cacheState := "ok"
	if err := hc.cache.Ping(ctx).Err(); err != nil {
		cacheState = "degraded"
	}

	return c.Status(status).JSON(fiber.Map{
		"status":   state,
		"database": dbState,
		"redis":    cacheState,
	})
}
