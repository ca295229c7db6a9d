package routes

import (
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/config"
	controller "leadflow/controllers"
	"leadflow/middleware"
	"leadflow/repository"
	"leadflow/services"
)

// Dependencies is everything the HTTP layer needs, built once in main.
type Dependencies struct {
	Config    *config.Config
	DB        *gorm.DB
	Redis     *redis.Client
	Intake    *services.IntakeService
	Sequences *services.SequenceService
	Tracker   *services.Tracker
	Webhooks  *services.WebhookService
	Stats     *repository.StatsRepository
	Limiter   *middleware.FixedWindowLimiter
	Gatherer  prometheus.Gatherer
	Log       *logrus.Logger
}

func component(log *logrus.Logger, name string) *logrus.Entry {
	return log.WithField("component", name)
}

func requestLogger() fiber.Handler {
	return logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	})
}

func SetupPublicRoutes(app *fiber.App, api fiber.Router, deps Dependencies) {
	leadController := controller.NewLeadController(deps.Intake, component(deps.Log, "LEAD"))
	trackingController := controller.NewTrackingController(deps.Tracker, component(deps.Log, "TRACKING"))
	webhookController := controller.NewWebhookController(deps.Webhooks, component(deps.Log, "WEBHOOK"))

	// Intake is the only cross-origin route.
	cors := middleware.CORS(middleware.IntakeCORSConfig(deps.Config.CORSOrigins))
	api.Post("/leads",
		cors,
		middleware.RateLimitByIP(deps.Limiter, component(deps.Log, "RATE_LIMIT")),
		leadController.CreateLead,
	)
	api.Options("/leads", cors)

	// Provider callbacks
	hooks := api.Group("/webhooks", middleware.WebhookSecret(deps.Config.WebhookSecret))
	hooks.Post("/bounce", webhookController.HandleBounce)
	hooks.Post("/delivery", webhookController.HandleDelivery)

	// Tracking links land here from mail clients; no request log noise.
	app.Get("/t/o", trackingController.HandleOpen)
	app.Get("/t/c", trackingController.HandleClick)
	app.Get("/unsubscribe", webhookController.Unsubscribe)
}

// SetupAdminRoutes registers the operator API. Every route carries the
// token check itself because the /api prefix is shared with public routes.
func SetupAdminRoutes(api fiber.Router, deps Dependencies) {
	sequenceController := controller.NewSequenceController(deps.Sequences, component(deps.Log, "SEQUENCE"))
	dashboardController := controller.NewDashboardController(deps.Stats, component(deps.Log, "DASHBOARD"))
	protected := middleware.AdminProtected(deps.Config.AdminJWTSecret)

	api.Post("/sequences/run", protected, sequenceController.RunSequence)
	api.Put("/sequences/:name", protected, sequenceController.ReplaceSequence)
	api.Post("/templates", protected, sequenceController.CreateTemplate)

	dashboard := api.Group("/dashboard")
	dashboard.Get("/daily", protected, dashboardController.GetDailyStats)
	dashboard.Get("/links", protected, dashboardController.GetLinkChecks)
}

// SetupDevRoutes registers seed/reset helpers. They do not exist outside
// development.
func SetupDevRoutes(api fiber.Router, deps Dependencies) {
	if !deps.Config.IsDevelopment() {
		return
	}
	log := component(deps.Log, "DEV")
	devController := controller.NewDevController(deps.DB, deps.Stats, deps.Config.AdminJWTSecret, log)

	dev := api.Group("/dev")
	dev.Post("/seed", devController.Seed)
	dev.Post("/reset", devController.Reset)
	dev.Post("/token", devController.Token)

	log.Warn("Development routes enabled")
}

func SetupRoutes(app *fiber.App, deps Dependencies) {
	healthController := controller.NewHealthController(deps.DB, deps.Redis)
	app.Get("/health", healthController.Health)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))

	api := app.Group("/api", requestLogger())
	SetupPublicRoutes(app, api, deps)
	SetupDevRoutes(api, deps)
	SetupAdminRoutes(api, deps)

	// Setup 404 handler
	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"error":   "not_found",
		})
	})

	deps.Log.Info("Routes initialized successfully")
}
