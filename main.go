package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"

	"leadflow/config"
	"leadflow/middleware"
	"leadflow/models"
	"leadflow/queue"
	"leadflow/repository"
	"leadflow/routes"
	"leadflow/services"
	"leadflow/transport"
	"leadflow/utils"
	"leadflow/worker"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	log := logger.WithField("component", "MAIN")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.IsDevelopment() {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		logger.SetLevel(logrus.DebugLevel)
	}
	cfg.Log(log)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			log.Warnf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize database connection
	db, err := config.ConnectDB(cfg, logger.WithField("component", "DB"))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	if _, err := models.CreateDefaultSequences(db); err != nil {
		log.Fatalf("Failed to create default sequences: %v", err)
	}

	cache, err := config.ConnectRedis(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	defer cache.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := utils.NewMetrics(reg)

	// Transport chains
	emailChain, err := transport.BuildEmailChain(cfg, logger.WithField("component", "EMAIL"))
	if err != nil {
		log.Fatalf("Invalid email providers: %v", err)
	}
	smsChain, err := transport.BuildSMSChain(cfg, logger.WithField("component", "SMS"))
	if err != nil {
		log.Fatalf("Invalid sms providers: %v", err)
	}
	log.WithFields(logrus.Fields{
		"email": emailChain.Providers(),
		"sms":   smsChain.Providers(),
	}).Info("Transport providers ready")

	// Stores and queues
	leads := repository.NewLeadRepository(db)
	messages := repository.NewMessageRepository(db)
	seqs := repository.NewSequenceRepository(db)
	stats := repository.NewStatsRepository(db)
	emailQueue := queue.New(cache, string(models.ChannelEmail), cfg.VisibilityTimeout)
	smsQueue := queue.New(cache, string(models.ChannelSMS), cfg.VisibilityTimeout)

	// Services
	signer := utils.NewLinkSigner(cfg.TrackingSecret, cfg.BaseURL)
	outbox := services.NewOutbox(messages, emailQueue, smsQueue)
	scoring := services.NewScoringService(leads, messages, outbox, logger.WithField("component", "SCORING"))
	scheduler := worker.NewSequenceScheduler(seqs, leads, messages, outbox, metrics, logger.WithField("component", "SCHEDULER"), cfg.SchedulerPoll)
	sequences := services.NewSequenceService(seqs, leads, scheduler, logger.WithField("component", "SEQUENCE"))
	intake := services.NewIntakeService(leads, sequences, cfg.WelcomeSequence, metrics, logger.WithField("component", "INTAKE")).
		WithCache(cache)
	tracker := services.NewTracker(cache, signer, messages, seqs, leads, scoring, metrics, logger.WithField("component", "TRACKER"))
	webhooks := services.NewWebhookService(messages, leads, signer, logger.WithField("component", "WEBHOOK"))

	// Background workers
	dispatchCfg := worker.DispatchConfig{
		Poll:        cfg.DispatchPoll,
		BatchSize:   cfg.DispatchBatchSize,
		Concurrency: cfg.DispatchConcurrency,
	}
	emailWorker := worker.NewDispatchWorker(models.ChannelEmail, emailQueue, emailChain, messages, leads, signer, metrics, logger.WithField("component", "DISPATCH"), dispatchCfg)
	smsWorker := worker.NewDispatchWorker(models.ChannelSMS, smsQueue, smsChain, messages, leads, signer, metrics, logger.WithField("component", "DISPATCH"), dispatchCfg)

	cronManager := worker.NewCronManager(messages, seqs, stats, outbox, scheduler, scoring, metrics, logger.WithField("component", "CRON"))
	if err := cronManager.SetupJobs(cfg.Cron); err != nil {
		log.Fatalf("Failed to set up cron jobs: %v", err)
	}

	var wg sync.WaitGroup
	run := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(ctx)
		}()
	}
	run(scheduler.Start)
	run(emailWorker.Start)
	run(smsWorker.Start)
	run(cronManager.Start)
	if cfg.IMAP.Enabled {
		replyWorker := worker.NewReplyWorker(cfg.IMAP, cfg.MessageIDDomain, tracker, logger.WithField("component", "REPLY"))
		run(replyWorker.Start)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "leadflow",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	app.Use(recover.New())

	routes.SetupRoutes(app, routes.Dependencies{
		Config:    cfg,
		DB:        db,
		Redis:     cache,
		Intake:    intake,
		Sequences: sequences,
		Tracker:   tracker,
		Webhooks:  webhooks,
		Stats:     stats,
		Limiter:   middleware.NewFixedWindowLimiter(cache, "ratelimit:intake", cfg.IntakeRateLimit, cfg.IntakeRateWindow),
		Gatherer:  reg,
		Log:       logger,
	})

	go func() {
		log.Infof("Server starting on port %s", cfg.ServerPort)
		if err := app.Listen(":" + cfg.ServerPort); err != nil {
			log.Errorf("Server stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	intake.Wait()
	wg.Wait()

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.Close()
	}
	log.Info("Shutdown complete")
}
