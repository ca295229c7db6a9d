package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"-"`
}

type IMAPConfig struct {
	Enabled  bool          `json:"enabled"`
	Host     string        `json:"host"`
	Port     int           `json:"port"`
	Username string        `json:"username"`
	Password string        `json:"-"`
	Mailbox  string        `json:"mailbox"`
	Interval time.Duration `json:"interval"`
}

type CronConfig struct {
	StaleSweep   string `json:"stale_sweep"`
	AdvanceSteps string `json:"advance_steps"`
	DailyStats   string `json:"daily_stats"`
	LinkHealth   string `json:"link_health"`
	Decay        string `json:"decay"`
	Nudge        string `json:"nudge"`
}

type Config struct {
	Environment string   `json:"environment"`
	ServerPort  string   `json:"server_port"`
	BaseURL     string   `json:"base_url"`
	SentryDSN   string   `json:"-"`
	CORSOrigins []string `json:"cors_origins"`

	TrackingSecret string `json:"-"`
	WebhookSecret  string `json:"-"`
	AdminJWTSecret string `json:"-"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	Redis RedisConfig `json:"redis"`
	SMTP  SMTPConfig  `json:"smtp"`
	IMAP  IMAPConfig  `json:"imap"`
	Cron  CronConfig  `json:"cron"`

	FromName        string `json:"from_name"`
	FromEmail       string `json:"from_email"`
	MessageIDDomain string `json:"message_id_domain"`
	SendGridAPIKey  string `json:"-"`
	SMSWebhookURL   string `json:"sms_webhook_url"`
	SMSWebhookToken string `json:"-"`
	SMSSenderID     string `json:"sms_sender_id"`

	// Ordered provider names, highest priority first.
	EmailProviders []string `json:"email_providers"`
	SMSProviders   []string `json:"sms_providers"`
	ProviderRate   float64  `json:"provider_rate"`

	IntakeRateLimit  int           `json:"intake_rate_limit"`
	IntakeRateWindow time.Duration `json:"intake_rate_window"`

	WelcomeSequence     string        `json:"welcome_sequence"`
	SchedulerPoll       time.Duration `json:"scheduler_poll"`
	DispatchPoll        time.Duration `json:"dispatch_poll"`
	DispatchBatchSize   int           `json:"dispatch_batch_size"`
	DispatchConcurrency int           `json:"dispatch_concurrency"`
	VisibilityTimeout   time.Duration `json:"visibility_timeout"`
}

// IsDevelopment gates debug-only endpoints.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// LoadConfig reads the environment (and .env when present) into a Config.
func LoadConfig() (*Config, error) {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  getEnv("SERVER_PORT", "5000"),
		BaseURL:     strings.TrimRight(getEnv("BASE_URL", "http://localhost:5000"), "/"),
		SentryDSN:   getEnv("SENTRY_DSN", ""),
		CORSOrigins: getEnvAsList("CORS_ORIGINS", nil),

		TrackingSecret: getEnv("TRACKING_SECRET", ""),
		WebhookSecret:  getEnv("WEBHOOK_SECRET", ""),
		AdminJWTSecret: getEnv("ADMIN_JWT_SECRET", ""),

		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "leadflow"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDRESS", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnvAsInt("SMTP_PORT", 587),
			Username: getEnv("SMTP_USERNAME", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
		},
		IMAP: IMAPConfig{
			Enabled:  getEnvAsBool("IMAP_ENABLED", false),
			Host:     getEnv("IMAP_HOST", ""),
			Port:     getEnvAsInt("IMAP_PORT", 993),
			Username: getEnv("IMAP_USERNAME", ""),
			Password: getEnv("IMAP_PASSWORD", ""),
			Mailbox:  getEnv("IMAP_MAILBOX", "INBOX"),
			Interval: getEnvAsDuration("IMAP_POLL_INTERVAL", 5*time.Minute),
		},
		Cron: CronConfig{
			StaleSweep:   getEnv("CRON_STALE_SWEEP", "@every 5m"),
			AdvanceSteps: getEnv("CRON_ADVANCE_STEPS", "@every 1m"),
			DailyStats:   getEnv("CRON_DAILY_STATS", "15 0 * * *"),
			LinkHealth:   getEnv("CRON_LINK_HEALTH", "0 */6 * * *"),
			Decay:        getEnv("CRON_DECAY", "30 3 * * *"),
			Nudge:        getEnv("CRON_NUDGE", "@hourly"),
		},

		FromName:        getEnv("FROM_NAME", "Leadflow"),
		FromEmail:       getEnv("FROM_EMAIL", ""),
		MessageIDDomain: getEnv("MESSAGE_ID_DOMAIN", "leadflow.local"),
		SendGridAPIKey:  getEnv("SENDGRID_API_KEY", ""),
		SMSWebhookURL:   getEnv("SMS_WEBHOOK_URL", ""),
		SMSWebhookToken: getEnv("SMS_WEBHOOK_TOKEN", ""),
		SMSSenderID:     getEnv("SMS_SENDER_ID", ""),

		EmailProviders: getEnvAsList("EMAIL_PROVIDERS", []string{"sendgrid", "smtp", "log"}),
		SMSProviders:   getEnvAsList("SMS_PROVIDERS", []string{"webhook", "log"}),
		ProviderRate:   getEnvAsFloat("PROVIDER_RATE_PER_SECOND", 10),

		IntakeRateLimit:  getEnvAsInt("INTAKE_RATE_LIMIT", 5),
		IntakeRateWindow: getEnvAsDuration("INTAKE_RATE_WINDOW", time.Minute),

		WelcomeSequence:     getEnv("WELCOME_SEQUENCE", "welcome"),
		SchedulerPoll:       time.Duration(getEnvAsInt("SCHEDULER_POLL_SECONDS", 5)) * time.Second,
		DispatchPoll:        getEnvAsDuration("DISPATCH_POLL_INTERVAL", time.Second),
		DispatchBatchSize:   getEnvAsInt("DISPATCH_BATCH_SIZE", 25),
		DispatchConcurrency: getEnvAsInt("DISPATCH_CONCURRENCY", 5),
		VisibilityTimeout:   getEnvAsDuration("QUEUE_VISIBILITY_TIMEOUT", 2*time.Minute),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.TrackingSecret == "" {
		return fmt.Errorf("TRACKING_SECRET is required")
	}
	if c.Environment == "production" {
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required in production")
		}
		if c.AdminJWTSecret == "" {
			return fmt.Errorf("ADMIN_JWT_SECRET is required in production")
		}
	}
	if len(c.EmailProviders) == 0 && len(c.SMSProviders) == 0 {
		return fmt.Errorf("at least one of EMAIL_PROVIDERS or SMS_PROVIDERS must be set")
	}
	if c.IntakeRateLimit <= 0 || c.IntakeRateWindow <= 0 {
		return fmt.Errorf("INTAKE_RATE_LIMIT and INTAKE_RATE_WINDOW must be positive")
	}
	return nil
}

// Log prints the non-secret parts of the configuration.
func (c *Config) Log(log *logrus.Entry) {
	log.WithFields(logrus.Fields{
		"environment":     c.Environment,
		"port":            c.ServerPort,
		"database":        fmt.Sprintf("%s@%s:%s/%s", c.DBUser, c.DBHost, c.DBPort, c.DBName),
		"redis":           c.Redis.Address,
		"email_providers": strings.Join(c.EmailProviders, ","),
		"sms_providers":   strings.Join(c.SMSProviders, ","),
		"imap":            c.IMAP.Enabled,
	}).Info("Loaded configuration")
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsFloat(key string, fallback float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

// getEnvAsList splits a comma separated value, dropping blanks.
// A variable set to the empty string yields an empty list.
func getEnvAsList(key string, fallback []string) []string {
	raw, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}
