package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("TRACKING_SECRET", "s3cret")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"sendgrid", "smtp", "log"}, cfg.EmailProviders)
	assert.Equal(t, []string{"webhook", "log"}, cfg.SMSProviders)
	assert.Equal(t, 5, cfg.IntakeRateLimit)
	assert.Equal(t, time.Minute, cfg.IntakeRateWindow)
	assert.Equal(t, "welcome", cfg.WelcomeSequence)
	assert.Equal(t, 5*time.Second, cfg.SchedulerPoll)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TRACKING_SECRET", "s3cret")
	t.Setenv("BASE_URL", "https://track.example.com/")
	t.Setenv("EMAIL_PROVIDERS", " SMTP , ,log")
	t.Setenv("SMS_PROVIDERS", "")
	t.Setenv("INTAKE_RATE_LIMIT", "20")
	t.Setenv("INTAKE_RATE_WINDOW", "30s")
	t.Setenv("IMAP_ENABLED", "true")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "https://track.example.com", cfg.BaseURL)
	assert.Equal(t, []string{"smtp", "log"}, cfg.EmailProviders)
	assert.Empty(t, cfg.SMSProviders)
	assert.Equal(t, 20, cfg.IntakeRateLimit)
	assert.Equal(t, 30*time.Second, cfg.IntakeRateWindow)
	assert.True(t, cfg.IMAP.Enabled)
}

func TestLoadConfig_Validation(t *testing.T) {
	t.Run("missing tracking secret", func(t *testing.T) {
		t.Setenv("TRACKING_SECRET", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "TRACKING_SECRET")
	})

	t.Run("production requires admin secret", func(t *testing.T) {
		t.Setenv("TRACKING_SECRET", "s3cret")
		t.Setenv("ENVIRONMENT", "production")
		t.Setenv("DB_PASSWORD", "pw")
		t.Setenv("ADMIN_JWT_SECRET", "")
		_, err := LoadConfig()
		assert.ErrorContains(t, err, "ADMIN_JWT_SECRET")
	})

	t.Run("no providers", func(t *testing.T) {
		t.Setenv("TRACKING_SECRET", "s3cret")
		t.Setenv("EMAIL_PROVIDERS", "")
		t.Setenv("SMS_PROVIDERS", " , ")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}

func TestMaskPassword(t *testing.T) {
	assert.Equal(t, "host=db password=***** dbname=x", maskPassword("host=db password=hunter2 dbname=x"))
	assert.Equal(t, "host=db password=*****", maskPassword("host=db password=hunter2"))
	assert.Equal(t, "host=db", maskPassword("host=db"))
}
