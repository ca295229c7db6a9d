package routes

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"leadflow/config"
	"leadflow/middleware"
	"leadflow/models"
	"leadflow/queue"
	"leadflow/repository"
	"leadflow/services"
	"leadflow/testutil"
	"leadflow/utils"
)

type stubScheduler struct {
	mu      sync.Mutex
	started int
}

func (s *stubScheduler) StartRun(ctx context.Context, leadID, sequenceID uint) (services.StartResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started++
	return services.StartResult{Run: &models.SequenceRun{
		ID:         uuid.NewString(),
		LeadID:     leadID,
		SequenceID: sequenceID,
		Status:     models.RunPending,
	}}, nil
}

type app struct {
	*fiber.App
	db       *gorm.DB
	intake   *services.IntakeService
	signer   *utils.LinkSigner
	leads    *repository.LeadRepository
	messages *repository.MessageRepository
	cfg      *config.Config
}

func newApp(t *testing.T, env string) *app {
	t.Helper()
	db := testutil.NewDB(t)
	client, _ := testutil.NewRedis(t)
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := &config.Config{
		Environment:    env,
		AdminJWTSecret: "admin-secret",
		WebhookSecret:  "hook-secret",
	}
	signer := utils.NewLinkSigner("tracking-secret", "https://t.example.com")
	leads := repository.NewLeadRepository(db)
	messages := repository.NewMessageRepository(db)
	seqs := repository.NewSequenceRepository(db)

	outbox := services.NewOutbox(messages, queue.New(client, "email", time.Minute), queue.New(client, "sms", time.Minute))
	scoring := services.NewScoringService(leads, messages, outbox, testutil.NewLogger())
	sequences := services.NewSequenceService(seqs, leads, &stubScheduler{}, testutil.NewLogger())
	intake := services.NewIntakeService(leads, sequences, models.WelcomeSequenceName, nil, testutil.NewLogger()).WithCache(client)
	reg := prometheus.NewRegistry()

	a := &app{
		App:      fiber.New(),
		db:       db,
		intake:   intake,
		signer:   signer,
		leads:    leads,
		messages: messages,
		cfg:      cfg,
	}
	SetupRoutes(a.App, Dependencies{
		Config:    cfg,
		DB:        db,
		Redis:     client,
		Intake:    intake,
		Sequences: sequences,
		Tracker:   services.NewTracker(client, signer, messages, seqs, leads, scoring, utils.NewMetrics(reg), testutil.NewLogger()),
		Webhooks:  services.NewWebhookService(messages, leads, signer, testutil.NewLogger()),
		Stats:     repository.NewStatsRepository(db),
		Limiter:   middleware.NewFixedWindowLimiter(client, "ratelimit:test", 3, time.Minute),
		Gatherer:  reg,
		Log:       log,
	})
	t.Cleanup(intake.Wait)
	return a
}

func (a *app) do(t *testing.T, method, target, body string, headers map[string]string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := a.Test(req, -1)
	require.NoError(t, err)

	var out map[string]interface{}
	raw, _ := io.ReadAll(resp.Body)
	_ = json.Unmarshal(raw, &out)
	return resp, out
}

func (a *app) sentMessage(t *testing.T) *models.Message {
	t.Helper()
	lead := &models.Lead{Email: "ada@example.com", Status: models.LeadStatusNew}
	require.NoError(t, a.leads.Create(context.Background(), lead))
	msg := &models.Message{
		ID:      uuid.NewString(),
		LeadID:  lead.ID,
		Channel: models.ChannelEmail,
		To:      lead.Email,
		Body:    "hi",
		Status:  models.MessageSent,
	}
	require.NoError(t, a.messages.Create(context.Background(), msg))
	return msg
}

func TestRoutes_LeadIntake(t *testing.T) {
	a := newApp(t, "production")

	resp, body := a.do(t, "POST", "/api/leads", `{"email":"Ada@Example.com","name":"Ada","phone":"+1 415 555 2671"}`, nil)
	require.Equal(t, fiber.StatusCreated, resp.StatusCode)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, "ada@example.com", data["email"])
	assert.Equal(t, "+14155552671", data["phone"])

	resp, body = a.do(t, "POST", "/api/leads", `{"email":"ada@example.com"}`, nil)
	assert.Equal(t, fiber.StatusConflict, resp.StatusCode)
	assert.Equal(t, "duplicate_lead", body["error"])

	resp, body = a.do(t, "POST", "/api/leads", `{"email":"not-an-email"}`, nil)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation_failed", body["error"])

	// The limiter allows three requests per minute.
	resp, body = a.do(t, "POST", "/api/leads", `{"email":"other@example.com"}`, nil)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", body["error"])
	assert.NotEmpty(t, body["resetAt"])
	assert.NotEmpty(t, resp.Header.Get(fiber.HeaderRetryAfter))
}

func TestRoutes_OpenPixel(t *testing.T) {
	a := newApp(t, "production")
	msg := a.sentMessage(t)

	for _, sig := range []string{a.signer.Sign(msg.ID), "bogus"} {
		q := url.Values{"m": {msg.ID}, "s": {sig}}
		resp, _ := a.do(t, "GET", "/t/o?"+q.Encode(), "", nil)
		assert.Equal(t, fiber.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/gif", resp.Header.Get(fiber.HeaderContentType))
	}

	events, err := a.messages.Events(context.Background(), msg.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1, "only the signed hit is recorded")
}

func TestRoutes_ClickRedirect(t *testing.T) {
	a := newApp(t, "production")
	msg := a.sentMessage(t)

	click := func(target, sig string) *http.Response {
		q := url.Values{"m": {msg.ID}, "u": {target}, "s": {sig}}
		resp, _ := a.do(t, "GET", "/t/c?"+q.Encode(), "", nil)
		return resp
	}

	resp := click("https://example.com/pricing", a.signer.Sign(msg.ID))
	require.Equal(t, fiber.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get(fiber.HeaderLocation))
	require.NoError(t, err)
	assert.Equal(t, "example.com", loc.Host)
	assert.Equal(t, "leadflow", loc.Query().Get("utm_source"))
	assert.Equal(t, "email", loc.Query().Get("utm_medium"))

	assert.Equal(t, fiber.StatusForbidden, click("https://example.com/pricing", "bogus").StatusCode)
	assert.Equal(t, fiber.StatusBadRequest, click("javascript:alert(1)", a.signer.Sign(msg.ID)).StatusCode)
}

func TestRoutes_Unsubscribe(t *testing.T) {
	a := newApp(t, "production")

	q := url.Values{"email": {"ada@example.com"}, "token": {a.signer.UnsubscribeToken("ada@example.com")}}
	resp, _ := a.do(t, "GET", "/unsubscribe?"+q.Encode(), "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	unsub, err := a.leads.IsUnsubscribed(context.Background(), "ada@example.com")
	require.NoError(t, err)
	assert.True(t, unsub)

	q.Set("email", "someone@example.com")
	resp, _ = a.do(t, "GET", "/unsubscribe?"+q.Encode(), "", nil)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
}

func TestRoutes_Webhooks(t *testing.T) {
	a := newApp(t, "production")
	msg := a.sentMessage(t)
	body := `{"message_id":"` + msg.ID + `","type":"hard","reason":"mailbox unknown"}`

	resp, _ := a.do(t, "POST", "/api/webhooks/bounce", body, nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	secret := map[string]string{middleware.WebhookSecretHeader: "hook-secret"}
	resp, out := a.do(t, "POST", "/api/webhooks/bounce", body, secret)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	data := out["data"].(map[string]interface{})
	assert.Equal(t, true, data["transitioned"])
	assert.Equal(t, true, data["unsubscribed"])

	resp, _ = a.do(t, "POST", "/api/webhooks/delivery", `{"message_id":"missing"}`, secret)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, "POST", "/api/webhooks/bounce", `{"message_id":"x","type":"medium"}`, secret)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestRoutes_AdminRunSequence(t *testing.T) {
	a := newApp(t, "production")
	welcome, err := models.CreateDefaultSequences(a.db)
	require.NoError(t, err)
	lead := &models.Lead{Email: "ada@example.com", Status: models.LeadStatusNew}
	require.NoError(t, a.leads.Create(context.Background(), lead))

	body, _ := json.Marshal(map[string]uint{"lead_id": lead.ID, "sequence_id": welcome.ID})

	resp, _ := a.do(t, "POST", "/api/sequences/run", string(body), nil)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)

	token, err := utils.GenerateAdminToken(a.cfg.AdminJWTSecret, "ops", time.Hour)
	require.NoError(t, err)
	auth := map[string]string{fiber.HeaderAuthorization: "Bearer " + token}

	resp, out := a.do(t, "POST", "/api/sequences/run", string(body), auth)
	require.Equal(t, fiber.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, out["existing"])

	resp, _ = a.do(t, "POST", "/api/sequences/run", `{"lead_id":999,"sequence_id":`+jsonUint(welcome.ID)+`}`, auth)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	resp, _ = a.do(t, "POST", "/api/sequences/run", `{}`, auth)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func jsonUint(v uint) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestRoutes_DevRoutesOnlyInDevelopment(t *testing.T) {
	prod := newApp(t, "production")
	resp, _ := prod.do(t, "POST", "/api/dev/seed", "", nil)
	assert.Equal(t, fiber.StatusNotFound, resp.StatusCode)

	dev := newApp(t, "development")
	resp, out := dev.do(t, "POST", "/api/dev/seed", "", nil)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, models.WelcomeSequenceName, out["data"].(map[string]interface{})["name"])

	resp, _ = dev.do(t, "POST", "/api/dev/reset", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	var n int64
	require.NoError(t, dev.db.Model(&models.Sequence{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestRoutes_HealthAndMetrics(t *testing.T) {
	a := newApp(t, "production")

	resp, out := a.do(t, "GET", "/health", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", out["database"])

	resp, _ = a.do(t, "GET", "/metrics", "", nil)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
