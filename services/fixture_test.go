package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/queue"
	"leadflow/repository"
	"leadflow/testutil"
	"leadflow/utils"
)

type fixture struct {
	db       *gorm.DB
	redis    *redis.Client
	mr       *miniredis.Miniredis
	leads    *repository.LeadRepository
	messages *repository.MessageRepository
	seqs     *repository.SequenceRepository
	email    *queue.Queue
	sms      *queue.Queue
	outbox   *Outbox
	signer   *utils.LinkSigner
	scoring  *ScoringService
	tracker  *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	client, mr := testutil.NewRedis(t)
	log := testutil.NewLogger()

	f := &fixture{
		db:       db,
		redis:    client,
		mr:       mr,
		leads:    repository.NewLeadRepository(db),
		messages: repository.NewMessageRepository(db),
		seqs:     repository.NewSequenceRepository(db),
		email:    queue.New(client, "email", time.Minute),
		sms:      queue.New(client, "sms", time.Minute),
		signer:   utils.NewLinkSigner("test-secret", "https://t.example.com"),
	}
	f.outbox = NewOutbox(f.messages, f.email, f.sms)
	f.scoring = NewScoringService(f.leads, f.messages, f.outbox, log)
	f.tracker = NewTracker(client, f.signer, f.messages, f.seqs, f.leads, f.scoring, nil, log)
	return f
}

func (f *fixture) lead(t *testing.T, email, phone string) *models.Lead {
	t.Helper()
	lead := &models.Lead{Email: email, Name: "Ada", Phone: phone, Status: models.LeadStatusNew}
	require.NoError(t, f.leads.Create(context.Background(), lead))
	return lead
}

func (f *fixture) message(t *testing.T, lead *models.Lead, channel models.Channel, status models.MessageStatus) *models.Message {
	t.Helper()
	to := lead.Email
	if channel == models.ChannelSMS {
		to = lead.Phone
	}
	msg := &models.Message{
		ID:      uuid.NewString(),
		LeadID:  lead.ID,
		Channel: channel,
		To:      to,
		Subject: "Hello",
		Body:    "<p>hi</p>",
		Status:  status,
	}
	require.NoError(t, f.messages.Create(context.Background(), msg))
	return msg
}

func (f *fixture) events(t *testing.T, messageID string) []models.MessageEvent {
	t.Helper()
	evs, err := f.messages.Events(context.Background(), messageID)
	require.NoError(t, err)
	return evs
}
