package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/queue"
	"leadflow/repository"
	"leadflow/services"
	"leadflow/testutil"
)

// flakyQueue fails enqueues while fail is set.
type flakyQueue struct {
	mu    sync.Mutex
	fail  bool
	inner *queue.Queue
}

func (q *flakyQueue) Enqueue(ctx context.Context, d *queue.Delivery, delay time.Duration) error {
	q.mu.Lock()
	fail := q.fail
	q.mu.Unlock()
	if fail {
		return errors.New("queue unavailable")
	}
	return q.inner.Enqueue(ctx, d, delay)
}

func (q *flakyQueue) setFail(v bool) {
	q.mu.Lock()
	q.fail = v
	q.mu.Unlock()
}

type fixture struct {
	db       *gorm.DB
	redis    *redis.Client
	mr       *miniredis.Miniredis
	leads    *repository.LeadRepository
	messages *repository.MessageRepository
	seqs     *repository.SequenceRepository
	email    *queue.Queue
	sms      *queue.Queue
	emailIn  *flakyQueue
	outbox   *services.Outbox
	sched    *SequenceScheduler
	welcome  *models.Sequence
	clock    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	client, mr := testutil.NewRedis(t)

	f := &fixture{
		db:       db,
		redis:    client,
		mr:       mr,
		leads:    repository.NewLeadRepository(db),
		messages: repository.NewMessageRepository(db),
		seqs:     repository.NewSequenceRepository(db),
		email:    queue.New(client, "email", time.Minute),
		sms:      queue.New(client, "sms", time.Minute),
		clock:    time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
	f.emailIn = &flakyQueue{inner: f.email}
	f.outbox = services.NewOutbox(f.messages, f.emailIn, f.sms)
	f.sched = NewSequenceScheduler(f.seqs, f.leads, f.messages, f.outbox, nil, testutil.NewLogger(), time.Hour)
	f.sched.now = func() time.Time { return f.clock }

	welcome, err := models.CreateDefaultSequences(db)
	require.NoError(t, err)
	f.welcome = welcome
	return f
}

// run starts the scheduler actor for the duration of the test.
func (f *fixture) run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.sched.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) lead(t *testing.T, email, phone string) *models.Lead {
	t.Helper()
	lead := &models.Lead{Email: email, Name: "Ada", Phone: phone, Status: models.LeadStatusNew}
	require.NoError(t, f.leads.Create(context.Background(), lead))
	return lead
}

func (f *fixture) runs(t *testing.T, leadID, sequenceID uint) []models.SequenceRun {
	t.Helper()
	runs, err := f.seqs.RunsForLead(context.Background(), leadID, sequenceID)
	require.NoError(t, err)
	return runs
}

func (f *fixture) pendingRuns(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.SequenceRun{}).Where("status = ?", models.RunPending).Count(&n).Error)
	return n
}
