package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"leadflow/testutil"
)

func newTestQueue(t *testing.T) (*Queue, *time.Time) {
	t.Helper()
	client, _ := testutil.NewRedis(t)
	q := New(client, "email", time.Minute)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, &now
}

func TestQueue_EnqueueReserveAck(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	d := &Delivery{MessageID: "m1", To: "a@b.com", Subject: "Hi", Body: "body"}
	require.NoError(t, q.Enqueue(ctx, d, 0))
	assert.NotEmpty(t, d.ID)

	got, err := q.Reserve(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, *d, *got[0])

	// Reserved deliveries are hidden from other consumers.
	again, err := q.Reserve(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Ack(ctx, d.ID))
	inflight, err := q.InFlight(ctx)
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestQueue_EnqueueSameIDWhileQueued(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Delivery{ID: "m1", MessageID: "m1"}, 0))
	assert.ErrorIs(t, q.Enqueue(ctx, &Delivery{ID: "m1", MessageID: "m1"}, 0), ErrAlreadyQueued)

	got, err := q.Reserve(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Still reserved, so still a duplicate.
	assert.ErrorIs(t, q.Enqueue(ctx, &Delivery{ID: "m1", MessageID: "m1"}, 0), ErrAlreadyQueued)
	ready, err := q.Ready(ctx)
	require.NoError(t, err)
	assert.Zero(t, ready)

	require.NoError(t, q.Ack(ctx, "m1"))
	require.NoError(t, q.Enqueue(ctx, &Delivery{ID: "m1", MessageID: "m1"}, 0))
	ready, err = q.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ready)
}

func TestQueue_DelayedVisibility(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Delivery{MessageID: "m1"}, 10*time.Second))

	got, err := q.Reserve(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	*now = now.Add(10 * time.Second)
	got, err = q.Reserve(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueue_ReserveRespectsLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, &Delivery{MessageID: "m"}, 0))
	}

	got, err := q.Reserve(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	ready, err := q.Ready(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), ready)
}

func TestQueue_RetryKeepsPayload(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Delivery{MessageID: "m1"}, 0))
	got, err := q.Reserve(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)

	d := got[0]
	d.Attempts = 1
	require.NoError(t, q.Retry(ctx, d, 2*time.Second))

	got, err = q.Reserve(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	*now = now.Add(2 * time.Second)
	got, err = q.Reserve(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Attempts)
	assert.Equal(t, d.ID, got[0].ID)
}

func TestQueue_RequeueExpired(t *testing.T) {
	q, now := newTestQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, &Delivery{MessageID: "m1"}, 0))
	_, err := q.Reserve(ctx, 1)
	require.NoError(t, err)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	*now = now.Add(time.Minute)
	n, err = q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := q.Reserve(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "m1", got[0].MessageID)
}

func TestQueue_QueuesAreIndependent(t *testing.T) {
	client, _ := testutil.NewRedis(t)
	email := New(client, "email", time.Minute)
	sms := New(client, "sms", time.Minute)
	ctx := context.Background()

	require.NoError(t, email.Enqueue(ctx, &Delivery{MessageID: "e"}, 0))

	got, err := sms.Reserve(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = email.Reserve(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
