package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"leadflow/models"
	"leadflow/queue"
	"leadflow/repository"
)

// Enqueuer is the producer side of a dispatch queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, d *queue.Delivery, delay time.Duration) error
}

// Outbox hands committed messages to the dispatch queue of their channel.
type Outbox struct {
	messages *repository.MessageRepository
	queues   map[models.Channel]Enqueuer
	now      func() time.Time
}

func NewOutbox(messages *repository.MessageRepository, email, sms Enqueuer) *Outbox {
	return &Outbox{
		messages: messages,
		queues: map[models.Channel]Enqueuer{
			models.ChannelEmail: email,
			models.ChannelSMS:   sms,
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue pushes msg to its queue unless it was already enqueued, then
// records the enqueue time. The message row must be committed first so a
// worker never sees a delivery without its message.
func (o *Outbox) Enqueue(ctx context.Context, msg *models.Message) error {
	if msg.EnqueuedAt != nil {
		return nil
	}
	return o.push(ctx, msg)
}

// Requeue pushes a pending message again regardless of its enqueue time.
// A message whose delivery is still queued is not pushed a second time; its
// enqueue time is refreshed and pushed reports false.
func (o *Outbox) Requeue(ctx context.Context, msg *models.Message) (pushed bool, err error) {
	q, ok := o.queues[msg.Channel]
	if !ok || q == nil {
		return false, fmt.Errorf("no queue for channel %q", msg.Channel)
	}
	err = q.Enqueue(ctx, deliveryFor(msg), 0)
	switch {
	case errors.Is(err, queue.ErrAlreadyQueued):
		return false, o.messages.MarkEnqueued(ctx, msg.ID, o.now())
	case err != nil:
		return false, err
	}
	return true, o.messages.Requeued(ctx, msg.ID, o.now())
}

func (o *Outbox) push(ctx context.Context, msg *models.Message) error {
	q, ok := o.queues[msg.Channel]
	if !ok || q == nil {
		return fmt.Errorf("no queue for channel %q", msg.Channel)
	}
	err := q.Enqueue(ctx, deliveryFor(msg), 0)
	if err != nil && !errors.Is(err, queue.ErrAlreadyQueued) {
		return fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}

	at := o.now()
	if err := o.messages.MarkEnqueued(ctx, msg.ID, at); err != nil {
		return fmt.Errorf("mark message %s enqueued: %w", msg.ID, err)
	}
	msg.EnqueuedAt = &at
	return nil
}

// Deliveries are keyed by message id so a message is never queued twice.
func deliveryFor(msg *models.Message) *queue.Delivery {
	return &queue.Delivery{
		ID:        msg.ID,
		MessageID: msg.ID,
		To:        msg.To,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Attempts:  msg.Attempts,
	}
}
