package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/queue"
	"leadflow/repository"
	"leadflow/transport"
	"leadflow/utils"
)

// MaxAttempts is the number of transport calls made for one message before
// it is marked failed.
const MaxAttempts = 3

// SendTimeout bounds a single transport call.
const SendTimeout = 30 * time.Second

// Sender is an ordered provider chain.
type Sender interface {
	Send(ctx context.Context, msg *transport.Message) (transport.Result, error)
}

type DispatchConfig struct {
	Poll        time.Duration
	BatchSize   int
	Concurrency int
	// BaseBackoff is the redelivery delay after the first failure; it
	// doubles for every further attempt.
	BaseBackoff time.Duration
}

// DispatchWorker consumes one channel's queue and sends each message
// through the provider chain.
type DispatchWorker struct {
	channel  models.Channel
	queue    *queue.Queue
	sender   Sender
	messages *repository.MessageRepository
	leads    *repository.LeadRepository
	signer   *utils.LinkSigner
	metrics  *utils.Metrics
	log      *logrus.Entry
	cfg      DispatchConfig
	now      func() time.Time
}

func NewDispatchWorker(
	channel models.Channel,
	q *queue.Queue,
	sender Sender,
	messages *repository.MessageRepository,
	leads *repository.LeadRepository,
	signer *utils.LinkSigner,
	metrics *utils.Metrics,
	log *logrus.Entry,
	cfg DispatchConfig,
) *DispatchWorker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 30 * time.Second
	}
	return &DispatchWorker{
		channel:  channel,
		queue:    q,
		sender:   sender,
		messages: messages,
		leads:    leads,
		signer:   signer,
		metrics:  metrics,
		log:      log.WithField("channel", channel),
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (w *DispatchWorker) Start(ctx context.Context) {
	w.log.Info("Dispatch worker started")
	ticker := time.NewTicker(w.cfg.Poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Dispatch worker shutting down...")
			return
		case <-ticker.C:
			if _, err := w.queue.RequeueExpired(ctx); err != nil {
				w.log.WithError(err).Warn("Failed to requeue expired reservations")
			}
			if _, err := w.ProcessBatch(ctx); err != nil {
				utils.LogError(w.log, "dispatch_batch_failed", err, nil)
			}
			w.reportDepth(ctx)
		}
	}
}

// ProcessBatch reserves up to BatchSize deliveries and handles them
// concurrently. A failing delivery never affects the others.
func (w *DispatchWorker) ProcessBatch(ctx context.Context) (int, error) {
	deliveries, err := w.queue.Reserve(ctx, w.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(w.cfg.Concurrency)
	for _, d := range deliveries {
		d := d
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					w.log.WithField("delivery_id", d.ID).Errorf("Panic while dispatching: %v", r)
				}
			}()
			w.handle(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(deliveries), nil
}

func (w *DispatchWorker) handle(ctx context.Context, d *queue.Delivery) {
	log := w.log.WithFields(logrus.Fields{"delivery_id": d.ID, "message_id": d.MessageID})

	msg, err := w.messages.FindByID(ctx, d.MessageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			log.Error("Message not found, dropping delivery")
			w.metrics.Dispatched(string(w.channel), "dropped", "")
			w.ack(ctx, d)
			return
		}
		// Left reserved; it becomes visible again after the visibility timeout.
		log.WithError(err).Warn("Failed to load message")
		return
	}

	if msg.Status.Terminal() {
		log.WithField("status", msg.Status).Debug("Duplicate delivery of a finished message")
		w.ack(ctx, d)
		return
	}

	if w.channel == models.ChannelEmail {
		unsub, err := w.leads.IsUnsubscribed(ctx, utils.NormalizeEmail(msg.To))
		if err != nil {
			log.WithError(err).Warn("Failed to check unsubscribe list")
			return
		}
		if unsub {
			w.fail(ctx, d, msg, "recipient unsubscribed", msg.Attempts)
			return
		}
	}

	attempts := d.Attempts
	if msg.Attempts > attempts {
		attempts = msg.Attempts
	}
	attempts++

	sendCtx, cancel := context.WithTimeout(ctx, SendTimeout)
	res, err := w.sender.Send(sendCtx, &transport.Message{
		ID:      msg.ID,
		To:      msg.To,
		Subject: msg.Subject,
		Body:    w.decorate(msg),
	})
	cancel()

	switch {
	case err == nil:
		w.sent(ctx, d, msg, res, attempts)
	case errors.Is(err, transport.ErrNoProvider):
		utils.LogError(w.log, "no_transport_provider", err, map[string]interface{}{
			"channel":    w.channel,
			"message_id": msg.ID,
		})
		w.fail(ctx, d, msg, err.Error(), attempts)
	case attempts >= MaxAttempts:
		w.fail(ctx, d, msg, err.Error(), attempts)
	default:
		w.retry(ctx, d, msg, err, attempts)
	}
}

// decorate adds tracking to the body: the open pixel, the unsubscribe link
// and signed click redirects for email, click redirects for SMS.
func (w *DispatchWorker) decorate(msg *models.Message) string {
	if w.channel == models.ChannelSMS {
		return w.signer.RewriteLinks(msg.Body, msg.ID)
	}
	footer := fmt.Sprintf(`<p style="font-size:12px;color:#888"><a href="%s">Unsubscribe</a></p>`, w.signer.UnsubscribeURL(msg.To))
	return w.signer.InjectEmailTracking(appendBeforeBodyEnd(msg.Body, footer), msg.ID)
}

func (w *DispatchWorker) sent(ctx context.Context, d *queue.Delivery, msg *models.Message, res transport.Result, attempts int) {
	ok, err := w.messages.MarkSent(ctx, msg.ID, res.Provider, res.ProviderMessageID, attempts, w.now())
	if err != nil {
		// Still acked: the provider has accepted the message.
		utils.LogError(w.log, "mark_sent_failed", err, map[string]interface{}{"message_id": msg.ID})
	}
	if ok {
		w.metrics.Dispatched(string(w.channel), "sent", res.Provider)
		utils.LogEvent(w.log, "message_sent", map[string]interface{}{
			"message_id": msg.ID,
			"provider":   res.Provider,
			"attempts":   attempts,
		})
	}
	w.ack(ctx, d)
}

func (w *DispatchWorker) fail(ctx context.Context, d *queue.Delivery, msg *models.Message, reason string, attempts int) {
	ok, err := w.messages.MarkFailed(ctx, msg.ID, reason, attempts)
	if err != nil {
		w.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to mark message failed")
		return
	}
	if ok {
		w.metrics.Dispatched(string(w.channel), "failed", "")
		w.log.WithFields(logrus.Fields{
			"message_id": msg.ID,
			"attempts":   attempts,
			"error":      reason,
		}).Warn("Message failed")
	}
	w.ack(ctx, d)
}

func (w *DispatchWorker) retry(ctx context.Context, d *queue.Delivery, msg *models.Message, sendErr error, attempts int) {
	if err := w.messages.RecordAttempt(ctx, msg.ID, attempts, sendErr.Error()); err != nil {
		w.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to record attempt")
	}

	d.Attempts = attempts
	delay := w.backoff(attempts)
	if err := w.queue.Retry(ctx, d, delay); err != nil {
		w.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to schedule redelivery")
		return
	}
	w.metrics.Dispatched(string(w.channel), "retry", "")
	w.log.WithFields(logrus.Fields{
		"message_id": msg.ID,
		"attempts":   attempts,
		"retry_in":   delay.String(),
		"error":      sendErr.Error(),
	}).Info("Transport failed, redelivery scheduled")
}

func (w *DispatchWorker) backoff(attempts int) time.Duration {
	delay := w.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}

func (w *DispatchWorker) ack(ctx context.Context, d *queue.Delivery) {
	if err := w.queue.Ack(ctx, d.ID); err != nil {
		w.log.WithError(err).WithField("delivery_id", d.ID).Warn("Failed to ack delivery")
	}
}

func (w *DispatchWorker) reportDepth(ctx context.Context) {
	if n, err := w.queue.Ready(ctx); err == nil {
		w.metrics.SetQueueDepth(w.queue.Name(), n)
	}
}

func appendBeforeBodyEnd(body, fragment string) string {
	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx != -1 {
		return body[:idx] + fragment + body[idx:]
	}
	return body + fragment
}
