package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/repository"
	"leadflow/utils"
)

// DedupWindow absorbs link prefetching and repeated pixel loads.
const DedupWindow = 3 * time.Second

// DefaultCampaign is the utm_campaign of messages outside a sequence.
const DefaultCampaign = "lifecycle"

type OpenInput struct {
	MessageID string
	Signature string
	IP        string
	UserAgent string
}

type ClickInput struct {
	MessageID string
	Signature string
	URL       string
	IP        string
	UserAgent string
}

// TrackResult reports whether a hit was stored as a new event.
type TrackResult struct {
	Recorded bool
	Redirect string
}

// Tracker records open and click events on signed tracking links.
type Tracker struct {
	cache    *redis.Client
	signer   *utils.LinkSigner
	messages *repository.MessageRepository
	seqs     *repository.SequenceRepository
	leads    *repository.LeadRepository
	scoring  *ScoringService
	metrics  *utils.Metrics
	log      *logrus.Entry
	now      func() time.Time
}

func NewTracker(
	cache *redis.Client,
	signer *utils.LinkSigner,
	messages *repository.MessageRepository,
	seqs *repository.SequenceRepository,
	leads *repository.LeadRepository,
	scoring *ScoringService,
	metrics *utils.Metrics,
	log *logrus.Entry,
) *Tracker {
	return &Tracker{
		cache:    cache,
		signer:   signer,
		messages: messages,
		seqs:     seqs,
		leads:    leads,
		scoring:  scoring,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RecordOpen stores an open event unless the same client opened the message
// within DedupWindow.
func (t *Tracker) RecordOpen(ctx context.Context, in OpenInput) (TrackResult, error) {
	if !t.signer.Verify(in.MessageID, in.Signature) {
		t.metrics.Tracked(string(models.EventOpen), "invalid_signature")
		return TrackResult{}, ErrInvalidSignature
	}

	msg, err := t.messages.FindByID(ctx, in.MessageID)
	if err != nil {
		t.missing(models.EventOpen, in.MessageID, err)
		return TrackResult{}, nil
	}

	recorded := t.record(ctx, msg, models.EventOpen, in.IP, in.UserAgent, nil)
	return TrackResult{Recorded: recorded}, nil
}

// RecordClick stores a click event and returns the redirect target with UTM
// parameters. Invalid targets are rejected before anything is recorded.
func (t *Tracker) RecordClick(ctx context.Context, in ClickInput) (TrackResult, error) {
	if !t.signer.Verify(in.MessageID, in.Signature) {
		t.metrics.Tracked(string(models.EventClick), "invalid_signature")
		return TrackResult{}, ErrInvalidSignature
	}

	target, err := utils.ValidateRedirectTarget(in.URL)
	if err != nil {
		t.metrics.Tracked(string(models.EventClick), "invalid_target")
		return TrackResult{}, validationError(fmt.Errorf("redirect target: %w", err))
	}

	msg, err := t.messages.FindByID(ctx, in.MessageID)
	if err != nil {
		t.missing(models.EventClick, in.MessageID, err)
		return TrackResult{Redirect: utils.AppendUTM(target, "", DefaultCampaign)}, nil
	}

	recorded := t.record(ctx, msg, models.EventClick, in.IP, in.UserAgent, map[string]string{"url": in.URL})
	return TrackResult{
		Recorded: recorded,
		Redirect: utils.AppendUTM(target, string(msg.Channel), t.campaign(ctx, msg)),
	}, nil
}

func (t *Tracker) record(ctx context.Context, msg *models.Message, typ models.EventType, ip, ua string, meta map[string]string) bool {
	if t.duplicate(ctx, typ, msg.ID, ip, ua) {
		t.metrics.Tracked(string(typ), "duplicate")
		return false
	}

	ev := &models.MessageEvent{
		MessageID: msg.ID,
		LeadID:    msg.LeadID,
		Type:      typ,
		IP:        ip,
		UserAgent: ua,
		Meta:      meta,
	}
	if err := t.messages.AppendEvent(ctx, ev); err != nil {
		utils.LogError(t.log, "tracking_event_failed", err, map[string]interface{}{
			"message_id": msg.ID,
			"type":       typ,
		})
		// Let the client's retry through.
		if err := t.cache.Del(ctx, dedupKey(typ, msg.ID, ip, ua)).Err(); err != nil {
			t.log.WithError(err).WithField("message_id", msg.ID).Warn("Failed to release tracking dedup key")
		}
		t.metrics.Tracked(string(typ), "error")
		return false
	}
	t.metrics.Tracked(string(typ), "recorded")

	delta := DeltaOpen
	if typ == models.EventClick {
		delta = DeltaClick
	}
	if _, err := t.scoring.ApplyDelta(ctx, msg.LeadID, delta); err != nil {
		utils.LogError(t.log, "score_update_failed", err, map[string]interface{}{"lead_id": msg.LeadID})
	}
	if err := t.leads.TouchActivity(ctx, msg.LeadID, t.now()); err != nil {
		utils.LogError(t.log, "touch_activity_failed", err, map[string]interface{}{"lead_id": msg.LeadID})
	}
	return true
}

// duplicate claims the dedup key for this client. Cache errors count as
// "not a duplicate" so events are never lost to a cache outage.
func (t *Tracker) duplicate(ctx context.Context, typ models.EventType, messageID, ip, ua string) bool {
	ok, err := t.cache.SetNX(ctx, dedupKey(typ, messageID, ip, ua), 1, DedupWindow).Result()
	if err != nil {
		t.log.WithError(err).WithField("message_id", messageID).Warn("Tracking dedup unavailable, recording event")
		return false
	}
	return !ok
}

func dedupKey(typ models.EventType, messageID, ip, ua string) string {
	sum := sha1.Sum([]byte(ip + "|" + ua))
	return fmt.Sprintf("track:%s:%s:%s", typ, messageID, hex.EncodeToString(sum[:]))
}

func (t *Tracker) campaign(ctx context.Context, msg *models.Message) string {
	if msg.SequenceID == nil {
		return DefaultCampaign
	}
	seq, err := t.seqs.FindSequence(ctx, *msg.SequenceID)
	if err != nil {
		return DefaultCampaign
	}
	return seq.Name
}

func (t *Tracker) missing(typ models.EventType, messageID string, err error) {
	t.metrics.Tracked(string(typ), "unknown_message")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		utils.LogError(t.log, "tracking_lookup_failed", err, map[string]interface{}{"message_id": messageID})
		return
	}
	t.log.WithField("message_id", messageID).Warn("Tracking hit for unknown message")
}

// RecordReply stores a reply detected in the reply inbox. Replies are
// deduplicated by the mailbox itself, which only hands over unseen mail.
func (t *Tracker) RecordReply(ctx context.Context, messageID string, meta map[string]string) error {
	msg, err := t.messages.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return err
	}

	ev := &models.MessageEvent{
		MessageID: msg.ID,
		LeadID:    msg.LeadID,
		Type:      models.EventReply,
		Meta:      meta,
	}
	if err := t.messages.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append reply event: %w", err)
	}
	t.metrics.Tracked(string(models.EventReply), "recorded")

	if _, err := t.scoring.ApplyDelta(ctx, msg.LeadID, DeltaReply); err != nil {
		return err
	}
	return t.leads.TouchActivity(ctx, msg.LeadID, t.now())
}
