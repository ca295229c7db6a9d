package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"leadflow/models"
)

// MessageRepository persists messages and their engagement events.
// Status writes are compare-and-set on the current status.
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// WithTx returns a repository bound to tx.
func (r *MessageRepository) WithTx(tx *gorm.DB) *MessageRepository {
	return &MessageRepository{db: tx}
}

func (r *MessageRepository) Create(ctx context.Context, msg *models.Message) error {
	return r.db.WithContext(ctx).Create(msg).Error
}

func (r *MessageRepository) FindByID(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	if err := r.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &msg, nil
}

// FindByRun returns the newest message created for a sequence run.
func (r *MessageRepository) FindByRun(ctx context.Context, runID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC").
		First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *MessageRepository) MarkEnqueued(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ?", id).
		UpdateColumn("enqueued_at", at).Error
}

// Requeued bumps the sweep counter of a pending message and resets its
// enqueue time.
func (r *MessageRepository) Requeued(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND status = ?", id, models.MessagePending).
		UpdateColumns(map[string]interface{}{
			"sweep_count": gorm.Expr("sweep_count + 1"),
			"enqueued_at": at,
		}).Error
}

// RecordAttempt stores the attempt count and last error of a pending message.
func (r *MessageRepository) RecordAttempt(ctx context.Context, id string, attempts int, errText string) error {
	return r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND status = ?", id, models.MessagePending).
		UpdateColumns(map[string]interface{}{
			"attempts": attempts,
			"error":    errText,
		}).Error
}

// MarkSent moves a pending message to sent. It reports false when the
// message was no longer pending.
func (r *MessageRepository) MarkSent(ctx context.Context, id, provider, providerMessageID string, attempts int, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND status = ?", id, models.MessagePending).
		Updates(map[string]interface{}{
			"status":              models.MessageSent,
			"provider":            provider,
			"provider_message_id": providerMessageID,
			"attempts":            attempts,
			"sent_at":             at,
			"error":               "",
		})
	return res.RowsAffected == 1, res.Error
}

// MarkFailed moves a pending message to failed with the error text.
func (r *MessageRepository) MarkFailed(ctx context.Context, id, errText string, attempts int) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND status = ?", id, models.MessagePending).
		Updates(map[string]interface{}{
			"status":   models.MessageFailed,
			"error":    errText,
			"attempts": attempts,
		})
	return res.RowsAffected == 1, res.Error
}

// Transition changes status from one value to another and reports whether
// a row matched.
func (r *MessageRepository) Transition(ctx context.Context, id string, from, to models.MessageStatus, errText string) (bool, error) {
	updates := map[string]interface{}{"status": to}
	if errText != "" {
		updates["error"] = errText
	}
	res := r.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *MessageRepository) AppendEvent(ctx context.Context, ev *models.MessageEvent) error {
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *MessageRepository) Events(ctx context.Context, messageID string) ([]models.MessageEvent, error) {
	var events []models.MessageEvent
	err := r.db.WithContext(ctx).
		Where("message_id = ?", messageID).
		Order("id ASC").
		Find(&events).Error
	return events, err
}

// LeadEventTypes returns which event types exist across all messages of a lead.
func (r *MessageRepository) LeadEventTypes(ctx context.Context, leadID uint) (map[models.EventType]bool, error) {
	var types []models.EventType
	err := r.db.WithContext(ctx).
		Model(&models.MessageEvent{}).
		Where("lead_id = ?", leadID).
		Distinct("type").
		Pluck("type", &types).Error
	if err != nil {
		return nil, err
	}
	out := make(map[models.EventType]bool, len(types))
	for _, t := range types {
		out[t] = true
	}
	return out, nil
}

// StalePending lists pending messages last enqueued before cutoff, or never
// enqueued and created before cutoff.
func (r *MessageRepository) StalePending(ctx context.Context, cutoff time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Where("status = ?", models.MessagePending).
		Where("(enqueued_at IS NOT NULL AND enqueued_at < ?) OR (enqueued_at IS NULL AND created_at < ?)", cutoff, cutoff).
		Order("created_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// UnopenedEmails lists emails sent before cutoff that have no open event,
// whose lead has a phone, and that no reminder was created for yet.
func (r *MessageRepository) UnopenedEmails(ctx context.Context, cutoff time.Time, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.WithContext(ctx).
		Table("messages AS m").
		Select("m.*").
		Joins("JOIN leads l ON l.id = m.lead_id AND l.deleted_at IS NULL").
		Where("m.channel = ? AND m.status IN ? AND m.sent_at < ?",
			models.ChannelEmail, []models.MessageStatus{models.MessageSent, models.MessageDelivered}, cutoff).
		Where("l.phone <> ''").
		Where("NOT EXISTS (SELECT 1 FROM message_events e WHERE e.message_id = m.id AND e.type = ?)", models.EventOpen).
		Where("NOT EXISTS (SELECT 1 FROM messages r WHERE r.reminder_for = m.id)").
		Order("m.sent_at ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

// FindByProviderMessageID resolves a provider's id back to our message.
func (r *MessageRepository) FindByProviderMessageID(ctx context.Context, providerID string) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("provider_message_id = ?", providerID).
		First(&msg).Error
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
