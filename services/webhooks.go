package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/repository"
	"leadflow/utils"
)

const (
	BounceHard = "hard"
	BounceSoft = "soft"
)

type BounceInput struct {
	MessageID string `json:"message_id" validate:"required,max=255"`
	Email     string `json:"email" validate:"omitempty,mailbox"`
	Type      string `json:"type" validate:"required,oneof=hard soft"`
	Reason    string `json:"reason" validate:"max=1000"`
}

type DeliveryInput struct {
	MessageID string `json:"message_id" validate:"required,max=255"`
}

// WebhookResult tells the provider what happened to its callback.
type WebhookResult struct {
	MessageID    string               `json:"message_id"`
	Status       models.MessageStatus `json:"status"`
	Transitioned bool                 `json:"transitioned"`
	Unsubscribed bool                 `json:"unsubscribed,omitempty"`
}

// WebhookService applies transport provider callbacks. These are the only
// writers allowed to move a message out of sent.
type WebhookService struct {
	messages *repository.MessageRepository
	leads    *repository.LeadRepository
	signer   *utils.LinkSigner
	log      *logrus.Entry
}

func NewWebhookService(messages *repository.MessageRepository, leads *repository.LeadRepository, signer *utils.LinkSigner, log *logrus.Entry) *WebhookService {
	return &WebhookService{messages: messages, leads: leads, signer: signer, log: log}
}

// Bounce moves a sent message to bounced and records the event. A hard
// bounce unsubscribes the address even if the message was in another state.
func (s *WebhookService) Bounce(ctx context.Context, in BounceInput) (WebhookResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return WebhookResult{}, validationError(err)
	}

	msg, err := s.resolve(ctx, in.MessageID)
	if err != nil {
		return WebhookResult{}, err
	}

	moved, err := s.messages.Transition(ctx, msg.ID, models.MessageSent, models.MessageBounced, in.Reason)
	if err != nil {
		return WebhookResult{}, fmt.Errorf("mark message %s bounced: %w", msg.ID, err)
	}
	if moved {
		msg.Status = models.MessageBounced
	}

	ev := &models.MessageEvent{
		MessageID: msg.ID,
		LeadID:    msg.LeadID,
		Type:      models.EventBounce,
		Meta:      map[string]string{"type": in.Type, "reason": in.Reason},
	}
	if err := s.messages.AppendEvent(ctx, ev); err != nil {
		return WebhookResult{}, fmt.Errorf("append bounce event: %w", err)
	}

	res := WebhookResult{MessageID: msg.ID, Status: msg.Status, Transitioned: moved}
	if in.Type == BounceHard {
		email := in.Email
		if email == "" && msg.Channel == models.ChannelEmail {
			email = msg.To
		}
		if email != "" {
			if err := s.leads.Unsubscribe(ctx, utils.NormalizeEmail(email), in.Reason, "hard_bounce"); err != nil {
				return res, fmt.Errorf("unsubscribe bounced address: %w", err)
			}
			res.Unsubscribed = true
		}
	}

	utils.LogEvent(s.log, "message_bounced", map[string]interface{}{
		"message_id":   msg.ID,
		"type":         in.Type,
		"transitioned": moved,
		"unsubscribed": res.Unsubscribed,
	})
	return res, nil
}

// Delivery moves a sent message to delivered and records the event.
func (s *WebhookService) Delivery(ctx context.Context, in DeliveryInput) (WebhookResult, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return WebhookResult{}, validationError(err)
	}

	msg, err := s.resolve(ctx, in.MessageID)
	if err != nil {
		return WebhookResult{}, err
	}

	moved, err := s.messages.Transition(ctx, msg.ID, models.MessageSent, models.MessageDelivered, "")
	if err != nil {
		return WebhookResult{}, fmt.Errorf("mark message %s delivered: %w", msg.ID, err)
	}
	if moved {
		msg.Status = models.MessageDelivered
	}

	ev := &models.MessageEvent{MessageID: msg.ID, LeadID: msg.LeadID, Type: models.EventDelivery}
	if err := s.messages.AppendEvent(ctx, ev); err != nil {
		return WebhookResult{}, fmt.Errorf("append delivery event: %w", err)
	}
	return WebhookResult{MessageID: msg.ID, Status: msg.Status, Transitioned: moved}, nil
}

// resolve accepts either our message id or the provider's id for it.
func (s *WebhookService) resolve(ctx context.Context, id string) (*models.Message, error) {
	msg, err := s.messages.FindByID(ctx, id)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	msg, err = s.messages.FindByProviderMessageID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	return msg, err
}

// Unsubscribe records an address from a signed unsubscribe link.
func (s *WebhookService) Unsubscribe(ctx context.Context, email, token string) error {
	email = utils.NormalizeEmail(email)
	if email == "" || !s.signer.VerifyUnsubscribe(email, token) {
		return ErrInvalidSignature
	}
	if err := s.leads.Unsubscribe(ctx, email, "unsubscribe link", "link"); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", email, err)
	}
	utils.LogEvent(s.log, "unsubscribed", map[string]interface{}{"email": email})
	return nil
}
