package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"leadflow/models"
	"leadflow/repository"
	"leadflow/utils"
)

// Score deltas applied per engagement fact.
const (
	DeltaOpen       = 1
	DeltaClick      = 3
	DeltaReply      = 5
	DeltaInactivity = -2

	HotThreshold = 10

	InactivityPeriod = 7 * 24 * time.Hour
	NudgeAfter       = 48 * time.Hour
)

// ReminderBody is the SMS sent when a lifecycle email stays unopened.
const ReminderBody = "Hi {{name|there}}, we sent you an email about {{theme|your request}}. Check your inbox when you get a chance."

type ScoringService struct {
	leads    *repository.LeadRepository
	messages *repository.MessageRepository
	outbox   *Outbox
	log      *logrus.Entry
	now      func() time.Time
}

func NewScoringService(leads *repository.LeadRepository, messages *repository.MessageRepository, outbox *Outbox, log *logrus.Entry) *ScoringService {
	return &ScoringService{
		leads:    leads,
		messages: messages,
		outbox:   outbox,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ApplyDelta adds delta to the lead's score (floored at 0) and tags the lead
// hot once the score reaches HotThreshold.
func (s *ScoringService) ApplyDelta(ctx context.Context, leadID uint, delta int) (int, error) {
	score, err := s.leads.AddScore(ctx, leadID, delta, s.now())
	if err != nil {
		return 0, fmt.Errorf("apply score delta to lead %d: %w", leadID, err)
	}
	if score >= HotThreshold {
		if err := s.leads.AddTag(ctx, leadID, models.HotTag); err != nil {
			return score, fmt.Errorf("tag lead %d hot: %w", leadID, err)
		}
	}
	return score, nil
}

// DecayInactive lowers the score of every active lead idle for longer than
// InactivityPeriod. It returns the number of leads decayed.
func (s *ScoringService) DecayInactive(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.leads.IdleActive(ctx, now.Add(-InactivityPeriod))
	if err != nil {
		return 0, fmt.Errorf("list idle leads: %w", err)
	}

	decayed := 0
	for _, id := range ids {
		if _, err := s.leads.AddScore(ctx, id, DeltaInactivity, now); err != nil {
			utils.LogError(s.log, "score_decay_failed", err, map[string]interface{}{"lead_id": id})
			continue
		}
		decayed++
	}
	return decayed, nil
}

// NudgeUnopened sends one reminder SMS for every email sent more than
// NudgeAfter ago that was never opened. Leads without a phone are skipped by
// the query, as are emails that already have a reminder.
func (s *ScoringService) NudgeUnopened(ctx context.Context, now time.Time, limit int) (int, error) {
	emails, err := s.messages.UnopenedEmails(ctx, now.Add(-NudgeAfter), limit)
	if err != nil {
		return 0, fmt.Errorf("list unopened emails: %w", err)
	}

	sent := 0
	for i := range emails {
		if err := s.nudge(ctx, &emails[i]); err != nil {
			utils.LogError(s.log, "nudge_failed", err, map[string]interface{}{"message_id": emails[i].ID})
			continue
		}
		sent++
	}
	return sent, nil
}

func (s *ScoringService) nudge(ctx context.Context, email *models.Message) error {
	lead, err := s.leads.FindByID(ctx, email.LeadID)
	if err != nil {
		return fmt.Errorf("load lead %d: %w", email.LeadID, err)
	}
	if lead.Phone == "" {
		return nil
	}

	reminder := &models.Message{
		ID:          uuid.NewString(),
		LeadID:      lead.ID,
		SequenceID:  email.SequenceID,
		Channel:     models.ChannelSMS,
		To:          lead.Phone,
		Body:        utils.RenderTemplate(ReminderBody, lead.Vars(), nil),
		Status:      models.MessagePending,
		ReminderFor: &email.ID,
	}
	if err := s.messages.Create(ctx, reminder); err != nil {
		return fmt.Errorf("create reminder: %w", err)
	}
	// A failed enqueue leaves the reminder pending for the stale sweep.
	if err := s.outbox.Enqueue(ctx, reminder); err != nil {
		return err
	}

	utils.LogEvent(s.log, "reminder_sms_created", map[string]interface{}{
		"lead_id":      lead.ID,
		"message_id":   reminder.ID,
		"reminder_for": email.ID,
	})
	return nil
}
