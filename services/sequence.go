package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/repository"
	"leadflow/utils"
)

// StartResult is the outcome of starting a lead on a sequence.
// Existing is set when the lead already had a pending run, which is
// returned unchanged.
type StartResult struct {
	Run      *models.SequenceRun
	Existing bool
}

// Scheduler owns run creation and step execution.
type Scheduler interface {
	StartRun(ctx context.Context, leadID, sequenceID uint) (StartResult, error)
}

type SequenceService struct {
	seqs      *repository.SequenceRepository
	leads     *repository.LeadRepository
	scheduler Scheduler
	log       *logrus.Entry
}

func NewSequenceService(seqs *repository.SequenceRepository, leads *repository.LeadRepository, scheduler Scheduler, log *logrus.Entry) *SequenceService {
	return &SequenceService{
		seqs:      seqs,
		leads:     leads,
		scheduler: scheduler,
		log:       log,
	}
}

// Enroll starts the lead on the active version of the named sequence.
func (s *SequenceService) Enroll(ctx context.Context, leadID uint, sequenceName string) (StartResult, error) {
	seq, err := s.seqs.ActiveByName(ctx, sequenceName)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StartResult{}, fmt.Errorf("sequence %q: %w", sequenceName, ErrNotFound)
		}
		return StartResult{}, err
	}
	return s.StartRun(ctx, leadID, seq.ID)
}

// StartRun arms step 0 of a sequence for a lead with no delay.
func (s *SequenceService) StartRun(ctx context.Context, leadID, sequenceID uint) (StartResult, error) {
	if _, err := s.leads.FindByID(ctx, leadID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StartResult{}, fmt.Errorf("lead %d: %w", leadID, ErrNotFound)
		}
		return StartResult{}, err
	}
	if _, err := s.seqs.FindSequence(ctx, sequenceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return StartResult{}, fmt.Errorf("sequence %d: %w", sequenceID, ErrNotFound)
		}
		return StartResult{}, err
	}

	res, err := s.scheduler.StartRun(ctx, leadID, sequenceID)
	if err != nil {
		return StartResult{}, err
	}
	if res.Existing {
		utils.LogEvent(s.log, "sequence_already_running", map[string]interface{}{
			"lead_id":     leadID,
			"sequence_id": sequenceID,
			"run_id":      res.Run.ID,
		})
	}
	return res, nil
}

type TemplateInput struct {
	Name    string         `json:"name" validate:"required,max=120"`
	Channel models.Channel `json:"channel" validate:"required,oneof=email sms"`
	Subject string         `json:"subject" validate:"max=255"`
	Body    string         `json:"body" validate:"required"`
	ABKey   string         `json:"ab_key" validate:"max=64"`
}

func (s *SequenceService) CreateTemplate(ctx context.Context, in TemplateInput) (*models.Template, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, validationError(err)
	}
	if in.Channel == models.ChannelEmail && strings.TrimSpace(in.Subject) == "" {
		return nil, validationError(errors.New("subject is required for email templates"))
	}

	tpl := &models.Template{
		Name:    in.Name,
		Channel: in.Channel,
		Subject: in.Subject,
		Body:    in.Body,
		ABKey:   in.ABKey,
	}
	if err := s.seqs.CreateTemplate(ctx, tpl); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return tpl, nil
}

// ReplaceSequence validates steps and stores them as the next version of
// the named sequence. Pending runs continue on the version they started on.
func (s *SequenceService) ReplaceSequence(ctx context.Context, name string, steps []models.SequenceStep) (*models.Sequence, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, validationError(errors.New("name is required"))
	}
	for i, step := range steps {
		if err := s.validateStep(ctx, step); err != nil {
			return nil, validationError(fmt.Errorf("step %d: %v", i, err))
		}
	}

	seq, err := s.seqs.ReplaceSequence(ctx, name, steps)
	if err != nil {
		return nil, err
	}
	utils.LogEvent(s.log, "sequence_replaced", map[string]interface{}{
		"name":    seq.Name,
		"version": seq.Version,
		"steps":   len(seq.Steps),
	})
	return seq, nil
}

func (s *SequenceService) validateStep(ctx context.Context, step models.SequenceStep) error {
	if step.DelayHours < 0 {
		return errors.New("delay_hours must not be negative")
	}
	if !step.Channel.Valid() {
		return fmt.Errorf("unknown channel %q", step.Channel)
	}
	for _, c := range step.Conditions {
		if c != models.ConditionIfNotOpened && c != models.ConditionIfNotClicked {
			return fmt.Errorf("unknown condition %q", c)
		}
	}

	tpl, err := s.seqs.FindTemplate(ctx, step.TemplateID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("template %d does not exist", step.TemplateID)
		}
		return err
	}
	if tpl.Channel != step.Channel {
		return fmt.Errorf("template %d is a %s template", tpl.ID, tpl.Channel)
	}
	return nil
}

// ShouldSkip evaluates step conditions against every engagement event of
// the lead. It returns the reason when the step must be skipped.
func ShouldSkip(conditions []models.Condition, events map[models.EventType]bool) (bool, string) {
	for _, c := range conditions {
		switch c {
		case models.ConditionIfNotOpened:
			if events[models.EventOpen] {
				return true, "lead already opened a message"
			}
		case models.ConditionIfNotClicked:
			if events[models.EventClick] {
				return true, "lead already clicked a message"
			}
		}
	}
	return false, ""
}
