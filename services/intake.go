package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"leadflow/models"
	"leadflow/repository"
	"leadflow/utils"
)

// DuplicateWindow is how long an email address is considered a duplicate
// after creating a lead.
const DuplicateWindow = 24 * time.Hour

// ClaimTTL covers the gap between the duplicate check and the insert.
// Afterwards the stored lead itself answers the duplicate check.
const ClaimTTL = 10 * time.Second

// EnrollTimeout bounds the background welcome enrollment.
const EnrollTimeout = 30 * time.Second

// Enroller starts a lead on a named sequence.
type Enroller interface {
	Enroll(ctx context.Context, leadID uint, sequenceName string) (StartResult, error)
}

type LeadInput struct {
	Email     string `json:"email" validate:"required,max=254,mailbox"`
	Company   string `json:"company" validate:"max=200"`
	Name      string `json:"name" validate:"max=200"`
	Phone     string `json:"phone" validate:"omitempty,phone"`
	Theme     string `json:"theme" validate:"max=200"`
	Headcount string `json:"headcount" validate:"max=50"`
	Memo      string `json:"memo" validate:"max=2000"`
}

type IntakeService struct {
	leads    *repository.LeadRepository
	cache    *redis.Client
	enroller Enroller
	sequence string
	metrics  *utils.Metrics
	log      *logrus.Entry
	now      func() time.Time

	wg sync.WaitGroup
}

func NewIntakeService(leads *repository.LeadRepository, enroller Enroller, sequence string, metrics *utils.Metrics, log *logrus.Entry) *IntakeService {
	return &IntakeService{
		leads:    leads,
		enroller: enroller,
		sequence: sequence,
		metrics:  metrics,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithCache serializes concurrent submissions of one email address through
// a short Redis claim.
func (s *IntakeService) WithCache(cache *redis.Client) *IntakeService {
	s.cache = cache
	return s
}

// CreateLead validates and stores a lead, then enrolls it in the welcome
// sequence in the background. A lead created with the same email within
// DuplicateWindow is returned together with ErrDuplicateLead.
func (s *IntakeService) CreateLead(ctx context.Context, in LeadInput, sourceIP string) (*models.Lead, error) {
	if err := utils.ValidateStruct(in); err != nil {
		s.metrics.Intake("invalid")
		return nil, validationError(err)
	}

	email := utils.NormalizeEmail(in.Email)
	phone := ""
	if in.Phone != "" {
		p, err := utils.NormalizePhone(in.Phone)
		if err != nil {
			s.metrics.Intake("invalid")
			return nil, validationError(fmt.Errorf("phone: %v", err))
		}
		phone = p
	}

	now := s.now()
	existing, err := s.leads.CreatedSince(ctx, email, now.Add(-DuplicateWindow))
	switch {
	case err == nil:
		s.metrics.Intake("duplicate")
		return existing, ErrDuplicateLead
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, fmt.Errorf("check duplicate lead: %w", err)
	}
	if !s.claim(ctx, email) {
		// Another request for this address got here first and may still be
		// inserting.
		s.metrics.Intake("duplicate")
		existing, _ := s.leads.CreatedSince(ctx, email, now.Add(-DuplicateWindow))
		return existing, ErrDuplicateLead
	}

	lead := &models.Lead{
		Email:     email,
		Name:      in.Name,
		Company:   in.Company,
		Phone:     phone,
		Theme:     in.Theme,
		Headcount: in.Headcount,
		Memo:      in.Memo,
		Status:    models.LeadStatusNew,
		SourceIP:  sourceIP,
	}
	lead.CreatedAt = now
	if err := s.leads.Create(ctx, lead); err != nil {
		s.release(ctx, email)
		return nil, fmt.Errorf("create lead: %w", err)
	}
	s.metrics.Intake("created")

	utils.LogEvent(s.log, "lead_created", map[string]interface{}{
		"lead_id": lead.ID,
		"email":   lead.Email,
	})

	s.enrollAsync(lead.ID)
	return lead, nil
}

func claimKey(email string) string {
	return "intake:claim:" + email
}

// claim reports whether this request may create the lead. Without a cache,
// or when the cache fails, every request may.
func (s *IntakeService) claim(ctx context.Context, email string) bool {
	if s.cache == nil {
		return true
	}
	ok, err := s.cache.SetNX(ctx, claimKey(email), 1, ClaimTTL).Result()
	if err != nil {
		s.log.WithError(err).Warn("Intake claim unavailable, skipping")
		return true
	}
	return ok
}

func (s *IntakeService) release(ctx context.Context, email string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Del(ctx, claimKey(email)).Err(); err != nil {
		s.log.WithError(err).Warn("Failed to release intake claim")
	}
}

// enrollAsync never fails the intake; errors are only logged.
func (s *IntakeService) enrollAsync(leadID uint) {
	if s.enroller == nil || s.sequence == "" {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.WithField("lead_id", leadID).Errorf("Panic in welcome enrollment: %v", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), EnrollTimeout)
		defer cancel()

		if _, err := s.enroller.Enroll(ctx, leadID, s.sequence); err != nil {
			utils.LogError(s.log, "welcome_enrollment_failed", err, map[string]interface{}{
				"lead_id":  leadID,
				"sequence": s.sequence,
			})
		}
	}()
}

// Wait blocks until background enrollments have finished.
func (s *IntakeService) Wait() {
	s.wg.Wait()
}
