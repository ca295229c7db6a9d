package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadflow/models"
)

// LeadRepository persists leads, their tags, scores and unsubscribes.
type LeadRepository struct {
	db *gorm.DB
}

func NewLeadRepository(db *gorm.DB) *LeadRepository {
	return &LeadRepository{db: db}
}

func (r *LeadRepository) Create(ctx context.Context, lead *models.Lead) error {
	return r.db.WithContext(ctx).Create(lead).Error
}

// FindByID loads a lead with its tags and score.
func (r *LeadRepository) FindByID(ctx context.Context, id uint) (*models.Lead, error) {
	var lead models.Lead
	err := r.db.WithContext(ctx).
		Preload("Tags").
		Preload("Score").
		First(&lead, id).Error
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

// CreatedSince returns the newest lead with email created at or after since.
func (r *LeadRepository) CreatedSince(ctx context.Context, email string, since time.Time) (*models.Lead, error) {
	var lead models.Lead
	err := r.db.WithContext(ctx).
		Where("email = ? AND created_at >= ?", email, since).
		Order("created_at DESC").
		First(&lead).Error
	if err != nil {
		return nil, err
	}
	return &lead, nil
}

func (r *LeadRepository) TouchActivity(ctx context.Context, id uint, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Lead{}).
		Where("id = ?", id).
		UpdateColumn("last_activity_at", at).Error
}

// AddTag attaches tag to the lead; an existing tag is left as is.
func (r *LeadRepository) AddTag(ctx context.Context, leadID uint, tag string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.LeadTag{LeadID: leadID, Tag: tag}).Error
}

func (r *LeadRepository) CountTag(ctx context.Context, leadID uint, tag string) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.LeadTag{}).
		Where("lead_id = ? AND tag = ?", leadID, tag).
		Count(&n).Error
	return n, err
}

// AddScore applies delta in a single statement, clamping at zero, and
// returns the resulting score.
func (r *LeadRepository) AddScore(ctx context.Context, leadID uint, delta int, at time.Time) (int, error) {
	initial := delta
	if initial < 0 {
		initial = 0
	}

	var score int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "lead_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"score": gorm.Expr(
					"CASE WHEN lead_scores.score + ? < 0 THEN 0 ELSE lead_scores.score + ? END",
					delta, delta,
				),
				"updated_at": at,
			}),
		}).Create(&models.LeadScore{LeadID: leadID, Score: initial, UpdatedAt: at}).Error
		if err != nil {
			return err
		}

		var current models.LeadScore
		if err := tx.First(&current, "lead_id = ?", leadID).Error; err != nil {
			return err
		}
		score = current.Score
		return nil
	})
	return score, err
}

func (r *LeadRepository) Score(ctx context.Context, leadID uint) (int, error) {
	var s models.LeadScore
	err := r.db.WithContext(ctx).First(&s, "lead_id = ?", leadID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return s.Score, err
}

// IdleActive lists leads in an active status whose last activity (or
// creation, when there was none) is before cutoff.
func (r *LeadRepository) IdleActive(ctx context.Context, cutoff time.Time) ([]uint, error) {
	var ids []uint
	err := r.db.WithContext(ctx).
		Model(&models.Lead{}).
		Where("status IN ?", models.ActiveLeadStatuses).
		Where("(last_activity_at IS NULL AND created_at < ?) OR last_activity_at < ?", cutoff, cutoff).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *LeadRepository) UpdateStatus(ctx context.Context, id uint, status models.LeadStatus) error {
	return r.db.WithContext(ctx).
		Model(&models.Lead{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (r *LeadRepository) IsUnsubscribed(ctx context.Context, email string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Unsubscribe{}).
		Where("email = ?", email).
		Count(&n).Error
	return n > 0, err
}

// Unsubscribe records the address; repeating it is a no-op.
func (r *LeadRepository) Unsubscribe(ctx context.Context, email, reason, source string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Unsubscribe{Email: email, Reason: reason, Source: source}).Error
}
