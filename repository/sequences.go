package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadflow/models"
)

// SequenceRepository persists templates, sequences, runs and their timers.
type SequenceRepository struct {
	db *gorm.DB
}

func NewSequenceRepository(db *gorm.DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

// Transaction runs fn with repositories bound to a single transaction.
func (r *SequenceRepository) Transaction(ctx context.Context, fn func(seqs *SequenceRepository, msgs *MessageRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&SequenceRepository{db: tx}, &MessageRepository{db: tx})
	})
}

func (r *SequenceRepository) CreateTemplate(ctx context.Context, tpl *models.Template) error {
	return r.db.WithContext(ctx).Create(tpl).Error
}

func (r *SequenceRepository) FindTemplate(ctx context.Context, id uint) (*models.Template, error) {
	var tpl models.Template
	if err := r.db.WithContext(ctx).First(&tpl, id).Error; err != nil {
		return nil, err
	}
	return &tpl, nil
}

// ActiveTemplates returns every template referenced by an active sequence.
func (r *SequenceRepository) ActiveTemplates(ctx context.Context) ([]models.Template, error) {
	var seqs []models.Sequence
	if err := r.db.WithContext(ctx).Where("active = ?", true).Find(&seqs).Error; err != nil {
		return nil, err
	}
	ids := make(map[uint]struct{})
	for _, s := range seqs {
		for _, step := range s.Steps {
			ids[step.TemplateID] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	list := make([]uint, 0, len(ids))
	for id := range ids {
		list = append(list, id)
	}

	var tpls []models.Template
	err := r.db.WithContext(ctx).Where("id IN ?", list).Order("id").Find(&tpls).Error
	return tpls, err
}

func (r *SequenceRepository) FindSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := r.db.WithContext(ctx).First(&seq, id).Error; err != nil {
		return nil, err
	}
	return &seq, nil
}

// ActiveByName returns the current version of a named sequence.
func (r *SequenceRepository) ActiveByName(ctx context.Context, name string) (*models.Sequence, error) {
	var seq models.Sequence
	err := r.db.WithContext(ctx).
		Where("name = ? AND active = ?", name, true).
		Order("version DESC").
		First(&seq).Error
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

// ReplaceSequence deactivates the current version of name and stores steps
// as the next version. Runs keep pointing at the version they started on.
func (r *SequenceRepository) ReplaceSequence(ctx context.Context, name string, steps []models.SequenceStep) (*models.Sequence, error) {
	next := &models.Sequence{Name: name, Version: 1, Active: true, Steps: steps}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.Sequence
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("name = ?", name).
			Order("version DESC").
			First(&current).Error
		switch {
		case err == nil:
			next.Version = current.Version + 1
			if err := tx.Model(&models.Sequence{}).
				Where("name = ? AND active = ?", name, true).
				Update("active", false).Error; err != nil {
				return err
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}
		return tx.Create(next).Error
	})
	if err != nil {
		return nil, fmt.Errorf("replace sequence %q: %w", name, err)
	}
	return next, nil
}

func (r *SequenceRepository) CreateRun(ctx context.Context, run *models.SequenceRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *SequenceRepository) FindRun(ctx context.Context, id string) (*models.SequenceRun, error) {
	var run models.SequenceRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &run, nil
}

// PendingRun returns the pending run of a lead in a sequence, if any.
func (r *SequenceRepository) PendingRun(ctx context.Context, leadID, sequenceID uint) (*models.SequenceRun, error) {
	var run models.SequenceRun
	err := r.db.WithContext(ctx).
		Where("lead_id = ? AND sequence_id = ? AND status = ?", leadID, sequenceID, models.RunPending).
		First(&run).Error
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *SequenceRepository) RunsForLead(ctx context.Context, leadID, sequenceID uint) ([]models.SequenceRun, error) {
	var runs []models.SequenceRun
	err := r.db.WithContext(ctx).
		Where("lead_id = ? AND sequence_id = ?", leadID, sequenceID).
		Order("step_index ASC").
		Find(&runs).Error
	return runs, err
}

// FinishRun moves a pending run to a terminal status. It reports false when
// the run was no longer pending.
func (r *SequenceRepository) FinishRun(ctx context.Context, id string, status models.RunStatus, skipReason string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.SequenceRun{}).
		Where("id = ? AND status = ?", id, models.RunPending).
		Updates(map[string]interface{}{
			"status":      status,
			"skip_reason": skipReason,
			"executed_at": at,
		})
	return res.RowsAffected == 1, res.Error
}

// OverdueRuns lists pending runs scheduled before cutoff.
func (r *SequenceRepository) OverdueRuns(ctx context.Context, cutoff time.Time, limit int) ([]models.SequenceRun, error) {
	var runs []models.SequenceRun
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at < ?", models.RunPending, cutoff).
		Order("scheduled_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// ArmTimer persists the timer marker of a run. It reports false when a
// marker for the run already exists.
func (r *SequenceRepository) ArmTimer(ctx context.Context, timer *models.SequenceTimer) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(timer)
	return res.RowsAffected == 1, res.Error
}

func (r *SequenceRepository) FindTimer(ctx context.Context, runID string) (*models.SequenceTimer, error) {
	var timer models.SequenceTimer
	if err := r.db.WithContext(ctx).First(&timer, "run_id = ?", runID).Error; err != nil {
		return nil, err
	}
	return &timer, nil
}

func (r *SequenceRepository) DisarmTimer(ctx context.Context, runID string) error {
	return r.db.WithContext(ctx).Delete(&models.SequenceTimer{}, "run_id = ?", runID).Error
}

// DueTimers lists timers whose fire time is at or before now.
func (r *SequenceRepository) DueTimers(ctx context.Context, now time.Time, limit int) ([]models.SequenceTimer, error) {
	var timers []models.SequenceTimer
	err := r.db.WithContext(ctx).
		Where("fire_at <= ?", now).
		Order("fire_at ASC").
		Limit(limit).
		Find(&timers).Error
	return timers, err
}
