package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"leadflow/models"
)

// StatsRepository maintains the daily rollup and link health tables.
type StatsRepository struct {
	db *gorm.DB
}

func NewStatsRepository(db *gorm.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

type statusCount struct {
	TemplateID uint
	Channel    models.Channel
	Status     models.MessageStatus
	N          int
}

type eventCount struct {
	TemplateID uint
	Channel    models.Channel
	Type       models.EventType
	N          int
}

// RollupDay recomputes the per-template counters for the UTC day containing
// day. Messages count on the day they were created, events on the day they
// happened.
func (r *StatsRepository) RollupDay(ctx context.Context, day time.Time) ([]models.DailyStat, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)
	db := r.db.WithContext(ctx)

	stats := make(map[uint]*models.DailyStat)
	get := func(tid uint, ch models.Channel) *models.DailyStat {
		s, ok := stats[tid]
		if !ok {
			s = &models.DailyStat{Day: start, TemplateID: tid, Channel: ch}
			stats[tid] = s
		}
		return s
	}

	var byStatus []statusCount
	err := db.Model(&models.Message{}).
		Select("template_id, channel, status, COUNT(*) AS n").
		Where("template_id IS NOT NULL AND created_at >= ? AND created_at < ?", start, end).
		Group("template_id, channel, status").
		Scan(&byStatus).Error
	if err != nil {
		return nil, err
	}
	for _, row := range byStatus {
		s := get(row.TemplateID, row.Channel)
		switch row.Status {
		case models.MessageSent, models.MessageDelivered, models.MessageBounced:
			s.Sent += row.N
		case models.MessageFailed:
			s.Failed += row.N
		}
	}

	var byEvent []eventCount
	err = db.Table("message_events AS e").
		Select("m.template_id AS template_id, m.channel AS channel, e.type AS type, COUNT(*) AS n").
		Joins("JOIN messages m ON m.id = e.message_id").
		Where("m.template_id IS NOT NULL AND e.created_at >= ? AND e.created_at < ?", start, end).
		Group("m.template_id, m.channel, e.type").
		Scan(&byEvent).Error
	if err != nil {
		return nil, err
	}
	for _, row := range byEvent {
		s := get(row.TemplateID, row.Channel)
		switch row.Type {
		case models.EventOpen:
			s.Opens += row.N
		case models.EventClick:
			s.Clicks += row.N
		case models.EventBounce:
			s.Bounces += row.N
		case models.EventReply:
			s.Replies += row.N
		}
	}

	out := make([]models.DailyStat, 0, len(stats))
	for tid, s := range stats {
		var tpl models.Template
		if err := db.Unscoped().Select("ab_key").First(&tpl, tid).Error; err == nil {
			s.ABKey = tpl.ABKey
		}
		err := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "day"}, {Name: "template_id"}, {Name: "channel"}},
			DoUpdates: clause.AssignmentColumns([]string{"ab_key", "sent", "failed", "opens", "clicks", "bounces", "replies", "updated_at"}),
		}).Create(s).Error
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

func (r *StatsRepository) DailyStats(ctx context.Context, day time.Time) ([]models.DailyStat, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var stats []models.DailyStat
	err := r.db.WithContext(ctx).
		Where("day = ?", start).
		Order("template_id").
		Find(&stats).Error
	return stats, err
}

// SaveLinkCheck upserts the latest probe result of a URL.
func (r *StatsRepository) SaveLinkCheck(ctx context.Context, check *models.LinkCheck) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "url"}},
		DoUpdates: clause.AssignmentColumns([]string{"status_code", "ok", "error", "checked_at"}),
	}).Create(check).Error
}

func (r *StatsRepository) LinkChecks(ctx context.Context) ([]models.LinkCheck, error) {
	var checks []models.LinkCheck
	err := r.db.WithContext(ctx).Order("url").Find(&checks).Error
	return checks, err
}

// Reset wipes every table the service writes. Development only.
func (r *StatsRepository) Reset(ctx context.Context) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range []interface{}{
			&models.MessageEvent{},
			&models.Message{},
			&models.SequenceTimer{},
			&models.SequenceRun{},
			&models.Sequence{},
			&models.Template{},
			&models.LeadTag{},
			&models.LeadScore{},
			&models.Unsubscribe{},
			&models.Lead{},
			&models.DailyStat{},
			&models.LinkCheck{},
		} {
			if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Unscoped().Delete(m).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
