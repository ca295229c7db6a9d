package models

import (
	"time"

	"gorm.io/gorm"
)

// LeadStatus is the sales lifecycle state of a lead.
type LeadStatus string

const (
	LeadStatusNew        LeadStatus = "new"
	LeadStatusInProgress LeadStatus = "in_progress"
	LeadStatusQuoted     LeadStatus = "quoted"
	LeadStatusWon        LeadStatus = "won"
	LeadStatusLost       LeadStatus = "lost"
	LeadStatusOnHold     LeadStatus = "on_hold"
)

// ActiveLeadStatuses are the statuses that still receive inactivity decay.
var ActiveLeadStatuses = []LeadStatus{LeadStatusNew, LeadStatusInProgress, LeadStatusQuoted}

// HotTag is added to a lead once its engagement score crosses the threshold.
const HotTag = "hot"

// Lead represents a single contact captured through intake
type Lead struct {
	gorm.Model

	Email     string `gorm:"not null;index" json:"email"`
	Name      string `json:"name"`
	Company   string `json:"company"`
	Phone     string `json:"phone"` // E.164
	Theme     string `json:"theme"`
	Headcount string `json:"headcount"`
	Memo      string `gorm:"type:text" json:"memo"`

	Status         LeadStatus `gorm:"not null;default:'new';index" json:"status"`
	Owner          string     `json:"owner"`
	SourceIP       string     `json:"-"`
	LastActivityAt *time.Time `json:"last_activity_at"`

	// Relations
	Tags  []LeadTag  `gorm:"foreignKey:LeadID" json:"tags,omitempty"`
	Score *LeadScore `gorm:"foreignKey:LeadID" json:"score,omitempty"`
}

// Vars exposes the lead as template variables.
func (l *Lead) Vars() map[string]string {
	return map[string]string{
		"email":     l.Email,
		"name":      l.Name,
		"company":   l.Company,
		"phone":     l.Phone,
		"theme":     l.Theme,
		"headcount": l.Headcount,
		"memo":      l.Memo,
		"status":    string(l.Status),
		"owner":     l.Owner,
	}
}

// HasTag reports whether tag is attached to the lead's loaded tags.
func (l *Lead) HasTag(tag string) bool {
	for _, t := range l.Tags {
		if t.Tag == tag {
			return true
		}
	}
	return false
}

// LeadTag represents tags for leads (normalized, one row per tag)
type LeadTag struct {
	ID        uint      `gorm:"primarykey" json:"-"`
	LeadID    uint      `gorm:"not null;uniqueIndex:idx_lead_tag" json:"lead_id"`
	Tag       string    `gorm:"not null;uniqueIndex:idx_lead_tag" json:"tag"`
	CreatedAt time.Time `json:"created_at"`
}

// LeadScore holds the engagement score of a lead. Score never drops below 0.
type LeadScore struct {
	LeadID    uint      `gorm:"primaryKey;autoIncrement:false" json:"lead_id"`
	Score     int       `gorm:"not null;default:0" json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Unsubscribe represents an address that must never receive email again
type Unsubscribe struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	Email     string    `gorm:"not null;uniqueIndex" json:"email"`
	Reason    string    `json:"reason"`
	Source    string    `json:"source"` // link, hard_bounce
	CreatedAt time.Time `json:"created_at"`
}
