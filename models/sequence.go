package models

import (
	"time"

	"gorm.io/gorm"
)

// Channel is the outbound medium of a template or message.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Condition is a skip condition evaluated before a step executes.
type Condition string

const (
	ConditionIfNotOpened  Condition = "if_not_opened"
	ConditionIfNotClicked Condition = "if_not_clicked"
)

// Template represents an email or SMS body with {{var}} placeholders
type Template struct {
	gorm.Model

	Name    string  `gorm:"not null" json:"name"`
	Channel Channel `gorm:"not null" json:"channel"`
	Subject string  `json:"subject"`
	Body    string  `gorm:"type:text;not null" json:"body"`
	ABKey   string  `gorm:"index" json:"ab_key,omitempty"` // groups variants for A/B measurement
}

// SequenceStep is one entry of a sequence's step list.
type SequenceStep struct {
	DelayHours int         `json:"delay_hours"`
	TemplateID uint        `json:"template_id"`
	Channel    Channel     `json:"channel"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Sequence represents a named, versioned, ordered list of steps.
// Steps are never edited in place: a new version row replaces the active one.
type Sequence struct {
	gorm.Model

	Name    string         `gorm:"not null;index" json:"name"`
	Version int            `gorm:"not null;default:1" json:"version"`
	Active  bool           `gorm:"not null;default:true;index" json:"active"`
	Steps   []SequenceStep `gorm:"type:jsonb;serializer:json" json:"steps"`
}

// Step returns steps[i] if it exists.
func (s *Sequence) Step(i int) (SequenceStep, bool) {
	if i < 0 || i >= len(s.Steps) {
		return SequenceStep{}, false
	}
	return s.Steps[i], true
}

// RunStatus is the execution state of a single sequence step for a lead.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunSent      RunStatus = "sent"
	RunSkipped   RunStatus = "skipped"
	RunCompleted RunStatus = "completed"
)

// SequenceRun is the scheduling/execution record of one step of one
// sequence for one lead. At most one pending run exists per (lead, sequence).
type SequenceRun struct {
	ID          string     `gorm:"primaryKey;size:36" json:"id"`
	LeadID      uint       `gorm:"not null;index;uniqueIndex:idx_runs_one_pending,where:status = 'pending'" json:"lead_id"`
	SequenceID  uint       `gorm:"not null;index;uniqueIndex:idx_runs_one_pending,where:status = 'pending'" json:"sequence_id"`
	StepIndex   int        `gorm:"not null" json:"step_index"`
	Status      RunStatus  `gorm:"not null;default:'pending';index" json:"status"`
	SkipReason  string     `json:"skip_reason,omitempty"`
	ScheduledAt time.Time  `gorm:"not null;index" json:"scheduled_at"`
	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// SequenceTimer is the persisted marker of an armed timer for a run.
type SequenceTimer struct {
	RunID      string    `gorm:"primaryKey;size:36" json:"run_id"`
	LeadID     uint      `gorm:"not null" json:"lead_id"`
	SequenceID uint      `gorm:"not null" json:"sequence_id"`
	StepIndex  int       `gorm:"not null" json:"step_index"`
	FireAt     time.Time `gorm:"not null;index" json:"fire_at"`
	CreatedAt  time.Time `json:"created_at"`
}
