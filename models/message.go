package models

import (
	"time"
)

// MessageStatus is the dispatch state of a message.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageFailed    MessageStatus = "failed"
	MessageBounced   MessageStatus = "bounced"
)

// Terminal reports whether no further dispatch write may change the status.
func (s MessageStatus) Terminal() bool {
	return s != MessagePending
}

// Message is one rendered communication; retries of the same dispatch
// reuse the row instead of creating new ones.
type Message struct {
	ID         string  `gorm:"primaryKey;size:36" json:"id"`
	LeadID     uint    `gorm:"not null;index" json:"lead_id"`
	RunID      *string `gorm:"size:36;index" json:"run_id,omitempty"`
	SequenceID *uint   `gorm:"index" json:"sequence_id,omitempty"`
	TemplateID *uint   `gorm:"index" json:"template_id,omitempty"`

	Channel Channel       `gorm:"not null;index" json:"channel"`
	To      string        `gorm:"column:recipient;not null" json:"to"`
	Subject string        `json:"subject,omitempty"`
	Body    string        `gorm:"type:text" json:"body"`
	Status  MessageStatus `gorm:"not null;default:'pending';index" json:"status"`
	Error   string        `gorm:"type:text" json:"error,omitempty"`

	Attempts          int    `gorm:"not null;default:0" json:"attempts"`
	SweepCount        int    `gorm:"not null;default:0" json:"sweep_count"`
	Provider          string `json:"provider,omitempty"`
	ProviderMessageID string `gorm:"index" json:"provider_message_id,omitempty"`

	// ReminderFor marks a reminder SMS with the email message it nudges.
	ReminderFor *string `gorm:"size:36;index" json:"reminder_for,omitempty"`

	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// EventType is the kind of engagement fact recorded for a message.
type EventType string

const (
	EventOpen     EventType = "open"
	EventClick    EventType = "click"
	EventBounce   EventType = "bounce"
	EventDelivery EventType = "delivery"
	EventReply    EventType = "reply"
)

// MessageEvent is an append-only engagement fact about a message.
type MessageEvent struct {
	ID        uint              `gorm:"primarykey" json:"id"`
	MessageID string            `gorm:"size:36;not null;index" json:"message_id"`
	LeadID    uint              `gorm:"not null;index" json:"lead_id"`
	Type      EventType         `gorm:"not null;index" json:"type"`
	IP        string            `json:"ip,omitempty"`
	UserAgent string            `json:"user_agent,omitempty"`
	Meta      map[string]string `gorm:"type:jsonb;serializer:json" json:"meta,omitempty"`
	CreatedAt time.Time         `gorm:"index" json:"created_at"`
}

// DailyStat is the per-day, per-template rollup of message outcomes.
type DailyStat struct {
	ID         uint      `gorm:"primarykey" json:"-"`
	Day        time.Time `gorm:"type:date;not null;uniqueIndex:idx_daily_stat" json:"day"`
	TemplateID uint      `gorm:"not null;uniqueIndex:idx_daily_stat" json:"template_id"`
	Channel    Channel   `gorm:"not null;uniqueIndex:idx_daily_stat" json:"channel"`
	ABKey      string    `json:"ab_key,omitempty"`
	Sent       int       `json:"sent"`
	Failed     int       `json:"failed"`
	Opens      int       `json:"opens"`
	Clicks     int       `json:"clicks"`
	Bounces    int       `json:"bounces"`
	Replies    int       `json:"replies"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// LinkCheck is the latest health probe result for an outbound URL.
type LinkCheck struct {
	ID         uint      `gorm:"primarykey" json:"-"`
	URL        string    `gorm:"not null;uniqueIndex" json:"url"`
	StatusCode int       `json:"status_code"`
	OK         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	CheckedAt  time.Time `json:"checked_at"`
}
