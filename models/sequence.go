package models

import (
	"time"

	"gorm.io/gorm"
)

type SequenceStatus string

const (
	SequenceDraft    SequenceStatus = "draft"
	SequenceActive   SequenceStatus = "active"
	SequencePaused   SequenceStatus = "paused"
	SequenceArchived SequenceStatus = "archived"
)

type StepType string

const (
	StepEmail     StepType = "email"
	StepDelay     StepType = "delay"
	StepCondition StepType = "condition"
	StepTag       StepType = "tag"
	StepWebhook   StepType = "webhook"
	StepTask      StepType = "task"
)

// Sequence represents an automated multi-step outreach workflow
type Sequence struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`
	SenderID    uint `gorm:"index" json:"sender_id"` // SMTP credentials used for email steps

	Name        string         `gorm:"not null" json:"name"`
	Description string         `json:"description"`
	Status      SequenceStatus `gorm:"type:varchar(20);default:'draft';index" json:"status"`

	// Sender identity
	FromName  string `json:"from_name"`
	FromEmail string `json:"from_email"`
	ReplyTo   string `json:"reply_to"`

	// Tracking
	TrackOpens  bool `json:"track_opens"`
	TrackClicks bool `json:"track_clicks"`

	// Sending window
	SendWindowEnabled bool   `json:"send_window_enabled"`
	SendWindowStart   string `gorm:"type:varchar(5);default:'09:00'" json:"send_window_start"` // HH:MM
	SendWindowEnd     string `gorm:"type:varchar(5);default:'17:00'" json:"send_window_end"`
	SendDays          []int  `gorm:"type:jsonb;serializer:json" json:"send_days"` // ISO weekdays, 1 = Monday
	Timezone          string `gorm:"default:'UTC'" json:"timezone"`

	// Throttling (0 disables the limit)
	MaxEmailsPerDay       int        `gorm:"default:0" json:"max_emails_per_day"`
	MinDelayBetweenEmails int        `gorm:"default:0" json:"min_delay_between_emails"` // seconds
	LastEmailSentAt       *time.Time `json:"last_email_sent_at"`

	// Stop conditions
	StopOnReply         bool `json:"stop_on_reply"`
	StopOnClick         bool `json:"stop_on_click"`
	StopOnOpen          bool `json:"stop_on_open"`
	StopOnUnsubscribe   bool `json:"stop_on_unsubscribe"`
	StopOnBounce        bool `json:"stop_on_bounce"`
	StopOnScoreAbove    bool `json:"stop_on_score_above"`
	ScoreAboveThreshold int  `json:"score_above_threshold"`
	StopOnScoreBelow    bool `json:"stop_on_score_below"`
	ScoreBelowThreshold int  `json:"score_below_threshold"`

	// Statistics (denormalized, reconcilable from executions and events)
	TotalEnrolled  int `gorm:"default:0" json:"total_enrolled"`
	ActiveEnrolled int `gorm:"default:0" json:"active_enrolled"`
	CompletedCount int `gorm:"default:0" json:"completed_count"`
	StoppedCount   int `gorm:"default:0" json:"stopped_count"`
	TotalSent      int `gorm:"default:0" json:"total_sent"`
	TotalOpened    int `gorm:"default:0" json:"total_opened"`
	TotalClicked   int `gorm:"default:0" json:"total_clicked"`
	TotalReplied   int `gorm:"default:0" json:"total_replied"`

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// HasScoreConditions reports whether any score-based stop condition is enabled.
func (s *Sequence) HasScoreConditions() bool {
	return s.StopOnScoreAbove || s.StopOnScoreBelow
}

// EmailPayload is the content of an email step
type EmailPayload struct {
	Subject string `json:"subject"`
	HTML    string `gorm:"type:text" json:"html"`
	Text    string `gorm:"type:text" json:"text"`
}

// DelayPayload is the wait of a delay step
type DelayPayload struct {
	Amount int    `json:"amount"`
	Unit   string `gorm:"type:varchar(10)" json:"unit"` // minutes, hours, days
}

// ConditionPayload is the predicate and branch targets of a condition step.
// A nil branch means the enrollment completes when that branch is taken.
type ConditionPayload struct {
	Type        string `json:"type"`
	Value       string `json:"value"`
	TrueStepID  *uint  `json:"true_step_id"`
	FalseStepID *uint  `json:"false_step_id"`
}

// TagPayload adds or removes a tag on the contact
type TagPayload struct {
	Name   string `json:"name"`
	Action string `gorm:"type:varchar(10)" json:"action"` // add, remove
}

// WebhookPayload describes an outbound HTTP call
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `gorm:"type:varchar(10)" json:"method"`
	Headers map[string]string `gorm:"type:jsonb;serializer:json" json:"headers"`
	Body    string            `gorm:"type:text" json:"body"`
}

// TaskPayload describes a task created in the external task system
type TaskPayload struct {
	Title       string `json:"title"`
	Description string `gorm:"type:text" json:"description"`
	Assignee    string `json:"assignee"`
}

// SequenceStep represents one node in a sequence workflow.
// Only the payload matching StepType is meaningful.
type SequenceStep struct {
	gorm.Model
	SequenceID uint     `gorm:"not null;index:idx_step_order,unique" json:"sequence_id"`
	Order      int      `gorm:"column:step_order;not null;index:idx_step_order,unique" json:"order"`
	StepType   StepType `gorm:"type:varchar(20);not null" json:"step_type"`
	IsActive   bool     `json:"is_active"`

	Email     EmailPayload     `gorm:"embedded;embeddedPrefix:email_" json:"email"`
	Delay     DelayPayload     `gorm:"embedded;embeddedPrefix:delay_" json:"delay"`
	Condition ConditionPayload `gorm:"embedded;embeddedPrefix:condition_" json:"condition"`
	Tag       TagPayload       `gorm:"embedded;embeddedPrefix:tag_" json:"tag"`
	Webhook   WebhookPayload   `gorm:"embedded;embeddedPrefix:webhook_" json:"webhook"`
	Task      TaskPayload      `gorm:"embedded;embeddedPrefix:task_" json:"task"`

	// Tracking
	SentCount    int `gorm:"default:0" json:"sent_count"`
	OpenedCount  int `gorm:"default:0" json:"opened_count"`
	ClickedCount int `gorm:"default:0" json:"clicked_count"`
	RepliedCount int `gorm:"default:0" json:"replied_count"`
	BouncedCount int `gorm:"default:0" json:"bounced_count"`
}
