package models

import (
	"time"

	"gorm.io/gorm"
)

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentPaused    EnrollmentStatus = "paused"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentStopped   EnrollmentStatus = "stopped"
)

// Terminal reports whether no further transition is possible.
func (s EnrollmentStatus) Terminal() bool {
	return s == EnrollmentCompleted || s == EnrollmentStopped
}

type StopReason string

const (
	StopCompleted   StopReason = "completed"
	StopReply       StopReason = "reply"
	StopClick       StopReason = "click"
	StopOpen        StopReason = "open"
	StopUnsubscribe StopReason = "unsubscribe"
	StopBounce      StopReason = "bounce"
	StopScoreHigh   StopReason = "score_high"
	StopScoreLow    StopReason = "score_low"
	StopManual      StopReason = "manual"
	StopError       StopReason = "error"
)

// SequenceEnrollment tracks one lead's progress through one sequence.
// At most one enrollment per (sequence, lead) may be active; the partial
// unique index enforces it across workers.
type SequenceEnrollment struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`
	SequenceID  uint `gorm:"not null;index;index:idx_enrollment_active,unique,where:status = 'active'" json:"sequence_id"`
	LeadID      uint `gorm:"not null;index;index:idx_enrollment_active,unique,where:status = 'active'" json:"lead_id"`

	Status     EnrollmentStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	StopReason StopReason       `gorm:"type:varchar(20)" json:"stop_reason,omitempty"`

	// Position
	CurrentStepID    *uint      `json:"current_step_id"`
	CurrentStepIndex int        `gorm:"default:0" json:"current_step_index"`
	NextStepAt       *time.Time `gorm:"index" json:"next_step_at"`

	// Lifecycle
	EnrolledAt  time.Time  `gorm:"not null" json:"enrolled_at"`
	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	StoppedAt   *time.Time `json:"stopped_at"`
	PausedAt    *time.Time `json:"paused_at"`

	// Engagement
	EmailsSent      int        `gorm:"default:0" json:"emails_sent"`
	EmailsOpened    int        `gorm:"default:0" json:"emails_opened"`
	EmailsClicked   int        `gorm:"default:0" json:"emails_clicked"`
	Replied         bool       `json:"replied"`
	Bounced         bool       `json:"bounced"`
	Unsubscribed    bool       `json:"unsubscribed"`
	LastEmailSentAt *time.Time `json:"last_email_sent_at"`

	// Error bookkeeping
	RetryCount int    `gorm:"default:0" json:"retry_count"`
	LastError  string `gorm:"type:text" json:"last_error,omitempty"`

	Source      string `json:"source"`
	LockVersion int    `gorm:"not null;default:0" json:"-"`

	// Relations
	Sequence Sequence `json:"-"`
	Lead     Lead     `json:"-"`
}

type ExecutionStatus string

const (
	ExecutionPending ExecutionStatus = "pending"
	ExecutionSent    ExecutionStatus = "sent"
	ExecutionSkipped ExecutionStatus = "skipped"
	ExecutionFailed  ExecutionStatus = "failed"
)

// SequenceStepExecution is the audit record of one step attempt for one
// enrollment. Content fields hold what was actually rendered and sent.
type SequenceStepExecution struct {
	gorm.Model
	EnrollmentID uint            `gorm:"not null;index" json:"enrollment_id"`
	SequenceID   uint            `gorm:"not null;index" json:"sequence_id"`
	StepID       uint            `gorm:"not null;index" json:"step_id"`
	LeadID       uint            `gorm:"not null;index" json:"lead_id"`
	StepType     StepType        `gorm:"type:varchar(20)" json:"step_type"`
	Status       ExecutionStatus `gorm:"type:varchar(20);not null;index" json:"status"`

	// Rendered content snapshot
	Subject  string `json:"subject"`
	HTMLBody string `gorm:"type:text" json:"html_body"`
	TextBody string `gorm:"type:text" json:"text_body"`

	ScheduledAt *time.Time `json:"scheduled_at"`
	ExecutedAt  *time.Time `gorm:"index" json:"executed_at"`
	DeliveredAt *time.Time `json:"delivered_at"`
	OpenedAt    *time.Time `json:"opened_at"`
	ClickedAt   *time.Time `json:"clicked_at"`
	RepliedAt   *time.Time `json:"replied_at"`
	BouncedAt   *time.Time `json:"bounced_at"`

	MessageID  string `gorm:"index" json:"message_id"` // email Message-ID or external record id
	RetryCount int    `gorm:"default:0" json:"retry_count"`
	LastError  string `gorm:"type:text" json:"last_error,omitempty"`
}

type EventType string

const (
	EventEnrolled     EventType = "enrolled"
	EventPaused       EventType = "paused"
	EventResumed      EventType = "resumed"
	EventStopped      EventType = "stopped"
	EventCompleted    EventType = "completed"
	EventOpened       EventType = "opened"
	EventClicked      EventType = "clicked"
	EventReplied      EventType = "replied"
	EventBounced      EventType = "bounced"
	EventUnsubscribed EventType = "unsubscribed"
)

// SequenceEvent is an append-only log entry for an enrollment
type SequenceEvent struct {
	gorm.Model
	EnrollmentID uint           `gorm:"not null;index" json:"enrollment_id"`
	SequenceID   uint           `gorm:"not null;index" json:"sequence_id"`
	StepID       *uint          `json:"step_id,omitempty"`
	EventType    EventType      `gorm:"type:varchar(20);not null;index" json:"event_type"`
	Message      string         `gorm:"type:text" json:"message,omitempty"`
	Metadata     map[string]any `gorm:"type:jsonb;serializer:json" json:"metadata,omitempty"`

	// Click details
	URL     string `gorm:"type:text" json:"url,omitempty"`
	Device  string `json:"device,omitempty"`
	Browser string `json:"browser,omitempty"`
	Country string `json:"country,omitempty"`
	IsBot   bool   `json:"is_bot"`
}
