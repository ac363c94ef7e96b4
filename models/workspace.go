package models

import "gorm.io/gorm"

// Workspace is the isolation boundary every sequence, lead and sender belongs to
type Workspace struct {
	gorm.Model
	Name     string `gorm:"not null" json:"name"`
	Timezone string `gorm:"default:'UTC'" json:"timezone"`

	Senders   []Sender   `gorm:"foreignKey:WorkspaceID" json:"senders,omitempty"`
	Sequences []Sequence `gorm:"foreignKey:WorkspaceID" json:"sequences,omitempty"`
}

// AllModels lists every table migrated on startup
func AllModels() []any {
	return []any{
		&Workspace{},
		&Sender{},
		&Lead{},
		&LeadTag{},
		&LeadCustomField{},
		&Sequence{},
		&SequenceStep{},
		&SequenceEnrollment{},
		&SequenceStepExecution{},
		&SequenceEvent{},
	}
}
