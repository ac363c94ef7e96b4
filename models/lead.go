package models

import (
	"time"

	"gorm.io/gorm"
)

// Lead represents a single contact/lead
type Lead struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	Email     string `gorm:"not null;index" json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Company   string `json:"company"`
	Position  string `json:"position"`
	Phone     string `json:"phone"`
	Website   string `json:"website"`
	City      string `json:"city"`
	Country   string `json:"country"`

	// Lead score as computed by the scoring engine
	Score int `gorm:"default:0" json:"score"`

	// Status
	IsBounced      bool `json:"is_bounced"`
	IsUnsubscribed bool `json:"is_unsubscribed"`

	// Metadata
	Source      string     `json:"source"`
	LastContact *time.Time `json:"last_contact"`

	// Relations
	LeadTags     []LeadTag         `gorm:"foreignKey:LeadID" json:"tags,omitempty"`
	CustomFields []LeadCustomField `gorm:"foreignKey:LeadID" json:"custom_fields,omitempty"`
}

// FullName joins first and last name, skipping blanks
func (l *Lead) FullName() string {
	switch {
	case l.FirstName == "":
		return l.LastName
	case l.LastName == "":
		return l.FirstName
	}
	return l.FirstName + " " + l.LastName
}

// LeadTag represents tags for leads (normalized)
type LeadTag struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index:idx_lead_tag,unique" json:"lead_id"`
	Tag    string `gorm:"not null;index:idx_lead_tag,unique" json:"tag"`
}

// LeadCustomField represents custom fields for leads
type LeadCustomField struct {
	gorm.Model
	LeadID uint   `gorm:"not null;index" json:"lead_id"`
	Name   string `gorm:"not null;index" json:"name"`
	Value  string `gorm:"type:text" json:"value"`
}
