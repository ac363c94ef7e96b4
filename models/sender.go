package models

import (
	"time"

	"gorm.io/gorm"
)

// Sender represents email sending and receiving credentials
type Sender struct {
	gorm.Model
	WorkspaceID uint `gorm:"not null;index" json:"workspace_id"`

	// Basic identification
	Name      string `gorm:"not null" json:"name"`
	FromEmail string `gorm:"not null" json:"from_email"`
	FromName  string `gorm:"not null" json:"from_name"`

	// ========= SMTP Configuration =========
	SMTPHost     string `gorm:"not null" json:"smtp_host"`
	SMTPPort     int    `gorm:"not null" json:"smtp_port"`
	SMTPUsername string `gorm:"not null" json:"smtp_username"`
	SMTPPassword string `gorm:"not null" json:"-"`          // Encrypted in application layer
	Encryption   string `gorm:"not null" json:"encryption"` // SSL, TLS, STARTTLS

	// ========= IMAP Configuration =========
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" gorm:"default:993"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"-"` // Encrypted in application layer
	IMAPEncryption string `json:"imap_encryption" gorm:"default:'SSL'"`
	IMAPMailbox    string `json:"imap_mailbox" gorm:"default:'INBOX'"`

	// Reply polling
	TrackReplies     bool       `json:"track_replies"`
	LastReplyCheckAt *time.Time `json:"last_reply_check_at"`

	LastError    *string    `json:"last_error"`
	LastTestedAt *time.Time `json:"last_tested_at"`
}

// HasIMAP reports whether inbox polling can run for this sender
func (s *Sender) HasIMAP() bool {
	return s.IMAPHost != "" && s.IMAPUsername != "" && s.IMAPPassword != ""
}

func (s *Sender) Sanitize() {
	s.SMTPPassword = ""
	s.IMAPPassword = ""
}
