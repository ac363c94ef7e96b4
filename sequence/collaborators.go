package sequence

import (
	"context"
	"time"

	"sequencer/utils"
)

// EmailSender delivers a rendered email and returns its message id
type EmailSender interface {
	Send(ctx context.Context, email utils.OutgoingEmail) (string, error)
}

// WebhookInvoker performs an outbound HTTP call
type WebhookInvoker interface {
	Invoke(ctx context.Context, url, method string, headers map[string]string, body string) (int, error)
}

// TaskCreator creates a record in the external task system
type TaskCreator interface {
	CreateTask(ctx context.Context, title, description, assignee string) (string, error)
}

// Contact is the engine's view of a lead
type Contact struct {
	ID             uint
	WorkspaceID    uint
	Email          string
	FirstName      string
	LastName       string
	Company        string
	Position       string
	Phone          string
	Website        string
	City           string
	Country        string
	Score          int
	IsBounced      bool
	IsUnsubscribed bool
	Tags           []string
	CustomFields   map[string]string
}

// ContactProvider reads contacts and applies contact-level side effects.
// Score is owned by the scoring engine; the engine only reads it.
type ContactProvider interface {
	GetContact(ctx context.Context, leadID uint) (*Contact, error)
	GetScore(ctx context.Context, leadID uint) (int, error)
	ApplyTag(ctx context.Context, leadID uint, tag string) error
	RemoveTag(ctx context.Context, leadID uint, tag string) error
	MarkBounced(ctx context.Context, leadID uint) error
	MarkUnsubscribed(ctx context.Context, leadID uint) error
}

// Clock is injectable for deterministic tests
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
