package utils

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/badoux/checkmail"
	"gopkg.in/gomail.v2"
	"gorm.io/gorm"
	"sequencer/models"
)

// ErrPermanentDelivery marks a send the server rejected outright; retrying will not help
var ErrPermanentDelivery = errors.New("permanent delivery failure")

// OutgoingEmail is one fully rendered message ready for SMTP
type OutgoingEmail struct {
	SenderID  uint
	FromName  string
	FromEmail string
	ReplyTo   string
	To        string
	ToName    string
	Subject   string
	HTML      string
	Text      string
	MessageID string
	Headers   map[string]string
}

// SMTPMailer delivers sequence emails through the sender's own SMTP account
type SMTPMailer struct {
	db     *gorm.DB
	secret string
	send   func(d *gomail.Dialer, m *gomail.Message) error
}

func NewSMTPMailer(db *gorm.DB, secret string) *SMTPMailer {
	return &SMTPMailer{
		db:     db,
		secret: secret,
		send: func(d *gomail.Dialer, m *gomail.Message) error {
			return d.DialAndSend(m)
		},
	}
}

// Send returns the Message-ID used. The context bounds the whole SMTP exchange.
func (sm *SMTPMailer) Send(ctx context.Context, email OutgoingEmail) (string, error) {
	if err := checkmail.ValidateFormat(email.To); err != nil {
		return "", fmt.Errorf("%w: invalid recipient %q: %v", ErrPermanentDelivery, email.To, err)
	}

	var sender models.Sender
	if err := sm.db.WithContext(ctx).First(&sender, email.SenderID).Error; err != nil {
		return "", fmt.Errorf("failed to fetch sender SMTP config: %w", err)
	}

	password, err := Decrypt(sm.secret, sender.SMTPPassword)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt SMTP password: %w", err)
	}

	dialer := NewSMTPDialer(&sender, password)

	if email.FromEmail == "" {
		email.FromEmail = sender.FromEmail
	}
	if email.FromName == "" {
		email.FromName = sender.FromName
	}
	m := BuildMessage(email)

	done := make(chan error, 1)
	go func() { done <- sm.send(dialer, m) }()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("send to %s timed out: %w", email.To, ctx.Err())
	case err := <-done:
		if err == nil {
			return email.MessageID, nil
		}
		if !IsTemporaryError(err) && isRejection(err) {
			return "", fmt.Errorf("%w: %v", ErrPermanentDelivery, err)
		}
		return "", fmt.Errorf("send failed: %w", err)
	}
}

// NewSMTPDialer configures gomail for the sender's account. SSL means
// implicit TLS; anything else upgrades with STARTTLS when offered.
func NewSMTPDialer(sender *models.Sender, password string) *gomail.Dialer {
	dialer := gomail.NewDialer(sender.SMTPHost, sender.SMTPPort, sender.SMTPUsername, password)
	dialer.TLSConfig = &tls.Config{ServerName: sender.SMTPHost}
	if strings.EqualFold(sender.Encryption, "SSL") {
		dialer.SSL = true
	}
	return dialer
}

// BuildMessage assembles a multipart/alternative message
func BuildMessage(email OutgoingEmail) *gomail.Message {
	m := gomail.NewMessage()
	m.SetAddressHeader("From", email.FromEmail, email.FromName)
	if email.ToName != "" {
		m.SetAddressHeader("To", email.To, email.ToName)
	} else {
		m.SetHeader("To", email.To)
	}
	if email.ReplyTo != "" {
		m.SetHeader("Reply-To", email.ReplyTo)
	}
	m.SetHeader("Subject", email.Subject)
	if email.MessageID != "" {
		m.SetHeader("Message-ID", "<"+email.MessageID+">")
	}
	m.SetHeader("X-Mailer", "Sequencer/1.0")
	for k, v := range email.Headers {
		m.SetHeader(k, v)
	}

	switch {
	case email.Text != "" && email.HTML != "":
		m.SetBody("text/plain", email.Text)
		m.AddAlternative("text/html", email.HTML)
	case email.HTML != "":
		m.SetBody("text/html", email.HTML)
	default:
		m.SetBody("text/plain", email.Text)
	}
	return m
}

// IsTemporaryError reports network failures and 4xx SMTP replies
func IsTemporaryError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	tempErrors := []string{
		"try again",
		"temporary",
		"421",
		"450",
		"451",
		"452",
		"connection refused",
		"connection reset",
		"eof",
	}

	for _, tempErr := range tempErrors {
		if strings.Contains(errStr, tempErr) {
			return true
		}
	}

	return false
}

// isRejection matches 5xx replies that concern the recipient or message
func isRejection(err error) bool {
	errStr := err.Error()
	for _, code := range []string{"550", "551", "553", "554"} {
		if strings.Contains(errStr, code) {
			return true
		}
	}
	return false
}
