package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"sequencer/models"
	"sequencer/sequence"
	"sequencer/utils"
)

// ReplyRecorder is the engine's reply entry point
type ReplyRecorder interface {
	RecordReply(ctx context.Context, in sequence.EngagementInput) (sequence.EventResult, error)
}

// ReplyWorker polls each sender's inbox for answers to sequence emails. A
// message counts as a reply when its In-Reply-To or References header names
// the Message-ID of a sent step.
type ReplyWorker struct {
	db       *gorm.DB
	engine   ReplyRecorder
	secret   string
	interval time.Duration
	logger   *logrus.Entry
}

func NewReplyWorker(db *gorm.DB, engine ReplyRecorder, secret string, interval time.Duration, logger *logrus.Entry) *ReplyWorker {
	return &ReplyWorker{
		db:       db,
		engine:   engine,
		secret:   secret,
		interval: interval,
		logger:   logger,
	}
}

func (rw *ReplyWorker) Start(ctx context.Context) {
	rw.logger.Info("Starting reply worker...")
	ticker := time.NewTicker(rw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rw.pollAll(ctx)
		case <-ctx.Done():
			rw.logger.Info("Stopping reply worker...")
			return
		}
	}
}

func (rw *ReplyWorker) pollAll(ctx context.Context) {
	var senders []models.Sender
	if err := rw.db.WithContext(ctx).
		Where("track_replies = ? AND imap_host IS NOT NULL AND imap_host != ''", true).
		Find(&senders).Error; err != nil {
		utils.LogError("reply_poll_senders", err, nil)
		return
	}

	for i := range senders {
		sender := &senders[i]
		if !sender.HasIMAP() {
			continue
		}
		started := time.Now().UTC()
		n, err := rw.pollSender(ctx, sender)
		if err != nil {
			msg := err.Error()
			rw.db.Model(&models.Sender{}).Where("id = ?", sender.ID).Update("last_error", &msg)
			rw.logger.WithError(err).WithField("sender_id", sender.ID).Warn("reply poll failed")
			continue
		}
		rw.db.Model(&models.Sender{}).Where("id = ?", sender.ID).Updates(map[string]interface{}{
			"last_reply_check_at": started,
			"last_error":          nil,
		})
		if n > 0 {
			rw.logger.WithFields(logrus.Fields{"sender_id": sender.ID, "replies": n}).Info("replies recorded")
		}
	}
}

// pollSender reads messages received since the last check without marking
// them seen, and returns how many were recorded as replies.
func (rw *ReplyWorker) pollSender(ctx context.Context, sender *models.Sender) (int, error) {
	password, err := utils.Decrypt(rw.secret, sender.IMAPPassword)
	if err != nil {
		return 0, fmt.Errorf("failed to decrypt IMAP password: %w", err)
	}

	c, err := utils.DialIMAP(sender, time.Minute)
	if err != nil {
		return 0, fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(sender.IMAPUsername, password); err != nil {
		return 0, fmt.Errorf("failed to login to IMAP server: %w", err)
	}

	mailbox := "INBOX"
	if sender.IMAPMailbox != "" {
		mailbox = sender.IMAPMailbox
	}
	if _, err := c.Select(mailbox, true); err != nil {
		return 0, fmt.Errorf("failed to select mailbox: %w", err)
	}

	since := time.Now().UTC().Add(-24 * time.Hour)
	if sender.LastReplyCheckAt != nil {
		since = *sender.LastReplyCheckAt
	}
	criteria := imap.NewSearchCriteria()
	// SINCE has day granularity; exact filtering happens on the envelope date
	criteria.Since = since.Truncate(24 * time.Hour)
	ids, err := c.Search(criteria)
	if err != nil {
		return 0, fmt.Errorf("failed to search messages: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Specifier: imap.HeaderSpecifier}, Peek: true}

	messages := make(chan *imap.Message, 10)
	done := make(chan error, 1)
	go func() {
		done <- c.Fetch(seqset, []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}, messages)
	}()

	recorded := 0
	for msg := range messages {
		if msg.Envelope == nil || msg.Envelope.Date.Before(since) {
			continue
		}
		literal := msg.GetBody(section)
		if literal == nil {
			continue
		}
		ok, err := rw.handleMessage(ctx, sender, literal, msg.Envelope)
		if err != nil {
			rw.logger.WithError(err).WithField("sender_id", sender.ID).Warn("failed to process inbox message")
			continue
		}
		if ok {
			recorded++
		}
	}

	if err := <-done; err != nil {
		return recorded, fmt.Errorf("error during fetch: %w", err)
	}
	return recorded, nil
}

// handleMessage records the reply for the first referenced message id that
// belongs to a sequence email of the sender's workspace.
func (rw *ReplyWorker) handleMessage(ctx context.Context, sender *models.Sender, header io.Reader, env *imap.Envelope) (bool, error) {
	refs, err := ReplyReferences(header)
	if err != nil {
		return false, err
	}

	var from string
	if env != nil && len(env.From) > 0 {
		from = env.From[0].Address()
	}
	for _, ref := range refs {
		in := sequence.EngagementInput{
			MessageID:   ref,
			WorkspaceID: sender.WorkspaceID,
			Metadata:    map[string]any{"from": from, "sender_id": sender.ID},
		}
		if env != nil {
			in.OccurredAt = env.Date.UTC()
			in.Metadata["subject"] = env.Subject
		}
		_, err := rw.engine.RecordReply(ctx, in)
		if errors.Is(err, sequence.ErrNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// ReplyReferences lists the message ids an email answers, In-Reply-To first
// and then References from newest to oldest.
func ReplyReferences(header io.Reader) ([]string, error) {
	mr, err := mail.CreateReader(header)
	if err != nil && mr == nil {
		return nil, fmt.Errorf("failed to parse message header: %w", err)
	}
	h := mr.Header

	seen := make(map[string]bool)
	var out []string
	add := func(ids []string) {
		for _, id := range ids {
			id = strings.Trim(strings.TrimSpace(id), "<>")
			if id != "" && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}

	inReplyTo, _ := h.MsgIDList("In-Reply-To")
	add(inReplyTo)
	refs, _ := h.MsgIDList("References")
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
	add(refs)
	return out, nil
}
