package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"sequencer/models"
	"sequencer/utils"
)

type CreateSenderRequest struct {
	Name           string `json:"name" validate:"required"`
	FromEmail      string `json:"from_email" validate:"required,email"`
	FromName       string `json:"from_name" validate:"required"`
	SMTPHost       string `json:"smtp_host" validate:"required"`
	SMTPPort       int    `json:"smtp_port" validate:"required,min=1,max=65535"`
	SMTPUsername   string `json:"smtp_username" validate:"required"`
	SMTPPassword   string `json:"smtp_password" validate:"required"`
	Encryption     string `json:"encryption" validate:"required,oneof=SSL TLS STARTTLS NONE"`
	IMAPHost       string `json:"imap_host"`
	IMAPPort       int    `json:"imap_port" validate:"omitempty,min=1,max=65535"`
	IMAPUsername   string `json:"imap_username"`
	IMAPPassword   string `json:"imap_password"`
	IMAPEncryption string `json:"imap_encryption" validate:"omitempty,oneof=SSL TLS STARTTLS NONE"`
	IMAPMailbox    string `json:"imap_mailbox"`
	TrackReplies   bool   `json:"track_replies"`
}

type UpdateSenderRequest struct {
	Name         *string `json:"name"`
	FromEmail    *string `json:"from_email" validate:"omitempty,email"`
	FromName     *string `json:"from_name"`
	SMTPPassword *string `json:"smtp_password"`
	IMAPPassword *string `json:"imap_password"`
	TrackReplies *bool   `json:"track_replies"`
}

type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// SenderController manages the SMTP/IMAP accounts sequence emails go out
// through. Passwords are stored encrypted with the configured key.
type SenderController struct {
	DB     *gorm.DB
	Secret string
	Logger *logrus.Entry
	// swapped in tests
	testSMTP func(ctx context.Context, sender *models.Sender, password string) error
	testIMAP func(sender *models.Sender, password string) error
}

func NewSenderController(db *gorm.DB, secret string, logger *logrus.Entry) *SenderController {
	return &SenderController{
		DB:       db,
		Secret:   secret,
		Logger:   logger,
		testSMTP: testSMTPConnection,
		testIMAP: testIMAPConnection,
	}
}

func (sc *SenderController) CreateSender(c *fiber.Ctx) error {
	var req CreateSenderRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	smtpPassword, err := utils.Encrypt(sc.Secret, req.SMTPPassword)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt SMTP password", err)
	}
	imapPassword, err := utils.Encrypt(sc.Secret, req.IMAPPassword)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt IMAP password", err)
	}

	sender := models.Sender{
		WorkspaceID:    workspaceID(c),
		Name:           req.Name,
		FromEmail:      req.FromEmail,
		FromName:       req.FromName,
		SMTPHost:       req.SMTPHost,
		SMTPPort:       req.SMTPPort,
		SMTPUsername:   req.SMTPUsername,
		SMTPPassword:   smtpPassword,
		Encryption:     req.Encryption,
		IMAPHost:       req.IMAPHost,
		IMAPPort:       req.IMAPPort,
		IMAPUsername:   req.IMAPUsername,
		IMAPPassword:   imapPassword,
		IMAPEncryption: req.IMAPEncryption,
		IMAPMailbox:    req.IMAPMailbox,
		TrackReplies:   req.TrackReplies,
	}
	if sender.IMAPPort == 0 {
		sender.IMAPPort = 993
	}
	if sender.IMAPEncryption == "" {
		sender.IMAPEncryption = "SSL"
	}
	if sender.TrackReplies && !sender.HasIMAP() {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Reply tracking needs IMAP host, username and password", nil)
	}

	if err := sc.DB.Create(&sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create sender", err)
	}

	utils.LogEvent("sender_created", map[string]interface{}{
		"sender_id":    sender.ID,
		"workspace_id": sender.WorkspaceID,
	})
	sender.Sanitize()
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse("Sender created", sender))
}

func (sc *SenderController) GetSenders(c *fiber.Ctx) error {
	var senders []models.Sender
	if err := sc.DB.Where("workspace_id = ?", workspaceID(c)).Order("id").Find(&senders).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch senders", err)
	}
	for i := range senders {
		senders[i].Sanitize()
	}
	return c.JSON(utils.SuccessResponse("Senders retrieved", senders))
}

func (sc *SenderController) findSender(c *fiber.Ctx) (*models.Sender, error) {
	id, err := idParam(c, "id")
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sender ID", err)
	}
	var sender models.Sender
	err = sc.DB.Where("id = ? AND workspace_id = ?", id, workspaceID(c)).First(&sender).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Sender not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch sender", err)
	}
	return &sender, nil
}

func (sc *SenderController) GetSender(c *fiber.Ctx) error {
	sender, errResp := sc.findSender(c)
	if sender == nil {
		return errResp
	}
	sender.Sanitize()
	return c.JSON(utils.SuccessResponse("Sender retrieved", sender))
}

func (sc *SenderController) UpdateSender(c *fiber.Ctx) error {
	sender, errResp := sc.findSender(c)
	if sender == nil {
		return errResp
	}

	var req UpdateSenderRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.FromEmail != nil {
		updates["from_email"] = *req.FromEmail
	}
	if req.FromName != nil {
		updates["from_name"] = *req.FromName
	}
	if req.SMTPPassword != nil {
		encrypted, err := utils.Encrypt(sc.Secret, *req.SMTPPassword)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt SMTP password", err)
		}
		updates["smtp_password"] = encrypted
	}
	if req.IMAPPassword != nil {
		encrypted, err := utils.Encrypt(sc.Secret, *req.IMAPPassword)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to encrypt IMAP password", err)
		}
		updates["imap_password"] = encrypted
		sender.IMAPPassword = encrypted
	}
	if req.TrackReplies != nil {
		if *req.TrackReplies && !sender.HasIMAP() {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Reply tracking needs IMAP host, username and password", nil)
		}
		updates["track_replies"] = *req.TrackReplies
	}

	if len(updates) > 0 {
		if err := sc.DB.Model(sender).Updates(updates).Error; err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update sender", err)
		}
	}

	sender.Sanitize()
	return c.JSON(utils.SuccessResponse("Sender updated", sender))
}

// DeleteSender refuses while an active or paused sequence still sends through it
func (sc *SenderController) DeleteSender(c *fiber.Ctx) error {
	sender, errResp := sc.findSender(c)
	if sender == nil {
		return errResp
	}

	var inUse int64
	sc.DB.Model(&models.Sequence{}).
		Where("sender_id = ? AND status IN ?", sender.ID, []models.SequenceStatus{models.SequenceActive, models.SequencePaused}).
		Count(&inUse)
	if inUse > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Sender is used by a running sequence", nil)
	}

	if err := sc.DB.Delete(sender).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete sender", err)
	}
	return c.JSON(utils.SuccessResponse("Sender deleted", nil))
}

// TestSender checks the SMTP login and, when configured, the IMAP login.
// The outcome is stored on the sender as last_error / last_tested_at.
func (sc *SenderController) TestSender(c *fiber.Ctx) error {
	sender, errResp := sc.findSender(c)
	if sender == nil {
		return errResp
	}
	logContext := map[string]interface{}{
		"sender_id": sender.ID,
		"smtp_host": sender.SMTPHost,
		"imap_host": sender.IMAPHost,
	}

	smtpPassword, err := utils.Decrypt(sc.Secret, sender.SMTPPassword)
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to decrypt SMTP password", err)
	}

	results := fiber.Map{}
	var failures []string

	ctx, cancel := context.WithTimeout(c.UserContext(), 15*time.Second)
	defer cancel()
	smtpResult := TestResult{Success: true}
	if err := sc.testSMTP(ctx, sender, smtpPassword); err != nil {
		smtpResult = TestResult{Error: err.Error()}
		failures = append(failures, "smtp: "+err.Error())
		utils.LogError("smtp_test_failed", err, logContext)
	}
	results["smtp"] = smtpResult

	if sender.HasIMAP() {
		imapPassword, err := utils.Decrypt(sc.Secret, sender.IMAPPassword)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to decrypt IMAP password", err)
		}
		imapResult := TestResult{Success: true}
		if err := sc.testIMAP(sender, imapPassword); err != nil {
			imapResult = TestResult{Error: err.Error()}
			failures = append(failures, "imap: "+err.Error())
			utils.LogError("imap_test_failed", err, logContext)
		}
		results["imap"] = imapResult
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{"last_tested_at": now, "last_error": nil}
	if len(failures) > 0 {
		updates["last_error"] = strings.Join(failures, "; ")
	}
	if err := sc.DB.Model(sender).Updates(updates).Error; err != nil {
		sc.Logger.WithError(err).WithField("sender_id", sender.ID).Warn("failed to store test result")
	}

	if len(failures) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"success": false,
			"message": "Sender connection test failed",
			"data":    results,
		})
	}
	utils.LogEvent("sender_test_success", logContext)
	return c.JSON(utils.SuccessResponse("Sender connection test passed", results))
}

// testSMTPConnection dials and authenticates without sending anything
func testSMTPConnection(ctx context.Context, sender *models.Sender, password string) error {
	dialer := utils.NewSMTPDialer(sender, password)
	done := make(chan error, 1)
	go func() {
		closer, err := dialer.Dial()
		if err == nil {
			err = closer.Close()
		}
		done <- err
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("connection to %s:%d timed out", sender.SMTPHost, sender.SMTPPort)
	case err := <-done:
		return err
	}
}

func testIMAPConnection(sender *models.Sender, password string) error {
	c, err := utils.DialIMAP(sender, 10*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to IMAP server: %w", err)
	}
	defer c.Logout()

	if err := c.Login(sender.IMAPUsername, password); err != nil {
		return fmt.Errorf("IMAP authentication failed: %w", err)
	}
	mailbox := sender.IMAPMailbox
	if mailbox == "" {
		mailbox = "INBOX"
	}
	if _, err := c.Select(mailbox, true); err != nil {
		return fmt.Errorf("failed to select mailbox: %w", err)
	}
	return nil
}
