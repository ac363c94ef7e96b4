package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"sequencer/models"
	"sequencer/utils"
)

const senderSecret = "sender-secret"

func newSenderFixture(t *testing.T, withIMAP bool) (*gorm.DB, *SenderController, *fiber.App, uint) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "senders.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.Sender{}))

	smtpPassword, err := utils.Encrypt(senderSecret, "smtp-pass")
	require.NoError(t, err)
	sender := models.Sender{
		WorkspaceID:  1,
		Name:         "Primary",
		FromEmail:    "jane@acme.com",
		FromName:     "Jane",
		SMTPHost:     "smtp.acme.com",
		SMTPPort:     465,
		SMTPUsername: "jane",
		SMTPPassword: smtpPassword,
		Encryption:   "SSL",
	}
	if withIMAP {
		imapPassword, err := utils.Encrypt(senderSecret, "imap-pass")
		require.NoError(t, err)
		sender.IMAPHost = "imap.acme.com"
		sender.IMAPUsername = "jane"
		sender.IMAPPassword = imapPassword
	}
	require.NoError(t, db.Create(&sender).Error)

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	sc := NewSenderController(db, senderSecret, logrus.NewEntry(log))

	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("workspaceID", uint(1))
		return c.Next()
	})
	app.Post("/senders/:id/test", sc.TestSender)
	return db, sc, app, sender.ID
}

func TestSenderController_TestSenderPasses(t *testing.T) {
	db, sc, app, id := newSenderFixture(t, true)

	var gotSMTP, gotIMAP string
	sc.testSMTP = func(_ context.Context, _ *models.Sender, password string) error {
		gotSMTP = password
		return nil
	}
	sc.testIMAP = func(_ *models.Sender, password string) error {
		gotIMAP = password
		return nil
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/senders/1/test", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "smtp-pass", gotSMTP)
	assert.Equal(t, "imap-pass", gotIMAP)

	var sender models.Sender
	require.NoError(t, db.First(&sender, id).Error)
	assert.NotNil(t, sender.LastTestedAt)
	assert.Nil(t, sender.LastError)
}

func TestSenderController_TestSenderRecordsFailure(t *testing.T) {
	db, sc, app, id := newSenderFixture(t, false)

	imapCalled := false
	sc.testSMTP = func(context.Context, *models.Sender, string) error {
		return errors.New("535 authentication failed")
	}
	sc.testIMAP = func(*models.Sender, string) error {
		imapCalled = true
		return nil
	}

	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/senders/1/test", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, imapCalled, "no inbox configured")

	var sender models.Sender
	require.NoError(t, db.First(&sender, id).Error)
	require.NotNil(t, sender.LastError)
	assert.Contains(t, *sender.LastError, "535")

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/senders/99/test", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
