package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"sequencer/models"
	"sequencer/sequence"
	"sequencer/utils"
)

const (
	testSecret        = "test-tracking-key"
	testJWTSecret     = "test-jwt-key"
	testEncryptionKey = "test-encryption-key"
)

type stubMailer struct {
	mu   sync.Mutex
	sent []utils.OutgoingEmail
}

func (m *stubMailer) Send(_ context.Context, email utils.OutgoingEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, email)
	return email.MessageID, nil
}

type apiEnv struct {
	app    *fiber.App
	db     *gorm.DB
	mailer *stubMailer
	token  string
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "api.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	mailer := &stubMailer{}
	engine := sequence.NewEngine(sequence.Deps{
		Store:    sequence.NewGormStore(db),
		Contacts: sequence.NewGormContacts(db),
		Mailer:   mailer,
		Logger:   logrus.NewEntry(log),
	}, sequence.Options{
		TrackingBaseURL: "https://t.example.com",
		TrackingSecret:  testSecret,
	})

	app := fiber.New()
	SetupRoutes(app, Options{
		Engine:           engine,
		DB:               db,
		JWTSecret:        testJWTSecret,
		TrackingSecret:   testSecret,
		EncryptionKey:    testEncryptionKey,
		TriggerRateLimit: 100,
	})

	token, err := utils.GenerateJWTToken(testJWTSecret, 1, "test", time.Hour)
	require.NoError(t, err)
	return &apiEnv{app: app, db: db, mailer: mailer, token: token}
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+env.token)

	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func dataID(t *testing.T, resp map[string]any) uint {
	t.Helper()
	data, ok := resp["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", resp)
	id, ok := data["ID"].(float64)
	require.True(t, ok, "data has no ID: %v", data)
	return uint(id)
}

func TestAPI_RequiresToken(t *testing.T) {
	env := newAPIEnv(t)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, "/api/v1/sequences", nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sequences", nil)
	req.Header.Set("Authorization", "Token abc")
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// tokens signed with another key, such as the tracking key, are refused
	foreign, err := utils.GenerateJWTToken(testSecret, 1, "test", time.Hour)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/sequences", nil)
	req.Header.Set("Authorization", "Bearer "+foreign)
	resp, err = env.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	status, body := env.do(t, http.MethodGet, "/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, false, body["success"])
}

func TestAPI_SequenceLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/sequences", map[string]any{
		"name":       "Onboarding",
		"from_name":  "Jane",
		"from_email": "jane@acme.com",
		"steps": []map[string]any{
			{"step_type": "email", "email": map[string]any{
				"subject": "Hi {{first_name|there}}",
				"html":    `<p>Welcome</p><a href="https://acme.com/start">Start</a>`,
			}},
			{"step_type": "delay", "delay": map[string]any{"amount": 2, "unit": "days"}},
		},
	})
	require.Equal(t, http.StatusCreated, status, body)
	seqID := dataID(t, body)

	lead := models.Lead{WorkspaceID: 1, Email: "ada@example.com", FirstName: "Ada"}
	require.NoError(t, env.db.Create(&lead).Error)

	// only active sequences are processed
	status, _ = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/sequences/%d/status", seqID), map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, status)

	status, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sequences/%d/enroll", seqID), map[string]any{"lead_id": lead.ID})
	require.Equal(t, http.StatusCreated, status, body)
	enrID := dataID(t, body)

	status, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sequences/%d/enroll", seqID), map[string]any{"lead_id": lead.ID})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, false, body["success"])

	status, body = env.do(t, http.MethodPost, "/api/v1/processing/pass", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["message"], "Processed 1 enrollments")

	require.Len(t, env.mailer.sent, 1)
	sent := env.mailer.sent[0]
	assert.Equal(t, "Hi Ada", sent.Subject)
	assert.Contains(t, sent.HTML, "https://t.example.com/track/click/")

	// the open pixel records an open without auth
	pixel := "/track/open/" + url.PathEscape(sent.MessageID) + "/" + utils.GenerateTrackingToken(testSecret, sent.MessageID)
	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, pixel, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/gif", resp.Header.Get("Content-Type"))

	var enr models.SequenceEnrollment
	require.NoError(t, env.db.First(&enr, enrID).Error)
	assert.Equal(t, 1, enr.EmailsOpened)

	bad := "/track/open/" + url.PathEscape(sent.MessageID) + "/forged"
	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, bad, nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	status, body = env.do(t, http.MethodPost, "/api/v1/events/reply", map[string]any{"message_id": sent.MessageID})
	require.Equal(t, http.StatusOK, status, body)
	data := body["data"].(map[string]any)
	assert.Equal(t, true, data["stopped"])

	status, body = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/enrollments/%d", enrID), nil)
	require.Equal(t, http.StatusOK, status)
	history := body["data"].(map[string]any)
	assert.Equal(t, "stopped", history["enrollment"].(map[string]any)["status"])

	status, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/enrollments/%d/resume", enrID), nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestAPI_ClickRedirect(t *testing.T) {
	env := newAPIEnv(t)
	clickPath := func(messageID, target, token string) string {
		return "/track/click/" + url.PathEscape(messageID) + "/" + token + "?url=" + url.QueryEscape(target)
	}
	target := "https://acme.com/pricing?plan=pro&seats=5"
	token := utils.GenerateClickToken(testSecret, "unknown@acme.com", target)

	// unknown messages still redirect
	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, clickPath("unknown@acme.com", target, token), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, target, resp.Header.Get("Location"))

	// a genuine token cannot be reused for another target
	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, clickPath("unknown@acme.com", "https://evil.example/phish", token), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, resp.Header.Get("Location"))

	// nor does the message-only open token work for clicks
	openToken := utils.GenerateTrackingToken(testSecret, "unknown@acme.com")
	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet, clickPath("unknown@acme.com", target, openToken), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	script := "javascript:alert(1)"
	resp, err = env.app.Test(httptest.NewRequest(http.MethodGet,
		clickPath("unknown@acme.com", script, utils.GenerateClickToken(testSecret, "unknown@acme.com", script)), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_TrackedLinkInSentEmail(t *testing.T) {
	env := newAPIEnv(t)
	status, body := env.do(t, http.MethodPost, "/api/v1/sequences", map[string]any{
		"name":         "Pricing",
		"from_name":    "Jane",
		"from_email":   "jane@acme.com",
		"track_clicks": true,
		"steps": []map[string]any{
			{"step_type": "email", "email": map[string]any{
				"subject": "Pricing",
				"html":    `<p><a href="https://acme.com/p?a=1&amp;b=2">Pricing</a></p>`,
			}},
		},
	})
	require.Equal(t, http.StatusCreated, status, body)
	seqID := dataID(t, body)
	lead := models.Lead{WorkspaceID: 1, Email: "ada@example.com", FirstName: "Ada"}
	require.NoError(t, env.db.Create(&lead).Error)
	status, _ = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/sequences/%d/status", seqID), map[string]any{"status": "active"})
	require.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sequences/%d/enroll", seqID), map[string]any{"lead_id": lead.ID})
	require.Equal(t, http.StatusCreated, status)
	status, _ = env.do(t, http.MethodPost, "/api/v1/processing/pass", nil)
	require.Equal(t, http.StatusOK, status)

	require.Len(t, env.mailer.sent, 1)
	sent := env.mailer.sent[0]
	start := strings.Index(sent.HTML, `href="`) + len(`href="`)
	href := html.UnescapeString(sent.HTML[start : start+strings.Index(sent.HTML[start:], `"`)])
	link, err := url.Parse(href)
	require.NoError(t, err)

	resp, err := env.app.Test(httptest.NewRequest(http.MethodGet, link.RequestURI(), nil), -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "https://acme.com/p?a=1&b=2", resp.Header.Get("Location"))

	var enr models.SequenceEnrollment
	require.NoError(t, env.db.First(&enr).Error)
	assert.Equal(t, 1, enr.EmailsClicked)
}

func TestAPI_Validation(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/sequences", map[string]any{"name": ""})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["details"], "name is required")

	status, _ = env.do(t, http.MethodGet, "/api/v1/sequences/abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodGet, "/api/v1/sequences/999", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/events/forward", map[string]any{"message_id": "x"})
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_TemplatePreview(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/templates/preview", map[string]any{
		"subject": "Hello {{first_name}} from {{company}}",
		"text":    "{{custom_fields.industry|your industry}}",
	})
	require.Equal(t, http.StatusOK, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, "Hello John from Acme Inc", data["subject"])
	assert.Equal(t, "Software", data["text"])

	status, body = env.do(t, http.MethodPost, "/api/v1/templates/render", map[string]any{
		"subject": "{{first_name|friend}}",
		"context": map[string]any{},
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "friend", body["data"].(map[string]any)["subject"])
}

func TestAPI_Leads(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/leads", map[string]any{
		"email":         "Grace@Example.com",
		"first_name":    "Grace",
		"tags":          []string{"vip", "vip", "beta"},
		"custom_fields": map[string]string{"industry": "navy"},
	})
	require.Equal(t, http.StatusCreated, status, body)
	leadID := dataID(t, body)
	assert.Equal(t, "grace@example.com", body["data"].(map[string]any)["email"])

	status, _ = env.do(t, http.MethodPost, "/api/v1/leads", map[string]any{"email": "grace@example.com"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/leads", map[string]any{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, status)

	require.NoError(t, env.db.Create(&models.Lead{WorkspaceID: 1, Email: "other@example.com"}).Error)
	require.NoError(t, env.db.Create(&models.Lead{WorkspaceID: 2, Email: "foreign@example.com"}).Error)

	status, body = env.do(t, http.MethodGet, "/api/v1/leads?tag=vip", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), body["total"])

	status, body = env.do(t, http.MethodGet, "/api/v1/leads", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(2), body["total"])

	status, body = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/leads/%d", leadID), map[string]any{
		"score": 75,
		"tags":  []string{"customer"},
	})
	require.Equal(t, http.StatusOK, status, body)
	var lead models.Lead
	require.NoError(t, env.db.Preload("LeadTags").First(&lead, leadID).Error)
	assert.Equal(t, 75, lead.Score)
	require.Len(t, lead.LeadTags, 1)
	assert.Equal(t, "customer", lead.LeadTags[0].Tag)

	var foreign models.Lead
	require.NoError(t, env.db.Where("email = ?", "foreign@example.com").First(&foreign).Error)
	status, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/leads/%d", foreign.ID), nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/leads/%d", leadID), nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/leads/%d", leadID), nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPI_ImportLeads(t *testing.T) {
	env := newAPIEnv(t)
	require.NoError(t, env.db.Create(&models.Lead{WorkspaceID: 1, Email: "known@example.com"}).Error)

	csvBody := "email,first_name,tags,industry\n" +
		"ada@example.com,Ada,vip;beta,computing\n" +
		"known@example.com,Known,,\n" +
		"broken,Nope,,\n" +
		"ADA@example.com,Dup,,\n"

	var buf bytes.Buffer
	form := multipart.NewWriter(&buf)
	part, err := form.CreateFormFile("file", "leads.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte(csvBody))
	require.NoError(t, err)
	require.NoError(t, form.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/leads/import", &buf)
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := env.app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(4), data["total"])
	assert.Equal(t, float64(1), data["imported"])
	assert.Equal(t, float64(3), data["skipped"])

	var lead models.Lead
	require.NoError(t, env.db.Preload("LeadTags").Preload("CustomFields").
		Where("email = ?", "ada@example.com").First(&lead).Error)
	assert.Equal(t, "csv", lead.Source)
	assert.Len(t, lead.LeadTags, 2)
	require.Len(t, lead.CustomFields, 1)
	assert.Equal(t, "industry", lead.CustomFields[0].Name)
	assert.Equal(t, "computing", lead.CustomFields[0].Value)
}

func TestAPI_Senders(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/v1/senders", map[string]any{
		"name":          "Primary",
		"from_email":    "jane@acme.com",
		"from_name":     "Jane",
		"smtp_host":     "smtp.acme.com",
		"smtp_port":     587,
		"smtp_username": "jane",
		"smtp_password": "hunter2",
		"encryption":    "STARTTLS",
	})
	require.Equal(t, http.StatusCreated, status, body)
	senderID := dataID(t, body)
	assert.NotContains(t, body["data"], "smtp_password")

	var stored models.Sender
	require.NoError(t, env.db.First(&stored, senderID).Error)
	assert.NotEqual(t, "hunter2", stored.SMTPPassword)
	plain, err := utils.Decrypt(testEncryptionKey, stored.SMTPPassword)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", plain)
	assert.Equal(t, 993, stored.IMAPPort)

	// reply tracking needs an inbox
	status, _ = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/senders/%d", senderID), map[string]any{"track_replies": true})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/v1/senders", map[string]any{"name": "x", "encryption": "ROT13"})
	assert.Equal(t, http.StatusBadRequest, status)

	require.NoError(t, env.db.Create(&models.Sequence{WorkspaceID: 1, Name: "Live", SenderID: senderID, Status: models.SequenceActive}).Error)
	status, _ = env.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/senders/%d", senderID), nil)
	assert.Equal(t, http.StatusConflict, status)
}
