package controller

import (
	"errors"
	"net/url"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"sequencer/sequence"
	"sequencer/utils"
)

// TrackingController serves the open pixel and click redirects embedded in sent emails
type TrackingController struct {
	Engine *sequence.Engine
	Secret string
	Logger *logrus.Entry
}

func NewTrackingController(engine *sequence.Engine, secret string, logger *logrus.Entry) *TrackingController {
	return &TrackingController{
		Engine: engine,
		Secret: secret,
		Logger: logger,
	}
}

// trackedMessage unescapes the message id and checks its token
func (tc *TrackingController) trackedMessage(c *fiber.Ctx) (string, bool) {
	messageID, err := url.PathUnescape(c.Params("messageID"))
	if err != nil || messageID == "" {
		return "", false
	}
	return messageID, utils.ValidTrackingToken(tc.Secret, messageID, c.Params("token"))
}

func (tc *TrackingController) engagement(c *fiber.Ctx, messageID string) sequence.EngagementInput {
	return sequence.EngagementInput{
		MessageID: messageID,
		UserAgent: c.Get(fiber.HeaderUserAgent),
		IPAddress: c.IP(),
		Country:   strings.ToUpper(c.Get("CF-IPCountry")),
	}
}

// HandleOpen records an open and always answers with the pixel
func (tc *TrackingController) HandleOpen(c *fiber.Ctx) error {
	messageID, ok := tc.trackedMessage(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}

	if _, err := tc.Engine.RecordOpen(c.UserContext(), tc.engagement(c, messageID)); err != nil && !errors.Is(err, sequence.ErrNotFound) {
		tc.Logger.WithError(err).WithField("message_id", messageID).Warn("failed to record open")
	}

	c.Set(fiber.HeaderCacheControl, "no-store, no-cache, must-revalidate")
	return c.Type("gif").Send(utils.TransparentPixel())
}

// HandleClick records a click and redirects to the original link. The token
// covers the target, so only links that were actually sent redirect.
func (tc *TrackingController) HandleClick(c *fiber.Ctx) error {
	messageID, err := url.PathUnescape(c.Params("messageID"))
	if err != nil || messageID == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	raw := c.Query("url")
	if !utils.ValidClickToken(tc.Secret, messageID, raw, c.Params("token")) {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid token")
	}
	target, err := url.Parse(raw)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return c.Status(fiber.StatusBadRequest).SendString("Invalid redirect")
	}

	in := tc.engagement(c, messageID)
	in.URL = raw
	if _, err := tc.Engine.RecordClick(c.UserContext(), in); err != nil && !errors.Is(err, sequence.ErrNotFound) {
		tc.Logger.WithError(err).WithField("message_id", messageID).Warn("failed to record click")
	}

	return c.Redirect(raw, fiber.StatusFound)
}
