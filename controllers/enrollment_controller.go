package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"sequencer/models"
	"sequencer/sequence"
	"sequencer/utils"
)

const maxBulkEnroll = 10000

type EnrollmentController struct {
	Engine *sequence.Engine
	Logger *logrus.Entry
}

func NewEnrollmentController(engine *sequence.Engine, logger *logrus.Entry) *EnrollmentController {
	return &EnrollmentController{
		Engine: engine,
		Logger: logger,
	}
}

// Enroll adds one lead, or many when lead_ids is given
func (ec *EnrollmentController) Enroll(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", err)
	}
	var input struct {
		LeadID  uint   `json:"lead_id"`
		LeadIDs []uint `json:"lead_ids" validate:"max=10000"`
		Source  string `json:"source" validate:"max=50"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, fmt.Sprintf("At most %d leads per request", maxBulkEnroll), err)
	}
	if input.Source == "" {
		input.Source = "api"
	}

	if len(input.LeadIDs) > 0 {
		res := ec.Engine.BulkEnroll(c.UserContext(), workspaceID(c), id, input.LeadIDs, input.Source)
		message := fmt.Sprintf("Enrolled %d of %d leads", res.Enrolled, res.Total)
		return c.JSON(fiber.Map{
			"success": res.Failed == 0,
			"message": message,
			"data":    res,
		})
	}
	if input.LeadID == 0 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "lead_id or lead_ids is required", nil)
	}

	enr, err := ec.Engine.Enroll(c.UserContext(), workspaceID(c), id, input.LeadID, input.Source)
	if err != nil {
		return engineError(c, "Failed to enroll lead", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse("Lead enrolled successfully", enr))
}

func (ec *EnrollmentController) control(c *fiber.Ctx, verb string, op func(ctx context.Context, workspaceID, id uint) (*models.SequenceEnrollment, error)) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", err)
	}
	enr, err := op(c.UserContext(), workspaceID(c), id)
	if err != nil {
		return engineError(c, fmt.Sprintf("Failed to %s enrollment", verb), err)
	}
	return c.JSON(utils.SuccessResponse(fmt.Sprintf("Enrollment is %s", enr.Status), enr))
}

func (ec *EnrollmentController) Pause(c *fiber.Ctx) error {
	return ec.control(c, "pause", ec.Engine.Pause)
}

func (ec *EnrollmentController) Resume(c *fiber.Ctx) error {
	return ec.control(c, "resume", ec.Engine.Resume)
}

func (ec *EnrollmentController) Stop(c *fiber.Ctx) error {
	return ec.control(c, "stop", ec.Engine.Stop)
}

// GetHistory returns the enrollment with its executions and events
func (ec *EnrollmentController) GetHistory(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid enrollment ID", err)
	}
	history, err := ec.Engine.History(c.UserContext(), workspaceID(c), id)
	if err != nil {
		return engineError(c, "Failed to fetch enrollment history", err)
	}
	return c.JSON(utils.SuccessResponse("Enrollment history", history))
}

type eventRecorder func(ctx context.Context, in sequence.EngagementInput) (sequence.EventResult, error)

// RecordEvent ingests an engagement reported by an external system
// (ESP webhook, inbox integration). :type is open, click, reply, bounce or unsubscribe.
func (ec *EnrollmentController) RecordEvent(c *fiber.Ctx) error {
	recorders := map[string]eventRecorder{
		"open":        ec.Engine.RecordOpen,
		"click":       ec.Engine.RecordClick,
		"reply":       ec.Engine.RecordReply,
		"bounce":      ec.Engine.RecordBounce,
		"unsubscribe": ec.Engine.RecordUnsubscribe,
	}
	record, ok := recorders[c.Params("type")]
	if !ok {
		return utils.ErrorResponse(c, fiber.StatusNotFound, fmt.Sprintf("Unknown event type %q", c.Params("type")), nil)
	}

	var input struct {
		MessageID    string         `json:"message_id"`
		EnrollmentID uint           `json:"enrollment_id"`
		URL          string         `json:"url" validate:"omitempty,url"`
		UserAgent    string         `json:"user_agent"`
		IPAddress    string         `json:"ip_address"`
		Country      string         `json:"country" validate:"omitempty,len=2"`
		Timestamp    int64          `json:"timestamp"`
		Metadata     map[string]any `json:"metadata"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid event", err)
	}

	in := sequence.EngagementInput{
		MessageID:    input.MessageID,
		EnrollmentID: input.EnrollmentID,
		WorkspaceID:  workspaceID(c),
		URL:          input.URL,
		UserAgent:    input.UserAgent,
		IPAddress:    input.IPAddress,
		Country:      input.Country,
		Metadata:     input.Metadata,
	}
	if input.Timestamp > 0 {
		in.OccurredAt = time.Unix(input.Timestamp, 0).UTC()
	}

	res, err := record(c.UserContext(), in)
	if err != nil {
		return engineError(c, "Failed to record event", err)
	}
	return c.JSON(fiber.Map{
		"success": true,
		"message": res.Message,
		"data":    res,
	})
}
