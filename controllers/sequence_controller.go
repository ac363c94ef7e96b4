package controller

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"sequencer/models"
	"sequencer/sequence"
	"sequencer/utils"
)

type SequenceController struct {
	Engine *sequence.Engine
	Logger *logrus.Entry
}

func NewSequenceController(engine *sequence.Engine, logger *logrus.Entry) *SequenceController {
	return &SequenceController{
		Engine: engine,
		Logger: logger,
	}
}

// CreateSequence stores a draft sequence with its steps
func (sc *SequenceController) CreateSequence(c *fiber.Ctx) error {
	var input sequence.SequenceInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	seq, err := sc.Engine.CreateSequence(c.UserContext(), workspaceID(c), input)
	if err != nil {
		return engineError(c, "Failed to create sequence", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse("Sequence created successfully", seq))
}

func (sc *SequenceController) GetSequences(c *fiber.Ctx) error {
	sequences, err := sc.Engine.Sequences(c.UserContext(), workspaceID(c))
	if err != nil {
		return engineError(c, "Failed to fetch sequences", err)
	}
	return c.JSON(utils.SuccessResponse(fmt.Sprintf("%d sequences", len(sequences)), sequences))
}

// GetSequence returns a sequence with its ordered steps and counters
func (sc *SequenceController) GetSequence(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", err)
	}
	seq, err := sc.Engine.Sequence(c.UserContext(), workspaceID(c), id)
	if err != nil {
		return engineError(c, "Failed to fetch sequence", err)
	}
	return c.JSON(utils.SuccessResponse("Sequence found", seq))
}

// UpdateSequenceStatus activates, pauses or archives a sequence
func (sc *SequenceController) UpdateSequenceStatus(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", err)
	}
	var input struct {
		Status models.SequenceStatus `json:"status" validate:"required,oneof=draft active paused archived"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid status", err)
	}

	seq, err := sc.Engine.SetSequenceStatus(c.UserContext(), workspaceID(c), id, input.Status)
	if err != nil {
		return engineError(c, "Failed to update sequence status", err)
	}
	return c.JSON(utils.SuccessResponse(fmt.Sprintf("Sequence is %s", seq.Status), seq))
}

func (sc *SequenceController) AddStep(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", err)
	}
	var input sequence.StepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	step, err := sc.Engine.AddStep(c.UserContext(), workspaceID(c), id, input)
	if err != nil {
		return engineError(c, "Failed to add step", err)
	}
	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse("Step added successfully", step))
}

func (sc *SequenceController) UpdateStep(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", err)
	}
	stepID, err := idParam(c, "stepID")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step ID", err)
	}
	var input sequence.StepInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}

	step, err := sc.Engine.UpdateStep(c.UserContext(), workspaceID(c), id, stepID, input)
	if err != nil {
		return engineError(c, "Failed to update step", err)
	}
	return c.JSON(utils.SuccessResponse("Step updated successfully", step))
}

// SetStepActive handles both /activate and /deactivate
func (sc *SequenceController) SetStepActive(active bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		id, err := idParam(c, "id")
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", err)
		}
		stepID, err := idParam(c, "stepID")
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid step ID", err)
		}

		if active {
			err = sc.Engine.ActivateStep(c.UserContext(), workspaceID(c), id, stepID)
		} else {
			err = sc.Engine.DeactivateStep(c.UserContext(), workspaceID(c), id, stepID)
		}
		if err != nil {
			return engineError(c, "Failed to change step", err)
		}
		if active {
			return c.JSON(utils.SuccessResponse("Step activated", nil))
		}
		return c.JSON(utils.SuccessResponse("Step deactivated", nil))
	}
}

// ReconcileStats rebuilds the sequence's counters from its history
func (sc *SequenceController) ReconcileStats(c *fiber.Ctx) error {
	id, err := idParam(c, "id")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid sequence ID", err)
	}
	seq, err := sc.Engine.Reconcile(c.UserContext(), workspaceID(c), id)
	if err != nil {
		return engineError(c, "Failed to reconcile statistics", err)
	}
	return c.JSON(utils.SuccessResponse("Statistics reconciled", seq))
}

// RunPass processes every due enrollment once. Workers call the engine
// directly; this endpoint is for external schedulers.
func (sc *SequenceController) RunPass(c *fiber.Ctx) error {
	res, err := sc.Engine.RunPass(c.UserContext())
	if err != nil {
		return engineError(c, "Processing pass failed", err)
	}
	sc.Logger.WithFields(logrus.Fields{
		"workspace_id": workspaceID(c),
		"processed":    res.Processed,
		"errors":       res.Errors,
	}).Info("manual processing pass")
	message := fmt.Sprintf("Processed %d enrollments in %d sequences: %d succeeded, %d errors",
		res.Processed, res.Sequences, res.Succeeded, res.Errors)
	return c.JSON(utils.SuccessResponse(message, res))
}

func (sc *SequenceController) SweepScores(c *fiber.Ctx) error {
	res, err := sc.Engine.SweepScores(c.UserContext())
	if err != nil {
		return engineError(c, "Score sweep failed", err)
	}
	message := fmt.Sprintf("Checked %d enrollments, stopped %d", res.Checked, res.Stopped)
	return c.JSON(utils.SuccessResponse(message, res))
}
