package controller

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"sequencer/sequence"
	"sequencer/utils"
)

// workspaceID is set by middleware.Protected
func workspaceID(c *fiber.Ctx) uint {
	id, _ := c.Locals("workspaceID").(uint)
	return id
}

func idParam(c *fiber.Ctx, name string) (uint, error) {
	id, err := c.ParamsInt(name)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s %q", name, c.Params(name))
	}
	return uint(id), nil
}

// engineError maps engine errors onto HTTP statuses. Unexpected errors are
// reported to Sentry.
func engineError(c *fiber.Ctx, message string, err error) error {
	status := fiber.StatusInternalServerError
	switch {
	case errors.Is(err, sequence.ErrNotFound):
		status = fiber.StatusNotFound
	case errors.Is(err, sequence.ErrValidation):
		status = fiber.StatusBadRequest
	case errors.Is(err, sequence.ErrAlreadyEnrolled),
		errors.Is(err, sequence.ErrInvalidTransition),
		errors.Is(err, sequence.ErrConflict):
		status = fiber.StatusConflict
	}
	if status == fiber.StatusInternalServerError {
		utils.LogError("api_error", err, map[string]interface{}{
			"method":       c.Method(),
			"path":         c.Path(),
			"workspace_id": workspaceID(c),
		})
	}
	return utils.ErrorResponse(c, status, message, err)
}
