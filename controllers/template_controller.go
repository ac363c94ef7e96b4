package controller

import (
	"github.com/gofiber/fiber/v2"
	"sequencer/utils"
)

type templateInput struct {
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text"`
}

// PreviewTemplate renders against the sample contact with a fixed seed
func PreviewTemplate(c *fiber.Ctx) error {
	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	return c.JSON(utils.SuccessResponse("Template rendered", utils.PreviewTemplate(input.Subject, input.HTML, input.Text)))
}

// ValidateTemplate lists the variables and spintax a template uses
func ValidateTemplate(c *fiber.Ctx) error {
	var input templateInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	return c.JSON(utils.SuccessResponse("Template analysed", utils.ValidateTemplate(input.Subject, input.HTML, input.Text)))
}

// RenderTemplate renders against a caller-supplied context. A seed makes
// spintax choices reproducible.
func RenderTemplate(c *fiber.Ctx) error {
	var input struct {
		templateInput
		Context map[string]any `json:"context"`
		Seed    *int64         `json:"seed"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	rendered := utils.RenderTemplate(input.Subject, input.HTML, input.Text, input.Context, input.Seed)
	return c.JSON(utils.SuccessResponse("Template rendered", rendered))
}
