package sequence

import (
	"strings"
	"time"

	"sequencer/models"
	"sequencer/utils"
)

// renderContext builds the variables an email, webhook or condition step sees.
// Blank fields are left out so template fallbacks apply to them.
// Dates are rendered in the sequence's timezone.
func renderContext(c *Contact, seq *models.Sequence, now time.Time) map[string]any {
	custom := make(map[string]any, len(c.CustomFields))
	for k, v := range c.CustomFields {
		if strings.TrimSpace(v) != "" {
			custom[k] = v
		}
	}

	ctx := map[string]any{"custom_fields": custom}
	for k, v := range map[string]string{
		"first_name":    c.FirstName,
		"last_name":     c.LastName,
		"full_name":     fullName(c),
		"email":         c.Email,
		"company":       c.Company,
		"position":      c.Position,
		"phone":         c.Phone,
		"website":       c.Website,
		"city":          c.City,
		"country":       c.Country,
		"sender_name":   seq.FromName,
		"sender_email":  seq.FromEmail,
		"sequence_name": seq.Name,
	} {
		if strings.TrimSpace(v) != "" {
			ctx[k] = v
		}
	}
	for k, v := range utils.DateVariables(now.In(sequenceLocation(seq))) {
		ctx[k] = v
	}
	return ctx
}

func fullName(c *Contact) string {
	switch {
	case c.FirstName != "" && c.LastName != "":
		return c.FirstName + " " + c.LastName
	case c.FirstName != "":
		return c.FirstName
	default:
		return c.LastName
	}
}
