package controller

import (
	"encoding/csv"
	"errors"
	"strconv"
	"strings"

	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"sequencer/models"
	"sequencer/utils"
)

// LeadController manages the contacts sequences enroll
type LeadController struct {
	DB     *gorm.DB
	Logger *logrus.Entry
}

func NewLeadController(db *gorm.DB, logger *logrus.Entry) *LeadController {
	return &LeadController{
		DB:     db,
		Logger: logger,
	}
}

type leadInput struct {
	Email        string            `json:"email" validate:"required,email"`
	FirstName    string            `json:"first_name" validate:"omitempty,max=100"`
	LastName     string            `json:"last_name" validate:"omitempty,max=100"`
	Company      string            `json:"company" validate:"omitempty,max=200"`
	Position     string            `json:"position" validate:"omitempty,max=200"`
	Phone        string            `json:"phone" validate:"omitempty,max=50"`
	Website      string            `json:"website" validate:"omitempty,max=300"`
	City         string            `json:"city"`
	Country      string            `json:"country"`
	Score        int               `json:"score"`
	Tags         []string          `json:"tags"`
	CustomFields map[string]string `json:"custom_fields"`
}

func convertCustomFields(fields map[string]string) []models.LeadCustomField {
	var out []models.LeadCustomField
	for name, value := range fields {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, models.LeadCustomField{Name: name, Value: value})
		}
	}
	return out
}

func convertTags(tags []string) []models.LeadTag {
	seen := make(map[string]bool)
	var out []models.LeadTag
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" && !seen[tag] {
			seen[tag] = true
			out = append(out, models.LeadTag{Tag: tag})
		}
	}
	return out
}

// CreateLead adds one contact. Email addresses are unique per workspace.
func (lc *LeadController) CreateLead(c *fiber.Ctx) error {
	wsID := workspaceID(c)

	var input leadInput
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}
	email := strings.ToLower(strings.TrimSpace(input.Email))
	if err := checkmail.ValidateFormat(email); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid email address", err)
	}

	var count int64
	lc.DB.Model(&models.Lead{}).Where("workspace_id = ? AND email = ?", wsID, email).Count(&count)
	if count > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead with this email already exists", nil)
	}

	lead := models.Lead{
		WorkspaceID:  wsID,
		Email:        email,
		FirstName:    input.FirstName,
		LastName:     input.LastName,
		Company:      input.Company,
		Position:     input.Position,
		Phone:        input.Phone,
		Website:      input.Website,
		City:         input.City,
		Country:      input.Country,
		Score:        input.Score,
		Source:       "api",
		LeadTags:     convertTags(input.Tags),
		CustomFields: convertCustomFields(input.CustomFields),
	}
	if err := lc.DB.Create(&lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to create lead", err)
	}

	return c.Status(fiber.StatusCreated).JSON(utils.SuccessResponse("Lead created", lead))
}

// GetLeads lists contacts, optionally filtered by email, company, tag or status
func (lc *LeadController) GetLeads(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 20)
	if limit < 1 || limit > 100 {
		limit = 100
	}

	wsID := workspaceID(c)
	email, company, tag, status := strings.ToLower(c.Query("email")), c.Query("company"), c.Query("tag"), c.Query("status")
	filter := func(db *gorm.DB) *gorm.DB {
		db = db.Where("leads.workspace_id = ?", wsID)
		if email != "" {
			db = db.Where("leads.email LIKE ?", "%"+email+"%")
		}
		if company != "" {
			db = db.Where("leads.company LIKE ?", "%"+company+"%")
		}
		if tag != "" {
			db = db.Where("EXISTS (SELECT 1 FROM lead_tags WHERE lead_tags.lead_id = leads.id AND lead_tags.tag = ? AND lead_tags.deleted_at IS NULL)", tag)
		}
		switch status {
		case "active":
			db = db.Where("leads.is_unsubscribed = ? AND leads.is_bounced = ?", false, false)
		case "unsubscribed":
			db = db.Where("leads.is_unsubscribed = ?", true)
		case "bounced":
			db = db.Where("leads.is_bounced = ?", true)
		}
		return db
	}

	var total int64
	if err := lc.DB.Model(&models.Lead{}).Scopes(filter).Count(&total).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to count leads", err)
	}

	var leads []models.Lead
	if err := lc.DB.Scopes(filter).Preload("LeadTags").Order("leads.id").
		Offset((page - 1) * limit).Limit(limit).Find(&leads).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch leads", err)
	}

	return c.JSON(utils.PaginatedResponse{
		Data:  leads,
		Total: total,
		Page:  page,
		Limit: limit,
	})
}

func (lc *LeadController) findLead(c *fiber.Ctx) (*models.Lead, error) {
	id, err := idParam(c, "id")
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid lead ID", err)
	}
	var lead models.Lead
	err = lc.DB.Preload("LeadTags").Preload("CustomFields").
		Where("id = ? AND workspace_id = ?", id, workspaceID(c)).First(&lead).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorResponse(c, fiber.StatusNotFound, "Lead not found", nil)
	}
	if err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to fetch lead", err)
	}
	return &lead, nil
}

func (lc *LeadController) GetLead(c *fiber.Ctx) error {
	lead, errResp := lc.findLead(c)
	if lead == nil {
		return errResp
	}
	return c.JSON(utils.SuccessResponse("Lead retrieved", lead))
}

// UpdateLead changes profile fields and the score. Tags and custom fields
// are replaced when present in the body.
func (lc *LeadController) UpdateLead(c *fiber.Ctx) error {
	lead, errResp := lc.findLead(c)
	if lead == nil {
		return errResp
	}

	var input struct {
		FirstName      *string           `json:"first_name" validate:"omitempty,max=100"`
		LastName       *string           `json:"last_name" validate:"omitempty,max=100"`
		Company        *string           `json:"company" validate:"omitempty,max=200"`
		Position       *string           `json:"position"`
		Score          *int              `json:"score"`
		IsUnsubscribed *bool             `json:"is_unsubscribed"`
		Tags           []string          `json:"tags"`
		CustomFields   map[string]string `json:"custom_fields"`
	}
	if err := c.BodyParser(&input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", err)
	}
	if err := utils.ValidateStruct(input); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", err)
	}

	updates := map[string]interface{}{}
	if input.FirstName != nil {
		updates["first_name"] = *input.FirstName
	}
	if input.LastName != nil {
		updates["last_name"] = *input.LastName
	}
	if input.Company != nil {
		updates["company"] = *input.Company
	}
	if input.Position != nil {
		updates["position"] = *input.Position
	}
	if input.Score != nil {
		updates["score"] = *input.Score
	}
	if input.IsUnsubscribed != nil {
		updates["is_unsubscribed"] = *input.IsUnsubscribed
	}

	err := lc.DB.Transaction(func(tx *gorm.DB) error {
		if len(updates) > 0 {
			if err := tx.Model(lead).Updates(updates).Error; err != nil {
				return err
			}
		}
		if input.Tags != nil {
			if err := tx.Unscoped().Where("lead_id = ?", lead.ID).Delete(&models.LeadTag{}).Error; err != nil {
				return err
			}
			tags := convertTags(input.Tags)
			for i := range tags {
				tags[i].LeadID = lead.ID
			}
			if len(tags) > 0 {
				if err := tx.Create(&tags).Error; err != nil {
					return err
				}
			}
		}
		if input.CustomFields != nil {
			if err := tx.Unscoped().Where("lead_id = ?", lead.ID).Delete(&models.LeadCustomField{}).Error; err != nil {
				return err
			}
			fields := convertCustomFields(input.CustomFields)
			for i := range fields {
				fields[i].LeadID = lead.ID
			}
			if len(fields) > 0 {
				if err := tx.Create(&fields).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to update lead", err)
	}

	updated, errResp := lc.findLead(c)
	if updated == nil {
		return errResp
	}
	return c.JSON(utils.SuccessResponse("Lead updated", updated))
}

// DeleteLead soft-deletes a contact; past executions keep pointing at it
func (lc *LeadController) DeleteLead(c *fiber.Ctx) error {
	lead, errResp := lc.findLead(c)
	if lead == nil {
		return errResp
	}

	var active int64
	lc.DB.Model(&models.SequenceEnrollment{}).
		Where("lead_id = ? AND status IN ?", lead.ID, []models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPaused}).
		Count(&active)
	if active > 0 {
		return utils.ErrorResponse(c, fiber.StatusConflict, "Lead is enrolled in a sequence; stop the enrollment first", nil)
	}

	if err := lc.DB.Delete(lead).Error; err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to delete lead", err)
	}
	return c.JSON(utils.SuccessResponse("Lead deleted", nil))
}

// ImportResult summarises a CSV import
type ImportResult struct {
	Total    int      `json:"total"`
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

var leadColumns = map[string]bool{
	"email": true, "first_name": true, "last_name": true, "company": true,
	"position": true, "phone": true, "website": true, "city": true, "country": true, "tags": true,
}

// ImportLeads reads a CSV upload with a header row. Unknown columns become
// custom fields; tags are separated by semicolons. Existing emails are skipped.
func (lc *LeadController) ImportLeads(c *fiber.Ctx) error {
	wsID := workspaceID(c)

	file, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File upload error", err)
	}
	if file.Size > 5<<20 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "File too large (max 5MB)", nil)
	}
	src, err := file.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to open file", err)
	}
	defer src.Close()

	records, err := csv.NewReader(src).ReadAll()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to parse CSV file", err)
	}
	if len(records) < 2 {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "CSV file must have at least a header and one row", nil)
	}

	header := make([]string, len(records[0]))
	for i, col := range records[0] {
		header[i] = strings.ToLower(strings.TrimSpace(col))
	}

	result := lc.importRows(wsID, header, records[1:])
	utils.LogEvent("leads_imported", map[string]interface{}{
		"workspace_id": wsID,
		"total":        result.Total,
		"imported":     result.Imported,
		"skipped":      result.Skipped,
	})
	return c.JSON(utils.SuccessResponse("Leads imported", result))
}

func (lc *LeadController) importRows(wsID uint, header []string, rows [][]string) ImportResult {
	result := ImportResult{Total: len(rows)}
	seen := make(map[string]bool)
	const batchSize = 100
	var batch []models.Lead

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := lc.DB.Create(&batch).Error; err != nil {
			lc.Logger.WithError(err).Warn("failed to import batch of leads")
			result.Skipped += len(batch)
			result.Errors = append(result.Errors, err.Error())
		} else {
			result.Imported += len(batch)
		}
		batch = nil
	}

	for n, row := range rows {
		line := n + 2
		if len(row) != len(header) {
			result.Skipped++
			result.Errors = append(result.Errors, "line "+strconv.Itoa(line)+": wrong number of columns")
			continue
		}
		data := make(map[string]string, len(header))
		for i, col := range header {
			data[col] = strings.TrimSpace(row[i])
		}

		email := strings.ToLower(data["email"])
		if err := checkmail.ValidateFormat(email); err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, "line "+strconv.Itoa(line)+": invalid email "+email)
			continue
		}
		if seen[email] {
			result.Skipped++
			continue
		}
		seen[email] = true

		var count int64
		lc.DB.Model(&models.Lead{}).Where("workspace_id = ? AND email = ?", wsID, email).Count(&count)
		if count > 0 {
			result.Skipped++
			continue
		}

		custom := make(map[string]string)
		for col, value := range data {
			if !leadColumns[col] && value != "" {
				custom[col] = value
			}
		}
		batch = append(batch, models.Lead{
			WorkspaceID:  wsID,
			Email:        email,
			FirstName:    data["first_name"],
			LastName:     data["last_name"],
			Company:      data["company"],
			Position:     data["position"],
			Phone:        data["phone"],
			Website:      data["website"],
			City:         data["city"],
			Country:      data["country"],
			Source:       "csv",
			LeadTags:     convertTags(strings.Split(data["tags"], ";")),
			CustomFields: convertCustomFields(custom),
		})
		if len(batch) >= batchSize {
			flush()
		}
	}
	flush()
	return result
}
