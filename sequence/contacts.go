package sequence

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"sequencer/models"
)

// GormContacts reads leads, their tags and custom fields from the same database
type GormContacts struct {
	db *gorm.DB
}

func NewGormContacts(db *gorm.DB) *GormContacts {
	return &GormContacts{db: db}
}

func (g *GormContacts) GetContact(ctx context.Context, leadID uint) (*Contact, error) {
	var lead models.Lead
	err := g.db.WithContext(ctx).
		Preload("LeadTags").
		Preload("CustomFields").
		First(&lead, leadID).Error
	if err != nil {
		return nil, notFound(err, "lead", leadID)
	}

	c := &Contact{
		ID:             lead.ID,
		WorkspaceID:    lead.WorkspaceID,
		Email:          lead.Email,
		FirstName:      lead.FirstName,
		LastName:       lead.LastName,
		Company:        lead.Company,
		Position:       lead.Position,
		Phone:          lead.Phone,
		Website:        lead.Website,
		City:           lead.City,
		Country:        lead.Country,
		Score:          lead.Score,
		IsBounced:      lead.IsBounced,
		IsUnsubscribed: lead.IsUnsubscribed,
		CustomFields:   make(map[string]string, len(lead.CustomFields)),
	}
	for _, t := range lead.LeadTags {
		c.Tags = append(c.Tags, t.Tag)
	}
	for _, f := range lead.CustomFields {
		c.CustomFields[f.Name] = f.Value
	}
	return c, nil
}

func (g *GormContacts) GetScore(ctx context.Context, leadID uint) (int, error) {
	var lead models.Lead
	err := g.db.WithContext(ctx).Select("id", "score").First(&lead, leadID).Error
	if err != nil {
		return 0, notFound(err, "lead", leadID)
	}
	return lead.Score, nil
}

func (g *GormContacts) ApplyTag(ctx context.Context, leadID uint, tag string) error {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("%w: empty tag", ErrValidation)
	}
	return g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.LeadTag{LeadID: leadID, Tag: tag}).Error
}

func (g *GormContacts) RemoveTag(ctx context.Context, leadID uint, tag string) error {
	return g.db.WithContext(ctx).
		Unscoped().
		Where("lead_id = ? AND tag = ?", leadID, strings.TrimSpace(tag)).
		Delete(&models.LeadTag{}).Error
}

func (g *GormContacts) MarkBounced(ctx context.Context, leadID uint) error {
	return g.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ?", leadID).
		Update("is_bounced", true).Error
}

func (g *GormContacts) MarkUnsubscribed(ctx context.Context, leadID uint) error {
	return g.db.WithContext(ctx).Model(&models.Lead{}).
		Where("id = ?", leadID).
		Update("is_unsubscribed", true).Error
}

// HasTag compares case-insensitively
func (c *Contact) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}
