package sequence

import (
	"context"
	"errors"
	"fmt"

	"github.com/badoux/checkmail"
	"sequencer/models"
)

// maxReportedErrors caps the per-lead messages a bulk enrollment returns
const maxReportedErrors = 10

// BulkEnrollResult aggregates a bulk enrollment
type BulkEnrollResult struct {
	Total    int      `json:"total"`
	Enrolled int      `json:"enrolled"`
	Failed   int      `json:"failed"`
	Errors   []string `json:"errors"`
}

// Enroll starts a lead on a sequence at its first active step. The lead
// must belong to the workspace, have a deliverable address and no open
// enrollment in the sequence.
func (e *Engine) Enroll(ctx context.Context, workspaceID, sequenceID, leadID uint, source string) (*models.SequenceEnrollment, error) {
	seq, err := e.store.GetWorkspaceSequence(ctx, workspaceID, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status == models.SequenceArchived {
		return nil, validationf("sequence %d is archived", seq.ID)
	}

	contact, err := e.contacts.GetContact(ctx, leadID)
	if err != nil {
		return nil, err
	}
	if contact.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("lead %d: %w", leadID, ErrNotFound)
	}
	if err := checkmail.ValidateFormat(contact.Email); err != nil {
		return nil, validationf("lead %d has an invalid email address %q", leadID, contact.Email)
	}
	if contact.IsUnsubscribed {
		return nil, validationf("lead %d is unsubscribed", leadID)
	}
	if contact.IsBounced {
		return nil, validationf("lead %d has bounced", leadID)
	}

	steps, err := e.store.ListSteps(ctx, seq.ID)
	if err != nil {
		return nil, err
	}
	first := nextActiveIndex(steps, 0)
	if first == len(steps) {
		return nil, validationf("sequence %d has no active steps", seq.ID)
	}

	// The partial unique index only covers active rows; paused ones are checked here.
	open, err := e.store.FindOpenEnrollment(ctx, seq.ID, leadID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("lead %d is %s in sequence %d: %w", leadID, open.Status, seq.ID, ErrAlreadyEnrolled)
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	now := e.now()
	stepID := steps[first].ID
	enr := &models.SequenceEnrollment{
		WorkspaceID:      workspaceID,
		SequenceID:       seq.ID,
		LeadID:           leadID,
		Status:           models.EnrollmentActive,
		CurrentStepID:    &stepID,
		CurrentStepIndex: first,
		NextStepAt:       &now,
		EnrolledAt:       now,
		Source:           source,
	}
	if err := e.store.CreateEnrollment(ctx, enr); err != nil {
		return nil, err
	}

	e.appendEvent(ctx, enr, models.EventEnrolled, &stepID, "enrolled", map[string]any{"source": source})
	e.log.WithField("enrollment_id", enr.ID).WithField("lead_id", leadID).Debug("lead enrolled")
	return enr, nil
}

// BulkEnroll enrolls each lead independently; one failure never blocks the rest
func (e *Engine) BulkEnroll(ctx context.Context, workspaceID, sequenceID uint, leadIDs []uint, source string) BulkEnrollResult {
	res := BulkEnrollResult{Total: len(leadIDs), Errors: []string{}}
	for _, leadID := range leadIDs {
		if _, err := e.Enroll(ctx, workspaceID, sequenceID, leadID, source); err != nil {
			res.Failed++
			if len(res.Errors) < maxReportedErrors {
				res.Errors = append(res.Errors, fmt.Sprintf("lead %d: %v", leadID, err))
			}
			continue
		}
		res.Enrolled++
	}
	return res
}
