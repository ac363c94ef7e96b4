package sequence

import (
	"context"
	"fmt"

	"sequencer/models"
)

var (
	fromActive = []models.EnrollmentStatus{models.EnrollmentActive}
	fromPaused = []models.EnrollmentStatus{models.EnrollmentPaused}
)

// workspaceEnrollment loads an enrollment and hides it from other workspaces
func (e *Engine) workspaceEnrollment(ctx context.Context, workspaceID, id uint) (*models.SequenceEnrollment, error) {
	enr, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if enr.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("enrollment %d: %w", id, ErrNotFound)
	}
	return enr, nil
}

// Pause stops an active enrollment from being scheduled. A step already
// claimed by a worker finishes, but the enrollment stays paused afterwards.
func (e *Engine) Pause(ctx context.Context, workspaceID, id uint) (*models.SequenceEnrollment, error) {
	enr, err := e.workspaceEnrollment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	switch {
	case enr.Status == models.EnrollmentPaused:
		return enr, nil
	case enr.Status.Terminal():
		return nil, fmt.Errorf("cannot pause %s enrollment %d: %w", enr.Status, id, ErrInvalidTransition)
	}

	now := e.now()
	ok, err := e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
		ID:         enr.ID,
		SequenceID: enr.SequenceID,
		Version:    AnyVersion,
		From:       fromActive,
		Set: map[string]any{
			"status":       models.EnrollmentPaused,
			"paused_at":    now,
			"next_step_at": nil,
		},
		SequenceDeltas: map[string]int{"active_enrolled": -1},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.settled(ctx, enr.ID, models.EnrollmentPaused)
	}
	e.appendEvent(ctx, enr, models.EventPaused, nil, "enrollment paused", nil)
	return e.store.GetEnrollment(ctx, enr.ID)
}

// Resume makes a paused enrollment due immediately
func (e *Engine) Resume(ctx context.Context, workspaceID, id uint) (*models.SequenceEnrollment, error) {
	enr, err := e.workspaceEnrollment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	switch {
	case enr.Status == models.EnrollmentActive:
		return enr, nil
	case enr.Status.Terminal():
		return nil, fmt.Errorf("cannot resume %s enrollment %d: %w", enr.Status, id, ErrInvalidTransition)
	}

	ok, err := e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
		ID:         enr.ID,
		SequenceID: enr.SequenceID,
		Version:    AnyVersion,
		From:       fromPaused,
		Set: map[string]any{
			"status":       models.EnrollmentActive,
			"paused_at":    nil,
			"next_step_at": e.now(),
		},
		SequenceDeltas: map[string]int{"active_enrolled": 1},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return e.settled(ctx, enr.ID, models.EnrollmentActive)
	}
	e.appendEvent(ctx, enr, models.EventResumed, nil, "enrollment resumed", nil)
	return e.store.GetEnrollment(ctx, enr.ID)
}

// Stop ends an enrollment manually. Stopping a finished enrollment is a no-op.
func (e *Engine) Stop(ctx context.Context, workspaceID, id uint) (*models.SequenceEnrollment, error) {
	enr, err := e.workspaceEnrollment(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if enr.Status.Terminal() {
		return enr, nil
	}
	if _, err := e.stopEnrollment(ctx, enr, models.StopManual, AnyVersion, "stopped manually"); err != nil {
		return nil, err
	}
	return e.store.GetEnrollment(ctx, enr.ID)
}

// settled handles a lost race: the enrollment already being in want is fine,
// anything else is a conflict.
func (e *Engine) settled(ctx context.Context, id uint, want models.EnrollmentStatus) (*models.SequenceEnrollment, error) {
	enr, err := e.store.GetEnrollment(ctx, id)
	if err != nil {
		return nil, err
	}
	if enr.Status == want {
		return enr, nil
	}
	if enr.Status.Terminal() {
		return nil, fmt.Errorf("enrollment %d is %s: %w", id, enr.Status, ErrInvalidTransition)
	}
	return nil, fmt.Errorf("enrollment %d: %w", id, ErrConflict)
}

// stopEnrollment moves an open enrollment to stopped with reason. Only the
// transition that actually applies adjusts the sequence counters, so stopping
// twice never double counts.
func (e *Engine) stopEnrollment(ctx context.Context, enr *models.SequenceEnrollment, reason models.StopReason, version int, message string) (bool, error) {
	now := e.now()
	set := map[string]any{
		"status":       models.EnrollmentStopped,
		"stop_reason":  reason,
		"stopped_at":   now,
		"next_step_at": nil,
	}
	if reason == models.StopError {
		set["last_error"] = message
	}

	ok, err := e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
		ID:             enr.ID,
		SequenceID:     enr.SequenceID,
		Version:        version,
		From:           fromActive,
		Set:            set,
		SequenceDeltas: map[string]int{"active_enrolled": -1, "stopped_count": 1},
	})
	if err != nil {
		return false, err
	}
	if !ok {
		ok, err = e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
			ID:             enr.ID,
			SequenceID:     enr.SequenceID,
			Version:        version,
			From:           fromPaused,
			Set:            set,
			SequenceDeltas: map[string]int{"stopped_count": 1},
		})
		if err != nil || !ok {
			return false, err
		}
	}

	enr.Status = models.EnrollmentStopped
	enr.StopReason = reason
	enr.StoppedAt = &now
	enr.NextStepAt = nil

	if message == "" {
		message = fmt.Sprintf("stopped: %s", reason)
	}
	e.appendEvent(ctx, enr, models.EventStopped, enr.CurrentStepID, message, map[string]any{"reason": string(reason)})
	e.log.WithField("enrollment_id", enr.ID).WithField("reason", reason).Info("enrollment stopped")
	return true, nil
}

// completeEnrollment finishes an enrollment that ran past its last step.
// from is the status the caller last observed.
func (e *Engine) completeEnrollment(ctx context.Context, enr *models.SequenceEnrollment, stepCount, version int, from models.EnrollmentStatus) (bool, error) {
	deltas := map[string]int{"active_enrolled": -1, "completed_count": 1}
	if from == models.EnrollmentPaused {
		deltas = map[string]int{"completed_count": 1}
	}

	now := e.now()
	ok, err := e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
		ID:         enr.ID,
		SequenceID: enr.SequenceID,
		Version:    version,
		From:       []models.EnrollmentStatus{from},
		Set: map[string]any{
			"status":             models.EnrollmentCompleted,
			"stop_reason":        models.StopCompleted,
			"completed_at":       now,
			"next_step_at":       nil,
			"current_step_id":    nil,
			"current_step_index": stepCount,
			"retry_count":        0,
			"last_error":         "",
		},
		SequenceDeltas: deltas,
	})
	if err != nil || !ok {
		return false, err
	}

	enr.Status = models.EnrollmentCompleted
	enr.StopReason = models.StopCompleted
	enr.CompletedAt = &now
	enr.NextStepAt = nil
	enr.CurrentStepID = nil
	enr.CurrentStepIndex = stepCount
	e.appendEvent(ctx, enr, models.EventCompleted, nil, "sequence completed", nil)
	return true, nil
}

// appendEvent writes to the enrollment log. The log is best effort: a lost
// event never undoes the transition it describes.
func (e *Engine) appendEvent(ctx context.Context, enr *models.SequenceEnrollment, typ models.EventType, stepID *uint, message string, metadata map[string]any) {
	e.saveEvent(ctx, &models.SequenceEvent{
		EnrollmentID: enr.ID,
		SequenceID:   enr.SequenceID,
		StepID:       stepID,
		EventType:    typ,
		Message:      message,
		Metadata:     metadata,
	})
}
