package sequence

import (
	"context"

	"sequencer/models"
	"sequencer/utils"
)

// Reconcile rebuilds a workspace sequence's counters from its history
func (e *Engine) Reconcile(ctx context.Context, workspaceID, sequenceID uint) (*models.Sequence, error) {
	if _, err := e.store.GetWorkspaceSequence(ctx, workspaceID, sequenceID); err != nil {
		return nil, err
	}
	return e.ReconcileSequence(ctx, sequenceID)
}

// ReconcileSequence is Reconcile without the workspace check, for operators
func (e *Engine) ReconcileSequence(ctx context.Context, sequenceID uint) (*models.Sequence, error) {
	before, err := e.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	after, err := e.store.ReconcileStats(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if drift := counterDrift(before, after); len(drift) > 0 {
		utils.LogEvent("sequence_stats_drift", map[string]interface{}{
			"sequence_id": sequenceID,
			"drift":       drift,
		})
	}
	return after, nil
}

func counterDrift(before, after *models.Sequence) map[string]int {
	pairs := map[string][2]int{
		"total_enrolled":  {before.TotalEnrolled, after.TotalEnrolled},
		"active_enrolled": {before.ActiveEnrolled, after.ActiveEnrolled},
		"completed_count": {before.CompletedCount, after.CompletedCount},
		"stopped_count":   {before.StoppedCount, after.StoppedCount},
		"total_sent":      {before.TotalSent, after.TotalSent},
		"total_opened":    {before.TotalOpened, after.TotalOpened},
		"total_clicked":   {before.TotalClicked, after.TotalClicked},
		"total_replied":   {before.TotalReplied, after.TotalReplied},
	}
	drift := make(map[string]int)
	for name, p := range pairs {
		if p[0] != p[1] {
			drift[name] = p[1] - p[0]
		}
	}
	return drift
}

// Sequence returns a workspace sequence with its ordered steps
func (e *Engine) Sequence(ctx context.Context, workspaceID, sequenceID uint) (*models.Sequence, error) {
	seq, steps, err := e.workspaceSteps(ctx, workspaceID, sequenceID)
	if err != nil {
		return nil, err
	}
	seq.Steps = steps
	return seq, nil
}

func (e *Engine) Sequences(ctx context.Context, workspaceID uint) ([]models.Sequence, error) {
	return e.store.ListWorkspaceSequences(ctx, workspaceID)
}

// EnrollmentHistory is an enrollment with its executions and event log
type EnrollmentHistory struct {
	Enrollment *models.SequenceEnrollment    `json:"enrollment"`
	Executions []models.SequenceStepExecution `json:"executions"`
	Events     []models.SequenceEvent         `json:"events"`
}

func (e *Engine) History(ctx context.Context, workspaceID, enrollmentID uint) (*EnrollmentHistory, error) {
	enr, err := e.workspaceEnrollment(ctx, workspaceID, enrollmentID)
	if err != nil {
		return nil, err
	}
	execs, err := e.store.ListExecutions(ctx, enr.ID)
	if err != nil {
		return nil, err
	}
	events, err := e.store.ListEvents(ctx, enr.ID)
	if err != nil {
		return nil, err
	}
	return &EnrollmentHistory{Enrollment: enr, Executions: execs, Events: events}, nil
}
