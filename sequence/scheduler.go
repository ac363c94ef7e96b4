package sequence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"sequencer/models"
	"sequencer/utils"
)

const sequencePageSize = 100

// PassResult summarises one processing pass
type PassResult struct {
	Sequences int `json:"sequences"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Deferred  int `json:"deferred"`
	Skipped   int `json:"skipped"`
	Stopped   int `json:"stopped"`
	Completed int `json:"completed"`
	Errors    int `json:"errors"`
}

func (p *PassResult) add(o PassResult) {
	p.Sequences += o.Sequences
	p.Processed += o.Processed
	p.Succeeded += o.Succeeded
	p.Deferred += o.Deferred
	p.Skipped += o.Skipped
	p.Stopped += o.Stopped
	p.Completed += o.Completed
	p.Errors += o.Errors
}

// SweepResult summarises one score sweep
type SweepResult struct {
	Checked int `json:"checked"`
	Stopped int `json:"stopped"`
	Errors  int `json:"errors"`
}

type outcome int

const (
	outcomeAdvanced outcome = iota
	outcomeCompleted
	outcomeStopped
	outcomeDeferred
	outcomeSkipped // claim lost to another worker
	outcomeFailed
)

func (p *PassResult) count(o outcome) {
	switch o {
	case outcomeAdvanced:
		p.Succeeded++
	case outcomeCompleted:
		p.Succeeded++
		p.Completed++
	case outcomeStopped:
		p.Stopped++
	case outcomeDeferred:
		p.Deferred++
	case outcomeSkipped:
		p.Skipped++
	case outcomeFailed:
		p.Errors++
	}
}

// RunPass processes every due enrollment of every active sequence once.
// Sequences run concurrently up to Options.Parallelism; enrollments of one
// sequence run in order. A failing enrollment never aborts the pass.
func (e *Engine) RunPass(ctx context.Context) (PassResult, error) {
	started := time.Now()
	var (
		total PassResult
		mu    sync.Mutex
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, e.opts.Parallelism)

	var afterID uint
	var listErr error
	for {
		if err := ctx.Err(); err != nil {
			listErr = err
			break
		}
		seqs, err := e.store.ListActiveSequences(ctx, afterID, sequencePageSize)
		if err != nil {
			listErr = err
			break
		}
		if len(seqs) == 0 {
			break
		}

		for i := range seqs {
			seq := seqs[i]
			afterID = seq.ID
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				res := e.processSequence(ctx, &seq)
				mu.Lock()
				total.add(res)
				mu.Unlock()
			}()
		}
		if len(seqs) < sequencePageSize {
			break
		}
	}
	wg.Wait()

	utils.LogEvent("sequence_pass", map[string]interface{}{
		"sequences":   total.Sequences,
		"processed":   total.Processed,
		"succeeded":   total.Succeeded,
		"deferred":    total.Deferred,
		"skipped":     total.Skipped,
		"stopped":     total.Stopped,
		"completed":   total.Completed,
		"errors":      total.Errors,
		"duration_ms": time.Since(started).Milliseconds(),
	})
	return total, listErr
}

func (e *Engine) processSequence(ctx context.Context, seq *models.Sequence) PassResult {
	res := PassResult{Sequences: 1}
	log := e.log.WithField("sequence_id", seq.ID)

	steps, err := e.store.ListSteps(ctx, seq.ID)
	if err != nil {
		utils.LogError("sequence_steps_failed", err, map[string]interface{}{"sequence_id": seq.ID})
		res.Errors++
		return res
	}

	due, err := e.store.ListDueEnrollments(ctx, seq.ID, e.now(), e.opts.BatchSize)
	if err != nil {
		utils.LogError("sequence_due_failed", err, map[string]interface{}{"sequence_id": seq.ID})
		res.Errors++
		return res
	}

	for i := range due {
		if ctx.Err() != nil {
			break
		}
		enr := due[i]
		res.Processed++
		o, err := e.processEnrollment(ctx, seq, steps, &enr)
		res.count(o)
		if err != nil {
			if o != outcomeFailed {
				res.Errors++
			}
			utils.LogError("sequence_step_failed", err, map[string]interface{}{
				"sequence_id":   seq.ID,
				"enrollment_id": enr.ID,
				"lead_id":       enr.LeadID,
			})
		}
	}
	if res.Processed > 0 {
		log.WithFields(logrus.Fields{
			"processed": res.Processed,
			"errors":    res.Errors,
		}).Debug("sequence processed")
	}
	return res
}

func (e *Engine) sendWindow(seq *models.Sequence) utils.SendWindow {
	return utils.SendWindow{
		Enabled:  seq.SendWindowEnabled,
		Start:    seq.SendWindowStart,
		End:      seq.SendWindowEnd,
		Days:     seq.SendDays,
		Timezone: seq.Timezone,
	}
}

// resolveIndex finds the next runnable step for the enrollment
func resolveIndex(steps []models.SequenceStep, enr *models.SequenceEnrollment) int {
	if enr.CurrentStepID != nil {
		if i := indexOfStep(steps, *enr.CurrentStepID); i >= 0 {
			return nextActiveIndex(steps, i)
		}
	}
	if enr.CurrentStepIndex < 0 {
		return nextActiveIndex(steps, 0)
	}
	return nextActiveIndex(steps, enr.CurrentStepIndex)
}

// reschedule moves next_step_at without executing anything
func (e *Engine) reschedule(ctx context.Context, enr *models.SequenceEnrollment, at time.Time) error {
	_, err := e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
		ID:         enr.ID,
		SequenceID: enr.SequenceID,
		Version:    enr.LockVersion,
		From:       fromActive,
		Set:        map[string]any{"next_step_at": at.UTC()},
	})
	return err
}

// processEnrollment runs one enrollment through the gate, stop check,
// throttle, claim, execute and advance. The claim is a version-checked
// update, so a stale snapshot processed twice advances once.
func (e *Engine) processEnrollment(ctx context.Context, seq *models.Sequence, steps []models.SequenceStep, enr *models.SequenceEnrollment) (outcome, error) {
	now := e.now()

	if ok, next := e.sendWindow(seq).Check(now); !ok {
		return outcomeDeferred, e.reschedule(ctx, enr, next)
	}

	contact, err := e.contacts.GetContact(ctx, enr.LeadID)
	if errors.Is(err, ErrNotFound) {
		if _, serr := e.stopEnrollment(ctx, enr, models.StopError, enr.LockVersion, err.Error()); serr != nil {
			return outcomeFailed, serr
		}
		return outcomeStopped, nil
	}
	if err != nil {
		return e.handleFailure(ctx, enr, enr.LockVersion, transient("load contact", err))
	}
	enr.Unsubscribed = enr.Unsubscribed || contact.IsUnsubscribed
	enr.Bounced = enr.Bounced || contact.IsBounced

	var score *int
	if seq.HasScoreConditions() {
		s, err := e.contacts.GetScore(ctx, enr.LeadID)
		if err != nil {
			return e.handleFailure(ctx, enr, enr.LockVersion, transient("read score", err))
		}
		score = &s
	}
	if stop, reason := ShouldStop(enr, seq, score); stop {
		applied, err := e.stopEnrollment(ctx, enr, reason, enr.LockVersion, "")
		if err != nil {
			return outcomeFailed, err
		}
		if !applied {
			return outcomeSkipped, nil
		}
		return outcomeStopped, nil
	}

	idx := resolveIndex(steps, enr)
	if idx >= len(steps) {
		applied, err := e.completeEnrollment(ctx, enr, len(steps), enr.LockVersion, models.EnrollmentActive)
		if err != nil {
			return outcomeFailed, err
		}
		if !applied {
			return outcomeSkipped, nil
		}
		return outcomeCompleted, nil
	}
	step := &steps[idx]

	if step.StepType == models.StepEmail {
		if ok, next := e.checkThrottle(ctx, seq, now); !ok {
			return outcomeDeferred, e.reschedule(ctx, enr, next)
		}
	}

	claim := map[string]any{
		"next_step_at":       now.Add(e.opts.ClaimLease),
		"current_step_id":    step.ID,
		"current_step_index": idx,
	}
	if enr.StartedAt == nil {
		claim["started_at"] = now
	}
	claimed, err := e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
		ID:         enr.ID,
		SequenceID: enr.SequenceID,
		Version:    enr.LockVersion,
		From:       fromActive,
		Set:        claim,
	})
	if err != nil {
		return outcomeFailed, err
	}
	if !claimed {
		return outcomeSkipped, nil
	}
	enr.LockVersion++
	version := enr.LockVersion
	stepID := step.ID
	enr.CurrentStepID = &stepID
	enr.CurrentStepIndex = idx

	out, err := e.executeStep(ctx, &stepRun{
		enr:     enr,
		seq:     seq,
		steps:   steps,
		index:   idx,
		contact: contact,
		now:     now,
	})
	if err != nil {
		return e.handleFailure(ctx, enr, version, err)
	}
	return e.advance(ctx, enr, steps, out, version)
}

// advance moves the enrollment past the executed step. If the enrollment was
// paused while the step ran it keeps its new position but stays paused; if it
// was stopped nothing changes.
func (e *Engine) advance(ctx context.Context, enr *models.SequenceEnrollment, steps []models.SequenceStep, out stepOutcome, version int) (outcome, error) {
	status := models.EnrollmentActive
	for attempt := 0; attempt < 2; attempt++ {
		var applied bool
		var err error
		if out.NextIndex >= len(steps) {
			applied, err = e.completeEnrollment(ctx, enr, len(steps), version, status)
		} else {
			set := map[string]any{
				"current_step_id":    steps[out.NextIndex].ID,
				"current_step_index": out.NextIndex,
				"retry_count":        0,
				"last_error":         "",
			}
			if status == models.EnrollmentActive {
				set["next_step_at"] = out.NextAt.UTC()
			}
			applied, err = e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
				ID:         enr.ID,
				SequenceID: enr.SequenceID,
				Version:    version,
				From:       []models.EnrollmentStatus{status},
				Set:        set,
			})
		}
		if err != nil {
			return outcomeFailed, err
		}
		if applied {
			if out.NextIndex >= len(steps) {
				return outcomeCompleted, nil
			}
			return outcomeAdvanced, nil
		}

		current, err := e.store.GetEnrollment(ctx, enr.ID)
		if err != nil {
			return outcomeFailed, err
		}
		if current.Status.Terminal() {
			return outcomeAdvanced, nil
		}
		status = current.Status
		version = current.LockVersion
		enr.LockVersion = current.LockVersion
	}
	return outcomeSkipped, nil
}

// isPermanent reports failures a retry cannot fix
func isPermanent(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrNotFound) || errors.Is(err, utils.ErrPermanentDelivery)
}

// handleFailure records a failed step. Permanent failures and exhausted
// retries stop the enrollment with reason error; transient ones back off
// exponentially from Options.RetryBackoff.
func (e *Engine) handleFailure(ctx context.Context, enr *models.SequenceEnrollment, version int, cause error) (outcome, error) {
	retry := enr.RetryCount + 1
	if isPermanent(cause) || retry > e.opts.MaxRetries {
		if _, err := e.stopEnrollment(ctx, enr, models.StopError, AnyVersion, cause.Error()); err != nil {
			return outcomeFailed, errors.Join(cause, err)
		}
		return outcomeFailed, cause
	}

	next := e.now().Add(e.opts.RetryBackoff * time.Duration(1<<uint(retry-1)))
	_, err := e.store.UpdateEnrollment(ctx, EnrollmentUpdate{
		ID:         enr.ID,
		SequenceID: enr.SequenceID,
		Version:    version,
		From:       fromActive,
		Set: map[string]any{
			"retry_count":  retry,
			"last_error":   cause.Error(),
			"next_step_at": next,
		},
	})
	if err != nil {
		return outcomeFailed, errors.Join(cause, err)
	}
	enr.RetryCount = retry
	return outcomeFailed, cause
}

// SweepScores applies the score stop conditions to every open enrollment of
// sequences that have one. Scores change outside the engine, so this runs on
// its own cadence.
func (e *Engine) SweepScores(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	var afterSeq uint
	for {
		seqs, err := e.store.ListScoreSequences(ctx, afterSeq, sequencePageSize)
		if err != nil {
			return res, err
		}
		for i := range seqs {
			seq := &seqs[i]
			afterSeq = seq.ID
			if err := e.sweepSequence(ctx, seq, &res); err != nil {
				return res, err
			}
		}
		if len(seqs) < sequencePageSize {
			break
		}
	}

	utils.LogEvent("score_sweep", map[string]interface{}{
		"checked": res.Checked,
		"stopped": res.Stopped,
		"errors":  res.Errors,
	})
	return res, nil
}

func (e *Engine) sweepSequence(ctx context.Context, seq *models.Sequence, res *SweepResult) error {
	var afterID uint
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		enrs, err := e.store.ListOpenEnrollments(ctx, seq.ID, afterID, e.opts.BatchSize)
		if err != nil {
			return err
		}
		for i := range enrs {
			enr := &enrs[i]
			afterID = enr.ID
			res.Checked++

			score, err := e.contacts.GetScore(ctx, enr.LeadID)
			if err != nil {
				res.Errors++
				utils.LogError("score_read_failed", err, map[string]interface{}{"enrollment_id": enr.ID})
				continue
			}
			stop, reason := ShouldStopOnScore(seq, &score)
			if !stop {
				continue
			}
			applied, err := e.stopEnrollment(ctx, enr, reason, enr.LockVersion, "")
			if err != nil {
				res.Errors++
				utils.LogError("score_stop_failed", err, map[string]interface{}{"enrollment_id": enr.ID})
				continue
			}
			if applied {
				res.Stopped++
			}
		}
		if len(enrs) < e.opts.BatchSize {
			return nil
		}
	}
}
