package sequence

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"sequencer/models"
	"sequencer/utils"
)

// Condition predicates understood by condition steps
const (
	ConditionOpened      = "opened"
	ConditionNotOpened   = "not_opened"
	ConditionClicked     = "clicked"
	ConditionNotClicked  = "not_clicked"
	ConditionReplied     = "replied"
	ConditionNotReplied  = "not_replied"
	ConditionHasTag      = "has_tag"
	ConditionNotHasTag   = "not_has_tag"
	ConditionScoreAbove  = "score_above"
	ConditionScoreBelow  = "score_below"
	ConditionFieldEquals = "field_equals"
)

var conditionTypes = map[string]bool{
	ConditionOpened: true, ConditionNotOpened: true,
	ConditionClicked: true, ConditionNotClicked: true,
	ConditionReplied: true, ConditionNotReplied: true,
	ConditionHasTag: true, ConditionNotHasTag: true,
	ConditionScoreAbove: true, ConditionScoreBelow: true,
	ConditionFieldEquals: true,
}

var delayUnits = map[string]time.Duration{
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
}

// stepRun is everything one step execution needs
type stepRun struct {
	enr     *models.SequenceEnrollment
	seq     *models.Sequence
	steps   []models.SequenceStep
	index   int
	contact *Contact
	now     time.Time
}

func (r *stepRun) step() *models.SequenceStep { return &r.steps[r.index] }

// stepOutcome says where the enrollment goes next. NextIndex indexes the
// sequence's full ordered step list; len(steps) means complete.
type stepOutcome struct {
	NextIndex int
	NextAt    time.Time
	Sent      bool // an email went out
}

// nextActiveIndex skips deactivated steps starting at from
func nextActiveIndex(steps []models.SequenceStep, from int) int {
	for i := from; i < len(steps); i++ {
		if steps[i].IsActive {
			return i
		}
	}
	return len(steps)
}

func indexOfStep(steps []models.SequenceStep, id uint) int {
	for i := range steps {
		if steps[i].ID == id {
			return i
		}
	}
	return -1
}

func (e *Engine) executeStep(ctx context.Context, r *stepRun) (stepOutcome, error) {
	switch r.step().StepType {
	case models.StepEmail:
		return e.executeEmail(ctx, r)
	case models.StepDelay:
		return e.executeDelay(ctx, r)
	case models.StepCondition:
		return e.executeCondition(ctx, r)
	case models.StepTag:
		return e.executeTag(ctx, r)
	case models.StepWebhook:
		return e.executeWebhook(ctx, r)
	case models.StepTask:
		return e.executeTask(ctx, r)
	}
	return stepOutcome{}, validationf("step %d has unknown type %q", r.step().ID, r.step().StepType)
}

func (e *Engine) linearOutcome(r *stepRun, at time.Time) stepOutcome {
	return stepOutcome{NextIndex: nextActiveIndex(r.steps, r.index+1), NextAt: at}
}

func (e *Engine) newExecution(r *stepRun, status models.ExecutionStatus) *models.SequenceStepExecution {
	now := r.now
	return &models.SequenceStepExecution{
		EnrollmentID: r.enr.ID,
		SequenceID:   r.seq.ID,
		StepID:       r.step().ID,
		LeadID:       r.enr.LeadID,
		StepType:     r.step().StepType,
		Status:       status,
		ScheduledAt:  r.enr.NextStepAt,
		ExecutedAt:   &now,
		RetryCount:   r.enr.RetryCount,
	}
}

func (e *Engine) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.opts.CallTimeout)
}

func messageDomain(fromEmail string) string {
	if at := strings.LastIndex(fromEmail, "@"); at >= 0 && at < len(fromEmail)-1 {
		return fromEmail[at+1:]
	}
	return "sequencer.local"
}

func (e *Engine) executeEmail(ctx context.Context, r *stepRun) (stepOutcome, error) {
	step := r.step()
	rendered := utils.RenderTemplate(step.Email.Subject, step.Email.HTML, step.Email.Text,
		renderContext(r.contact, r.seq, r.now), nil)

	messageID := uuid.NewString() + "@" + messageDomain(r.seq.FromEmail)
	htmlBody := rendered.HTML
	if e.opts.TrackingBaseURL != "" && (r.seq.TrackOpens || r.seq.TrackClicks) {
		htmlBody = utils.InjectTracking(htmlBody, messageID, utils.TrackingOptions{
			BaseURL: e.opts.TrackingBaseURL,
			Secret:  e.opts.TrackingSecret,
			Opens:   r.seq.TrackOpens,
			Clicks:  r.seq.TrackClicks,
		})
	}
	text := rendered.Text
	if text == "" && htmlBody != "" {
		text = utils.HTMLToText(rendered.HTML)
	}

	exec := e.newExecution(r, models.ExecutionSent)
	exec.Subject = rendered.Subject
	exec.HTMLBody = htmlBody
	exec.TextBody = text

	callCtx, cancel := e.callContext(ctx)
	sentID, err := e.mailer.Send(callCtx, utils.OutgoingEmail{
		SenderID:  r.seq.SenderID,
		FromName:  r.seq.FromName,
		FromEmail: r.seq.FromEmail,
		ReplyTo:   r.seq.ReplyTo,
		To:        r.contact.Email,
		ToName:    fullName(r.contact),
		Subject:   rendered.Subject,
		HTML:      htmlBody,
		Text:      text,
		MessageID: messageID,
	})
	cancel()

	if err != nil {
		exec.Status = models.ExecutionFailed
		exec.MessageID = messageID
		exec.LastError = err.Error()
		if cerr := e.store.CreateExecution(ctx, exec); cerr != nil {
			utils.LogError("execution_record_failed", cerr, map[string]interface{}{"enrollment_id": r.enr.ID})
		}
		if errors.Is(err, utils.ErrPermanentDelivery) {
			return stepOutcome{}, err
		}
		return stepOutcome{}, transient("send email", err)
	}

	if sentID != "" {
		messageID = strings.Trim(sentID, "<> ")
	}
	exec.MessageID = messageID
	if err := e.store.RecordEmailSent(ctx, exec); err != nil {
		// The email is out; losing the audit row must not resend it.
		utils.LogError("execution_record_failed", err, map[string]interface{}{
			"enrollment_id": r.enr.ID,
			"message_id":    messageID,
		})
	}

	sentAt := r.now
	r.seq.LastEmailSentAt = &sentAt
	e.recordThrottledSend(ctx, r.seq, sentAt)

	out := e.linearOutcome(r, r.now)
	out.Sent = true
	return out, nil
}

func delayDuration(p models.DelayPayload) (time.Duration, error) {
	unit, ok := delayUnits[p.Unit]
	if !ok {
		return 0, validationf("unknown delay unit %q", p.Unit)
	}
	if p.Amount < 0 {
		return 0, validationf("negative delay %d", p.Amount)
	}
	return time.Duration(p.Amount) * unit, nil
}

func (e *Engine) executeDelay(ctx context.Context, r *stepRun) (stepOutcome, error) {
	d, err := delayDuration(r.step().Delay)
	if err != nil {
		return stepOutcome{}, err
	}
	next := r.now.Add(d)

	exec := e.newExecution(r, models.ExecutionSkipped)
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return stepOutcome{}, err
	}
	return e.linearOutcome(r, next), nil
}

func (e *Engine) executeCondition(ctx context.Context, r *stepRun) (stepOutcome, error) {
	step := r.step()
	ok, err := e.evaluateCondition(ctx, r)
	if err != nil {
		return stepOutcome{}, err
	}

	target := step.Condition.FalseStepID
	if ok {
		target = step.Condition.TrueStepID
	}

	exec := e.newExecution(r, models.ExecutionSkipped)
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return stepOutcome{}, err
	}

	if target == nil {
		return stepOutcome{NextIndex: len(r.steps), NextAt: r.now}, nil
	}
	idx := indexOfStep(r.steps, *target)
	if idx < 0 {
		return stepOutcome{}, validationf("condition step %d branches to unknown step %d", step.ID, *target)
	}
	if r.steps[idx].Order <= step.Order {
		return stepOutcome{}, validationf("condition step %d branches backward to step %d", step.ID, *target)
	}
	return stepOutcome{NextIndex: nextActiveIndex(r.steps, idx), NextAt: r.now}, nil
}

func (e *Engine) evaluateCondition(ctx context.Context, r *stepRun) (bool, error) {
	cond := r.step().Condition
	value := strings.TrimSpace(cond.Value)

	switch cond.Type {
	case ConditionOpened:
		return r.enr.EmailsOpened > 0, nil
	case ConditionNotOpened:
		return r.enr.EmailsOpened == 0, nil
	case ConditionClicked:
		return r.enr.EmailsClicked > 0, nil
	case ConditionNotClicked:
		return r.enr.EmailsClicked == 0, nil
	case ConditionReplied:
		return r.enr.Replied, nil
	case ConditionNotReplied:
		return !r.enr.Replied, nil
	case ConditionHasTag:
		return r.contact.HasTag(value), nil
	case ConditionNotHasTag:
		return !r.contact.HasTag(value), nil
	case ConditionScoreAbove, ConditionScoreBelow:
		threshold, err := strconv.Atoi(value)
		if err != nil {
			return false, validationf("score threshold %q is not a number", cond.Value)
		}
		score, err := e.contacts.GetScore(ctx, r.enr.LeadID)
		if err != nil {
			return false, err
		}
		if cond.Type == ConditionScoreAbove {
			return score > threshold, nil
		}
		return score < threshold, nil
	case ConditionFieldEquals:
		name, want, ok := strings.Cut(value, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return false, validationf("field_equals value %q must be name=value", cond.Value)
		}
		name = strings.TrimSpace(name)
		vars := renderContext(r.contact, r.seq, r.now)
		got, found := utils.LookupVariable(vars, name)
		if !found {
			got, found = utils.LookupVariable(vars, utils.CustomFieldPrefix+name)
		}
		return found && got == strings.TrimSpace(want), nil
	}
	return false, validationf("unknown condition type %q", cond.Type)
}

func (e *Engine) executeTag(ctx context.Context, r *stepRun) (stepOutcome, error) {
	p := r.step().Tag
	callCtx, cancel := e.callContext(ctx)
	defer cancel()

	var err error
	switch p.Action {
	case "add":
		err = e.contacts.ApplyTag(callCtx, r.enr.LeadID, p.Name)
	case "remove":
		err = e.contacts.RemoveTag(callCtx, r.enr.LeadID, p.Name)
	default:
		return stepOutcome{}, validationf("unknown tag action %q", p.Action)
	}
	if err != nil {
		if errors.Is(err, ErrValidation) {
			return stepOutcome{}, err
		}
		return stepOutcome{}, transient("tag contact", err)
	}

	exec := e.newExecution(r, models.ExecutionSent)
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return stepOutcome{}, err
	}
	return e.linearOutcome(r, r.now), nil
}

// executeWebhook advances whether or not the call succeeded; the failure lives on the execution
func (e *Engine) executeWebhook(ctx context.Context, r *stepRun) (stepOutcome, error) {
	p := r.step().Webhook
	body := p.Body
	if body != "" {
		body = utils.RenderTemplate("", "", body, renderContext(r.contact, r.seq, r.now), nil).Text
	}
	method := strings.ToUpper(p.Method)
	if method == "" {
		method = "POST"
	}

	callCtx, cancel := e.callContext(ctx)
	status, err := e.webhooks.Invoke(callCtx, p.URL, method, p.Headers, body)
	cancel()

	exec := e.newExecution(r, models.ExecutionSent)
	exec.TextBody = body
	if err != nil {
		exec.Status = models.ExecutionFailed
		exec.LastError = err.Error()
		e.log.WithFields(logrus.Fields{
			"enrollment_id": r.enr.ID,
			"step_id":       r.step().ID,
			"status":        status,
		}).WithError(err).Warn("webhook call failed")
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return stepOutcome{}, err
	}
	return e.linearOutcome(r, r.now), nil
}

func (e *Engine) executeTask(ctx context.Context, r *stepRun) (stepOutcome, error) {
	p := r.step().Task
	vars := renderContext(r.contact, r.seq, r.now)
	title := utils.RenderTemplate("", "", p.Title, vars, nil).Text
	description := utils.RenderTemplate("", "", p.Description, vars, nil).Text

	callCtx, cancel := e.callContext(ctx)
	taskID, err := e.tasks.CreateTask(callCtx, title, description, p.Assignee)
	cancel()
	if err != nil {
		return stepOutcome{}, transient("create task", err)
	}

	exec := e.newExecution(r, models.ExecutionSent)
	exec.Subject = title
	exec.TextBody = description
	exec.MessageID = taskID
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return stepOutcome{}, err
	}
	return e.linearOutcome(r, r.now), nil
}
