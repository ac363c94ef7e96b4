package sequence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sequencer/models"
	"sequencer/utils"
)

// EngagementInput identifies one tracked interaction. MessageID takes
// precedence; EnrollmentID alone resolves to the latest sent email.
type EngagementInput struct {
	MessageID    string
	EnrollmentID uint
	WorkspaceID  uint // when non-zero the enrollment must belong to it
	URL          string
	UserAgent    string
	IPAddress    string
	Country      string
	OccurredAt   time.Time
	Metadata     map[string]any
}

// EventResult is what an event entry point did
type EventResult struct {
	Recorded  bool              `json:"recorded"`
	FirstTime bool              `json:"first_time"`
	Stopped   bool              `json:"stopped"`
	Reason    models.StopReason `json:"reason,omitempty"`
	Message   string            `json:"message"`
}

type eventTarget struct {
	enr  *models.SequenceEnrollment
	exec *models.SequenceStepExecution // nil when the enrollment never sent an email
}

func (e *Engine) resolveTarget(ctx context.Context, in EngagementInput) (*eventTarget, error) {
	t := &eventTarget{}
	switch {
	case in.MessageID != "":
		exec, err := e.store.FindExecutionByMessageID(ctx, in.MessageID)
		if err != nil {
			return nil, err
		}
		t.exec = exec
		if t.enr, err = e.store.GetEnrollment(ctx, exec.EnrollmentID); err != nil {
			return nil, err
		}
	case in.EnrollmentID != 0:
		enr, err := e.store.GetEnrollment(ctx, in.EnrollmentID)
		if err != nil {
			return nil, err
		}
		t.enr = enr
		exec, err := e.store.LatestEmailExecution(ctx, enr.ID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		t.exec = exec
	default:
		return nil, validationf("message id or enrollment id is required")
	}

	if in.WorkspaceID != 0 && t.enr.WorkspaceID != in.WorkspaceID {
		return nil, fmt.Errorf("enrollment %d: %w", t.enr.ID, ErrNotFound)
	}
	return t, nil
}

func (e *Engine) occurredAt(in EngagementInput) time.Time {
	if in.OccurredAt.IsZero() {
		return e.now()
	}
	return in.OccurredAt.UTC()
}

func (t *eventTarget) stepID() *uint {
	if t.exec == nil {
		return nil
	}
	id := t.exec.StepID
	return &id
}

// markEngagement stamps the execution once and, the first time, bumps the
// enrollment, sequence and step counters together
func (e *Engine) markEngagement(ctx context.Context, t *eventTarget, column string, at time.Time, counters CounterDelta) (bool, error) {
	if t.exec == nil {
		return false, nil
	}
	first, err := e.store.MarkExecution(ctx, t.exec.ID, column, at)
	if err != nil || !first {
		return false, err
	}
	counters.EnrollmentID = t.enr.ID
	counters.SequenceID = t.enr.SequenceID
	counters.StepID = t.exec.StepID
	return true, e.store.IncrementCounters(ctx, counters)
}

func clientMetadata(in EngagementInput) map[string]any {
	md := make(map[string]any, len(in.Metadata)+2)
	for k, v := range in.Metadata {
		md[k] = v
	}
	if in.UserAgent != "" {
		md["user_agent"] = in.UserAgent
	}
	if in.IPAddress != "" {
		md["ip_address"] = in.IPAddress
	}
	return md
}

// applyEventStop runs the stop condition keyed on the event. Terminal
// enrollments never match the conditional update, so late events cannot
// reopen them.
func (e *Engine) applyEventStop(ctx context.Context, enr *models.SequenceEnrollment, event models.EventType, res *EventResult) error {
	if enr.Status.Terminal() {
		return nil
	}
	seq, err := e.store.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		return err
	}
	stop, reason := stopReasonForEvent(seq, event)
	if !stop {
		return nil
	}
	applied, err := e.stopEnrollment(ctx, enr, reason, AnyVersion, "")
	if err != nil {
		return err
	}
	res.Stopped = applied
	if applied {
		res.Reason = reason
	}
	return nil
}

func (e *Engine) saveEvent(ctx context.Context, ev *models.SequenceEvent) {
	if err := e.store.CreateEvent(ctx, ev); err != nil {
		utils.LogError("sequence_event_failed", err, map[string]interface{}{
			"enrollment_id": ev.EnrollmentID,
			"event_type":    string(ev.EventType),
		})
	}
}

// RecordOpen registers an open of a sequence email
func (e *Engine) RecordOpen(ctx context.Context, in EngagementInput) (EventResult, error) {
	t, err := e.resolveTarget(ctx, in)
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	res := EventResult{Recorded: true}
	res.FirstTime, err = e.markEngagement(ctx, t, "opened_at", e.occurredAt(in), CounterDelta{
		Enrollment: map[string]int{"emails_opened": 1},
		Sequence:   map[string]int{"total_opened": 1},
		Step:       map[string]int{"opened_count": 1},
	})
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}

	e.saveEvent(ctx, &models.SequenceEvent{
		EnrollmentID: t.enr.ID,
		SequenceID:   t.enr.SequenceID,
		StepID:       t.stepID(),
		EventType:    models.EventOpened,
		Message:      "email opened",
		Metadata:     clientMetadata(in),
		Country:      in.Country,
	})
	if err := e.applyEventStop(ctx, t.enr, models.EventOpened, &res); err != nil {
		return res, err
	}
	res.Message = describe("open", res)
	return res, nil
}

// RecordClick registers a tracked link click. Clicks from bots are logged
// but move no counters and trigger no stop.
func (e *Engine) RecordClick(ctx context.Context, in EngagementInput) (EventResult, error) {
	t, err := e.resolveTarget(ctx, in)
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	client := utils.ParseClientInfo(in.UserAgent)
	ev := &models.SequenceEvent{
		EnrollmentID: t.enr.ID,
		SequenceID:   t.enr.SequenceID,
		StepID:       t.stepID(),
		EventType:    models.EventClicked,
		Message:      "link clicked",
		Metadata:     clientMetadata(in),
		URL:          in.URL,
		Device:       client.Device,
		Browser:      client.Browser,
		Country:      in.Country,
		IsBot:        client.IsBot,
	}
	if client.IsBot {
		ev.Message = "bot click ignored"
		e.saveEvent(ctx, ev)
		return EventResult{Recorded: true, Message: ev.Message}, nil
	}

	res := EventResult{Recorded: true}
	res.FirstTime, err = e.markEngagement(ctx, t, "clicked_at", e.occurredAt(in), CounterDelta{
		Enrollment: map[string]int{"emails_clicked": 1},
		Sequence:   map[string]int{"total_clicked": 1},
		Step:       map[string]int{"clicked_count": 1},
	})
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	e.saveEvent(ctx, ev)
	if err := e.applyEventStop(ctx, t.enr, models.EventClicked, &res); err != nil {
		return res, err
	}
	res.Message = describe("click", res)
	return res, nil
}

// RecordReply registers a reply from the contact
func (e *Engine) RecordReply(ctx context.Context, in EngagementInput) (EventResult, error) {
	t, err := e.resolveTarget(ctx, in)
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	res := EventResult{Recorded: true}
	res.FirstTime, err = e.store.SetEnrollmentFlag(ctx, t.enr.ID, "replied")
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	if res.FirstTime {
		t.enr.Replied = true
		if err := e.store.IncrementCounters(ctx, CounterDelta{
			SequenceID: t.enr.SequenceID,
			Sequence:   map[string]int{"total_replied": 1},
		}); err != nil {
			return EventResult{Message: err.Error()}, err
		}
	}
	if _, err := e.markEngagement(ctx, t, "replied_at", e.occurredAt(in), CounterDelta{
		Step: map[string]int{"replied_count": 1},
	}); err != nil {
		return EventResult{Message: err.Error()}, err
	}

	e.saveEvent(ctx, &models.SequenceEvent{
		EnrollmentID: t.enr.ID,
		SequenceID:   t.enr.SequenceID,
		StepID:       t.stepID(),
		EventType:    models.EventReplied,
		Message:      "contact replied",
		Metadata:     clientMetadata(in),
	})
	if err := e.applyEventStop(ctx, t.enr, models.EventReplied, &res); err != nil {
		return res, err
	}
	res.Message = describe("reply", res)
	return res, nil
}

// RecordBounce registers a delivery failure reported after sending. The
// contact is marked bounced for every sequence.
func (e *Engine) RecordBounce(ctx context.Context, in EngagementInput) (EventResult, error) {
	t, err := e.resolveTarget(ctx, in)
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	res := EventResult{Recorded: true}
	res.FirstTime, err = e.store.SetEnrollmentFlag(ctx, t.enr.ID, "bounced")
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	if _, err := e.markEngagement(ctx, t, "bounced_at", e.occurredAt(in), CounterDelta{
		Step: map[string]int{"bounced_count": 1},
	}); err != nil {
		return EventResult{Message: err.Error()}, err
	}
	if err := e.contacts.MarkBounced(ctx, t.enr.LeadID); err != nil {
		utils.LogError("lead_bounce_failed", err, map[string]interface{}{"lead_id": t.enr.LeadID})
	}

	e.saveEvent(ctx, &models.SequenceEvent{
		EnrollmentID: t.enr.ID,
		SequenceID:   t.enr.SequenceID,
		StepID:       t.stepID(),
		EventType:    models.EventBounced,
		Message:      "email bounced",
		Metadata:     clientMetadata(in),
	})
	if err := e.applyEventStop(ctx, t.enr, models.EventBounced, &res); err != nil {
		return res, err
	}
	res.Message = describe("bounce", res)
	return res, nil
}

// RecordUnsubscribe registers an opt-out. The contact is unsubscribed globally.
func (e *Engine) RecordUnsubscribe(ctx context.Context, in EngagementInput) (EventResult, error) {
	t, err := e.resolveTarget(ctx, in)
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	res := EventResult{Recorded: true}
	res.FirstTime, err = e.store.SetEnrollmentFlag(ctx, t.enr.ID, "unsubscribed")
	if err != nil {
		return EventResult{Message: err.Error()}, err
	}
	if err := e.contacts.MarkUnsubscribed(ctx, t.enr.LeadID); err != nil {
		utils.LogError("lead_unsubscribe_failed", err, map[string]interface{}{"lead_id": t.enr.LeadID})
	}

	e.saveEvent(ctx, &models.SequenceEvent{
		EnrollmentID: t.enr.ID,
		SequenceID:   t.enr.SequenceID,
		StepID:       t.stepID(),
		EventType:    models.EventUnsubscribed,
		Message:      "contact unsubscribed",
		Metadata:     clientMetadata(in),
	})
	if err := e.applyEventStop(ctx, t.enr, models.EventUnsubscribed, &res); err != nil {
		return res, err
	}
	res.Message = describe("unsubscribe", res)
	return res, nil
}

func describe(kind string, res EventResult) string {
	msg := kind + " recorded"
	if !res.FirstTime {
		msg = kind + " recorded (repeat)"
	}
	if res.Stopped {
		msg += fmt.Sprintf(", enrollment stopped: %s", res.Reason)
	}
	return msg
}
