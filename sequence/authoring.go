package sequence

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"sequencer/models"
	"sequencer/utils"
)

// SequenceInput creates a sequence. Pointer flags default to true when omitted.
type SequenceInput struct {
	Name        string `json:"name" validate:"required,min=1,max=255"`
	Description string `json:"description" validate:"max=2000"`
	SenderID    uint   `json:"sender_id"`
	FromName    string `json:"from_name" validate:"max=255"`
	FromEmail   string `json:"from_email" validate:"omitempty,email"`
	ReplyTo     string `json:"reply_to" validate:"omitempty,email"`

	TrackOpens  *bool `json:"track_opens"`
	TrackClicks *bool `json:"track_clicks"`

	SendWindowEnabled bool   `json:"send_window_enabled"`
	SendWindowStart   string `json:"send_window_start" validate:"omitempty,clock"`
	SendWindowEnd     string `json:"send_window_end" validate:"omitempty,clock"`
	SendDays          []int  `json:"send_days" validate:"omitempty,dive,min=1,max=7"`
	Timezone          string `json:"timezone"`

	MaxEmailsPerDay       int `json:"max_emails_per_day" validate:"min=0"`
	MinDelayBetweenEmails int `json:"min_delay_between_emails" validate:"min=0"`

	StopOnReply         *bool `json:"stop_on_reply"`
	StopOnClick         bool  `json:"stop_on_click"`
	StopOnOpen          bool  `json:"stop_on_open"`
	StopOnUnsubscribe   *bool `json:"stop_on_unsubscribe"`
	StopOnBounce        *bool `json:"stop_on_bounce"`
	StopOnScoreAbove    bool  `json:"stop_on_score_above"`
	ScoreAboveThreshold int   `json:"score_above_threshold"`
	StopOnScoreBelow    bool  `json:"stop_on_score_below"`
	ScoreBelowThreshold int   `json:"score_below_threshold"`

	Steps []StepInput `json:"steps" validate:"dive"`
}

// StepInput adds or replaces a step. Within a SequenceInput, condition
// branches may name their targets by order since ids do not exist yet.
type StepInput struct {
	Order    *int            `json:"order"`
	StepType models.StepType `json:"step_type" validate:"required,oneof=email delay condition tag webhook task"`
	IsActive *bool           `json:"is_active"`

	Email     models.EmailPayload     `json:"email"`
	Delay     models.DelayPayload     `json:"delay"`
	Condition models.ConditionPayload `json:"condition"`
	Tag       models.TagPayload       `json:"tag"`
	Webhook   models.WebhookPayload   `json:"webhook"`
	Task      models.TaskPayload      `json:"task"`

	TrueStepOrder  *int `json:"true_step_order"`
	FalseStepOrder *int `json:"false_step_order"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func invalid(err error) error {
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// CreateSequence stores a draft sequence and its steps
func (e *Engine) CreateSequence(ctx context.Context, workspaceID uint, in SequenceInput) (*models.Sequence, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid(err)
	}
	start, end := in.SendWindowStart, in.SendWindowEnd
	if start == "" {
		start = "09:00"
	}
	if end == "" {
		end = "17:00"
	}
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	window := utils.SendWindow{Enabled: in.SendWindowEnabled, Start: start, End: end, Days: in.SendDays, Timezone: tz}
	if err := window.Validate(); err != nil {
		return nil, invalid(err)
	}

	seq := &models.Sequence{
		WorkspaceID:           workspaceID,
		SenderID:              in.SenderID,
		Name:                  strings.TrimSpace(in.Name),
		Description:           in.Description,
		Status:                models.SequenceDraft,
		FromName:              in.FromName,
		FromEmail:             in.FromEmail,
		ReplyTo:               in.ReplyTo,
		TrackOpens:            boolOr(in.TrackOpens, true),
		TrackClicks:           boolOr(in.TrackClicks, true),
		SendWindowEnabled:     in.SendWindowEnabled,
		SendWindowStart:       start,
		SendWindowEnd:         end,
		SendDays:              in.SendDays,
		Timezone:              tz,
		MaxEmailsPerDay:       in.MaxEmailsPerDay,
		MinDelayBetweenEmails: in.MinDelayBetweenEmails,
		StopOnReply:           boolOr(in.StopOnReply, true),
		StopOnClick:           in.StopOnClick,
		StopOnOpen:            in.StopOnOpen,
		StopOnUnsubscribe:     boolOr(in.StopOnUnsubscribe, true),
		StopOnBounce:          boolOr(in.StopOnBounce, true),
		StopOnScoreAbove:      in.StopOnScoreAbove,
		ScoreAboveThreshold:   in.ScoreAboveThreshold,
		StopOnScoreBelow:      in.StopOnScoreBelow,
		ScoreBelowThreshold:   in.ScoreBelowThreshold,
	}

	steps := make([]models.SequenceStep, len(in.Steps))
	for i := range in.Steps {
		steps[i] = buildStep(in.Steps[i], i+1)
		if err := validateStepPayload(&steps[i]); err != nil {
			return nil, err
		}
	}
	if err := validateBranchOrders(in.Steps, steps); err != nil {
		return nil, err
	}

	err := e.store.Transaction(ctx, func(tx Store) error {
		if err := tx.CreateSequence(ctx, seq); err != nil {
			return err
		}
		for i := range steps {
			steps[i].SequenceID = seq.ID
			if err := tx.CreateStep(ctx, &steps[i]); err != nil {
				return err
			}
		}

		// Second pass: branch targets named by order now have ids.
		for i, si := range in.Steps {
			if si.StepType != models.StepCondition || (si.TrueStepOrder == nil && si.FalseStepOrder == nil) {
				continue
			}
			if err := resolveBranchOrders(&steps[i], si, steps); err != nil {
				return err
			}
			if err := tx.UpdateStep(ctx, &steps[i]); err != nil {
				return err
			}
		}
		return ValidateSteps(steps)
	})
	if err != nil {
		return nil, err
	}

	seq.Steps = steps
	utils.LogEvent("sequence_created", map[string]interface{}{
		"sequence_id":  seq.ID,
		"workspace_id": workspaceID,
		"steps":        len(steps),
	})
	return seq, nil
}

func buildStep(in StepInput, defaultOrder int) models.SequenceStep {
	order := defaultOrder
	if in.Order != nil {
		order = *in.Order
	}
	return models.SequenceStep{
		Order:     order,
		StepType:  in.StepType,
		IsActive:  boolOr(in.IsActive, true),
		Email:     in.Email,
		Delay:     in.Delay,
		Condition: in.Condition,
		Tag:       in.Tag,
		Webhook:   in.Webhook,
		Task:      in.Task,
	}
}

// validateBranchOrders checks a new sequence's graph before anything is stored.
// Its steps have no ids yet, so branches must be given by order.
func validateBranchOrders(inputs []StepInput, steps []models.SequenceStep) error {
	orders := make(map[int]bool, len(steps))
	for _, s := range steps {
		if orders[s.Order] {
			return validationf("duplicate step order %d", s.Order)
		}
		orders[s.Order] = true
	}
	for i, in := range inputs {
		if in.StepType != models.StepCondition {
			continue
		}
		if in.Condition.TrueStepID != nil || in.Condition.FalseStepID != nil {
			return validationf("condition at order %d must reference branches by order", steps[i].Order)
		}
		for _, target := range []*int{in.TrueStepOrder, in.FalseStepOrder} {
			if target == nil {
				continue
			}
			if !orders[*target] {
				return validationf("condition at order %d branches to missing order %d", steps[i].Order, *target)
			}
			if *target <= steps[i].Order {
				return validationf("condition at order %d branches backward to order %d", steps[i].Order, *target)
			}
		}
	}
	return nil
}

func resolveBranchOrders(step *models.SequenceStep, in StepInput, steps []models.SequenceStep) error {
	byOrder := func(order int) (*uint, error) {
		for i := range steps {
			if steps[i].Order == order {
				id := steps[i].ID
				return &id, nil
			}
		}
		return nil, validationf("condition at order %d branches to missing order %d", step.Order, order)
	}
	var err error
	if in.TrueStepOrder != nil {
		if step.Condition.TrueStepID, err = byOrder(*in.TrueStepOrder); err != nil {
			return err
		}
	}
	if in.FalseStepOrder != nil {
		if step.Condition.FalseStepID, err = byOrder(*in.FalseStepOrder); err != nil {
			return err
		}
	}
	return nil
}

// AddStep appends a step, or inserts it at an explicit unused order
func (e *Engine) AddStep(ctx context.Context, workspaceID, sequenceID uint, in StepInput) (*models.SequenceStep, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid(err)
	}
	seq, err := e.store.GetWorkspaceSequence(ctx, workspaceID, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status == models.SequenceArchived {
		return nil, validationf("sequence %d is archived", seq.ID)
	}
	steps, err := e.store.ListSteps(ctx, seq.ID)
	if err != nil {
		return nil, err
	}

	next := 1
	if len(steps) > 0 {
		next = steps[len(steps)-1].Order + 1
	}
	step := buildStep(in, next)
	step.SequenceID = seq.ID
	if err := resolveBranchOrders(&step, in, steps); err != nil {
		return nil, err
	}
	if err := validateStepPayload(&step); err != nil {
		return nil, err
	}
	if seq.Status == models.SequenceActive {
		if err := ValidateSteps(append(steps, step)); err != nil {
			return nil, err
		}
	}
	if err := e.store.CreateStep(ctx, &step); err != nil {
		return nil, err
	}
	return &step, nil
}

// UpdateStep replaces a step's definition. Its statistics are kept.
func (e *Engine) UpdateStep(ctx context.Context, workspaceID, sequenceID, stepID uint, in StepInput) (*models.SequenceStep, error) {
	if err := utils.ValidateStruct(in); err != nil {
		return nil, invalid(err)
	}
	seq, steps, err := e.workspaceSteps(ctx, workspaceID, sequenceID)
	if err != nil {
		return nil, err
	}
	idx := indexOfStep(steps, stepID)
	if idx < 0 {
		return nil, fmt.Errorf("step %d: %w", stepID, ErrNotFound)
	}

	updated := buildStep(in, steps[idx].Order)
	updated.ID = stepID
	updated.SequenceID = seq.ID
	if err := resolveBranchOrders(&updated, in, steps); err != nil {
		return nil, err
	}
	if err := validateStepPayload(&updated); err != nil {
		return nil, err
	}
	candidate := append([]models.SequenceStep(nil), steps...)
	candidate[idx] = updated
	if seq.Status == models.SequenceActive {
		if err := ValidateSteps(candidate); err != nil {
			return nil, err
		}
	}
	if err := e.store.UpdateStep(ctx, &updated); err != nil {
		return nil, err
	}
	return e.store.GetStep(ctx, stepID)
}

// DeactivateStep hides a step from traversal. Steps are never deleted because
// executions reference them.
func (e *Engine) DeactivateStep(ctx context.Context, workspaceID, sequenceID, stepID uint) error {
	return e.setStepActive(ctx, workspaceID, sequenceID, stepID, false)
}

// ActivateStep puts a deactivated step back into traversal
func (e *Engine) ActivateStep(ctx context.Context, workspaceID, sequenceID, stepID uint) error {
	return e.setStepActive(ctx, workspaceID, sequenceID, stepID, true)
}

func (e *Engine) setStepActive(ctx context.Context, workspaceID, sequenceID, stepID uint, active bool) error {
	seq, steps, err := e.workspaceSteps(ctx, workspaceID, sequenceID)
	if err != nil {
		return err
	}
	idx := indexOfStep(steps, stepID)
	if idx < 0 {
		return fmt.Errorf("step %d: %w", stepID, ErrNotFound)
	}
	if seq.Status == models.SequenceActive && !active {
		steps[idx].IsActive = false
		if nextActiveIndex(steps, 0) == len(steps) {
			return validationf("an active sequence needs at least one active step")
		}
	}
	return e.store.SetStepActive(ctx, stepID, active)
}

func (e *Engine) workspaceSteps(ctx context.Context, workspaceID, sequenceID uint) (*models.Sequence, []models.SequenceStep, error) {
	seq, err := e.store.GetWorkspaceSequence(ctx, workspaceID, sequenceID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := e.store.ListSteps(ctx, seq.ID)
	if err != nil {
		return nil, nil, err
	}
	return seq, steps, nil
}

var sequenceTransitions = map[models.SequenceStatus][]models.SequenceStatus{
	models.SequenceActive:   {models.SequenceDraft, models.SequencePaused},
	models.SequencePaused:   {models.SequenceActive},
	models.SequenceArchived: {models.SequenceDraft, models.SequenceActive, models.SequencePaused},
}

// SetSequenceStatus moves a sequence through draft, active, paused and
// archived. Activation validates the step graph first.
func (e *Engine) SetSequenceStatus(ctx context.Context, workspaceID, sequenceID uint, to models.SequenceStatus) (*models.Sequence, error) {
	seq, steps, err := e.workspaceSteps(ctx, workspaceID, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.Status == to {
		return seq, nil
	}

	allowed := false
	for _, from := range sequenceTransitions[to] {
		if from == seq.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("sequence %d cannot go from %s to %s: %w", seq.ID, seq.Status, to, ErrInvalidTransition)
	}

	if to == models.SequenceActive {
		if nextActiveIndex(steps, 0) == len(steps) {
			return nil, validationf("sequence %d has no active steps", seq.ID)
		}
		if err := ValidateSteps(steps); err != nil {
			return nil, err
		}
	}

	ok, err := e.store.UpdateSequenceStatus(ctx, seq.ID, []models.SequenceStatus{seq.Status}, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("sequence %d: %w", seq.ID, ErrConflict)
	}
	utils.LogEvent("sequence_status_changed", map[string]interface{}{
		"sequence_id": seq.ID,
		"from":        string(seq.Status),
		"to":          string(to),
	})
	seq.Status = to
	return seq, nil
}

var webhookMethods = map[string]bool{"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true}

// validateStepPayload checks the payload that matches the step's type
func validateStepPayload(step *models.SequenceStep) error {
	switch step.StepType {
	case models.StepEmail:
		if strings.TrimSpace(step.Email.Subject) == "" {
			return validationf("email step needs a subject")
		}
		if strings.TrimSpace(step.Email.HTML) == "" && strings.TrimSpace(step.Email.Text) == "" {
			return validationf("email step needs an html or text body")
		}
	case models.StepDelay:
		if _, err := delayDuration(step.Delay); err != nil {
			return err
		}
	case models.StepCondition:
		return validateCondition(step.Condition)
	case models.StepTag:
		if strings.TrimSpace(step.Tag.Name) == "" {
			return validationf("tag step needs a tag name")
		}
		if step.Tag.Action != "add" && step.Tag.Action != "remove" {
			return validationf("tag action must be add or remove, got %q", step.Tag.Action)
		}
	case models.StepWebhook:
		u, err := url.Parse(step.Webhook.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return validationf("webhook url %q must be an absolute http(s) url", step.Webhook.URL)
		}
		if m := strings.ToUpper(step.Webhook.Method); m != "" && !webhookMethods[m] {
			return validationf("unsupported webhook method %q", step.Webhook.Method)
		}
	case models.StepTask:
		if strings.TrimSpace(step.Task.Title) == "" {
			return validationf("task step needs a title")
		}
	default:
		return validationf("unknown step type %q", step.StepType)
	}
	return nil
}

func validateCondition(c models.ConditionPayload) error {
	if !conditionTypes[c.Type] {
		return validationf("unknown condition type %q", c.Type)
	}
	value := strings.TrimSpace(c.Value)
	switch c.Type {
	case ConditionHasTag, ConditionNotHasTag:
		if value == "" {
			return validationf("%s needs a tag", c.Type)
		}
	case ConditionScoreAbove, ConditionScoreBelow:
		if _, err := strconv.Atoi(value); err != nil {
			return validationf("%s needs an integer threshold, got %q", c.Type, c.Value)
		}
	case ConditionFieldEquals:
		if name, _, ok := strings.Cut(value, "="); !ok || strings.TrimSpace(name) == "" {
			return validationf("field_equals needs name=value, got %q", c.Value)
		}
	}
	return nil
}

// ValidateSteps checks a sequence's whole step graph: every payload is well
// formed and every condition branch names a later step of the same sequence.
// Forward-only branches guarantee every enrollment terminates.
func ValidateSteps(steps []models.SequenceStep) error {
	orders := make(map[int]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		if orders[s.Order] {
			return validationf("duplicate step order %d", s.Order)
		}
		orders[s.Order] = true
		if err := validateStepPayload(s); err != nil {
			return fmt.Errorf("step %d: %w", s.Order, err)
		}
		if s.StepType != models.StepCondition {
			continue
		}
		for _, target := range []*uint{s.Condition.TrueStepID, s.Condition.FalseStepID} {
			if target == nil {
				continue
			}
			j := indexOfStep(steps, *target)
			if j < 0 {
				return validationf("step %d branches to step %d outside the sequence", s.Order, *target)
			}
			if steps[j].Order <= s.Order {
				return validationf("step %d branches backward to order %d", s.Order, steps[j].Order)
			}
		}
	}
	return nil
}
