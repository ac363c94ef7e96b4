package sequence

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"sequencer/models"
)

func validSequenceInput() SequenceInput {
	return SequenceInput{
		Name:      "Trial nurture",
		FromName:  "Jane",
		FromEmail: "jane@acme.com",
		Steps: []StepInput{
			{StepType: models.StepEmail, Email: models.EmailPayload{Subject: "Welcome", Text: "Hi {{first_name}}"}},
			{StepType: models.StepCondition, Condition: models.ConditionPayload{Type: ConditionOpened}, TrueStepOrder: intPtr(4)},
			{StepType: models.StepEmail, Email: models.EmailPayload{Subject: "Did you see this?", Text: "Bump"}},
			{StepType: models.StepDelay, Delay: models.DelayPayload{Amount: 2, Unit: "days"}},
			{StepType: models.StepEmail, Email: models.EmailPayload{Subject: "Case study", HTML: "<p>Read</p>"}},
		},
	}
}

func TestCreateSequence_DefaultsAndBranchOrders(t *testing.T) {
	env := newTestEnv(t, Options{})
	seq, err := env.engine.CreateSequence(context.Background(), testWorkspace, validSequenceInput())
	require.NoError(t, err)

	assert.Equal(t, models.SequenceDraft, seq.Status)
	assert.True(t, seq.TrackOpens)
	assert.True(t, seq.TrackClicks)
	assert.True(t, seq.StopOnReply)
	assert.True(t, seq.StopOnUnsubscribe)
	assert.True(t, seq.StopOnBounce)
	assert.False(t, seq.StopOnOpen)
	assert.Equal(t, "09:00", seq.SendWindowStart)
	assert.Equal(t, "UTC", seq.Timezone)

	steps, err := env.store.ListSteps(context.Background(), seq.ID)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Order)
		assert.True(t, s.IsActive)
	}
	require.NotNil(t, steps[1].Condition.TrueStepID)
	assert.Equal(t, steps[3].ID, *steps[1].Condition.TrueStepID)
	assert.Nil(t, steps[1].Condition.FalseStepID)
}

func TestCreateSequence_RollsBackOnStepFailure(t *testing.T) {
	env := newTestEnv(t, Options{})
	require.NoError(t, env.db.Callback().Create().Before("gorm:create").Register("fail_steps", func(tx *gorm.DB) {
		if tx.Statement.Schema != nil && tx.Statement.Schema.Table == "sequence_steps" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := env.engine.CreateSequence(context.Background(), testWorkspace, validSequenceInput())
	require.ErrorContains(t, err, "disk full")

	var sequences, steps int64
	require.NoError(t, env.db.Model(&models.Sequence{}).Count(&sequences).Error)
	require.NoError(t, env.db.Model(&models.SequenceStep{}).Count(&steps).Error)
	assert.Zero(t, sequences, "no half-built draft is left behind")
	assert.Zero(t, steps)
}

func TestCreateSequence_RejectsInvalidInput(t *testing.T) {
	cases := map[string]func(*SequenceInput){
		"missing name":     func(in *SequenceInput) { in.Name = "" },
		"bad from email":   func(in *SequenceInput) { in.FromEmail = "jane" },
		"bad window start": func(in *SequenceInput) { in.SendWindowStart = "25:00" },
		"bad weekday":      func(in *SequenceInput) { in.SendDays = []int{0} },
		"bad timezone":     func(in *SequenceInput) { in.Timezone = "Mars/Olympus" },
		"backward branch":  func(in *SequenceInput) { in.Steps[1].TrueStepOrder = intPtr(1) },
		"missing branch":   func(in *SequenceInput) { in.Steps[1].FalseStepOrder = intPtr(42) },
		"bad delay unit":   func(in *SequenceInput) { in.Steps[3].Delay.Unit = "weeks" },
		"empty subject":    func(in *SequenceInput) { in.Steps[0].Email.Subject = " " },
		"bad step type":    func(in *SequenceInput) { in.Steps[0].StepType = "sms" },
		"duplicate order":  func(in *SequenceInput) { in.Steps[4].Order = intPtr(1) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			in := validSequenceInput()
			mutate(&in)
			_, err := env.engine.CreateSequence(context.Background(), testWorkspace, in)
			assert.True(t, errors.Is(err, ErrValidation), "got %v", err)

			var count int64
			require.NoError(t, env.db.Model(&models.Sequence{}).Count(&count).Error)
			assert.Zero(t, count)
		})
	}
}

func TestAddStep_AppendsAfterLastOrder(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	seq, err := env.engine.CreateSequence(ctx, testWorkspace, validSequenceInput())
	require.NoError(t, err)

	step, err := env.engine.AddStep(ctx, testWorkspace, seq.ID, StepInput{
		StepType: models.StepTag,
		Tag:      models.TagPayload{Name: "finished", Action: "add"},
	})
	require.NoError(t, err)
	assert.Equal(t, 6, step.Order)
	assert.True(t, step.IsActive)

	_, err = env.engine.AddStep(ctx, testWorkspace, seq.ID, StepInput{
		StepType: models.StepWebhook,
		Webhook:  models.WebhookPayload{URL: "ftp://example.com"},
	})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = env.engine.AddStep(ctx, testWorkspace+1, seq.ID, StepInput{
		StepType: models.StepTask,
		Task:     models.TaskPayload{Title: "Call"},
	})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestUpdateStep_SetsBranchAfterTargetExists(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	seq, err := env.engine.CreateSequence(ctx, testWorkspace, SequenceInput{Name: "Branching"})
	require.NoError(t, err)

	cond, err := env.engine.AddStep(ctx, testWorkspace, seq.ID, StepInput{
		StepType:  models.StepCondition,
		Condition: models.ConditionPayload{Type: ConditionHasTag, Value: "vip"},
	})
	require.NoError(t, err)
	target, err := env.engine.AddStep(ctx, testWorkspace, seq.ID, StepInput{
		StepType: models.StepEmail,
		Email:    models.EmailPayload{Subject: "VIP", Text: "Hello"},
	})
	require.NoError(t, err)

	updated, err := env.engine.UpdateStep(ctx, testWorkspace, seq.ID, cond.ID, StepInput{
		StepType:  models.StepCondition,
		Condition: models.ConditionPayload{Type: ConditionHasTag, Value: "vip", TrueStepID: &target.ID},
	})
	require.NoError(t, err)
	require.NotNil(t, updated.Condition.TrueStepID)
	assert.Equal(t, target.ID, *updated.Condition.TrueStepID)
	assert.Equal(t, cond.Order, updated.Order)
}

func TestSetSequenceStatus_Transitions(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	seq, err := env.engine.CreateSequence(ctx, testWorkspace, validSequenceInput())
	require.NoError(t, err)

	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequencePaused)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	got, err := env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequenceActive)
	require.NoError(t, err)
	assert.Equal(t, models.SequenceActive, got.Status)

	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequenceActive)
	assert.NoError(t, err)

	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequenceDraft)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequencePaused)
	require.NoError(t, err)
	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequenceArchived)
	require.NoError(t, err)

	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequenceActive)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, models.SequenceArchived, env.reloadSequence(t, seq.ID).Status)
}

func TestSetSequenceStatus_ActivationValidatesGraph(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	empty, err := env.engine.CreateSequence(ctx, testWorkspace, SequenceInput{Name: "Empty"})
	require.NoError(t, err)
	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, empty.ID, models.SequenceActive)
	assert.True(t, errors.Is(err, ErrValidation))

	// a backward branch written behind the engine's back
	seq, steps := env.createSequence(t, func(s *models.Sequence) { s.Status = models.SequenceDraft },
		emailStep("One"), conditionStep(ConditionReplied, ""))
	require.NoError(t, env.db.Model(&models.SequenceStep{}).Where("id = ?", steps[1].ID).
		Update("condition_false_step_id", steps[0].ID).Error)
	_, err = env.engine.SetSequenceStatus(ctx, testWorkspace, seq.ID, models.SequenceActive)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestDeactivateStep_KeepsOneActiveStep(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	seq, steps := env.createSequence(t, nil, emailStep("One"), emailStep("Two"))

	require.NoError(t, env.engine.DeactivateStep(ctx, testWorkspace, seq.ID, steps[0].ID))
	err := env.engine.DeactivateStep(ctx, testWorkspace, seq.ID, steps[1].ID)
	assert.True(t, errors.Is(err, ErrValidation))

	require.NoError(t, env.engine.ActivateStep(ctx, testWorkspace, seq.ID, steps[0].ID))
	step, err := env.store.GetStep(ctx, steps[0].ID)
	require.NoError(t, err)
	assert.True(t, step.IsActive)

	err = env.engine.DeactivateStep(ctx, testWorkspace, seq.ID, 9999)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestValidateSteps(t *testing.T) {
	id := func(v uint) *uint { return &v }
	base := func() []models.SequenceStep {
		steps := []models.SequenceStep{emailStep("One"), conditionStep(ConditionClicked, ""), emailStep("Three")}
		for i := range steps {
			steps[i].ID = uint(i + 1)
			steps[i].Order = (i + 1) * 10
		}
		return steps
	}

	steps := base()
	steps[1].Condition.TrueStepID = id(3)
	assert.NoError(t, ValidateSteps(steps))

	steps = base()
	steps[1].Condition.FalseStepID = id(1)
	assert.True(t, errors.Is(ValidateSteps(steps), ErrValidation))

	steps = base()
	steps[1].Condition.TrueStepID = id(2)
	assert.True(t, errors.Is(ValidateSteps(steps), ErrValidation), "self loops are backward")

	steps = base()
	steps[1].Condition.TrueStepID = id(77)
	assert.True(t, errors.Is(ValidateSteps(steps), ErrValidation))

	steps = base()
	steps[1].Condition = models.ConditionPayload{Type: ConditionScoreAbove, Value: "high"}
	assert.True(t, errors.Is(ValidateSteps(steps), ErrValidation))

	steps = base()
	steps[1].Condition = models.ConditionPayload{Type: ConditionFieldEquals, Value: "industry"}
	assert.True(t, errors.Is(ValidateSteps(steps), ErrValidation))
}
