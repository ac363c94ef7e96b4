package sequence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"sequencer/models"
)

func TestDelayDuration(t *testing.T) {
	d, err := delayDuration(models.DelayPayload{Amount: 3, Unit: "days"})
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, d)

	d, err = delayDuration(models.DelayPayload{Amount: 0, Unit: "minutes"})
	require.NoError(t, err)
	assert.Zero(t, d)

	_, err = delayDuration(models.DelayPayload{Amount: 1, Unit: "fortnights"})
	assert.True(t, errors.Is(err, ErrValidation))

	_, err = delayDuration(models.DelayPayload{Amount: -1, Unit: "hours"})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestNextActiveIndex(t *testing.T) {
	steps := []models.SequenceStep{{IsActive: false}, {IsActive: true}, {IsActive: false}}
	assert.Equal(t, 1, nextActiveIndex(steps, 0))
	assert.Equal(t, 1, nextActiveIndex(steps, 1))
	assert.Equal(t, 3, nextActiveIndex(steps, 2))
	assert.Equal(t, 3, nextActiveIndex(steps, 5))
}

func TestMessageDomain(t *testing.T) {
	assert.Equal(t, "acme.com", messageDomain("jane@acme.com"))
	assert.Equal(t, "sequencer.local", messageDomain(""))
	assert.Equal(t, "sequencer.local", messageDomain("jane"))
}

func TestEvaluateCondition(t *testing.T) {
	env := newTestEnv(t, Options{})
	lead := env.createLead(t, "ada@example.com", func(l *models.Lead) {
		l.Score = 42
		l.Company = "Analytical Engines"
	})
	contact := &Contact{
		ID:           lead.ID,
		Email:        lead.Email,
		FirstName:    "Ada",
		Company:      "Analytical Engines",
		Tags:         []string{"VIP"},
		CustomFields: map[string]string{"industry": "computing"},
	}
	seq := &models.Sequence{Name: "Nurture", Timezone: "UTC"}

	tests := []struct {
		cond models.ConditionPayload
		enr  models.SequenceEnrollment
		want bool
	}{
		{models.ConditionPayload{Type: ConditionOpened}, models.SequenceEnrollment{EmailsOpened: 1}, true},
		{models.ConditionPayload{Type: ConditionNotOpened}, models.SequenceEnrollment{EmailsOpened: 1}, false},
		{models.ConditionPayload{Type: ConditionClicked}, models.SequenceEnrollment{}, false},
		{models.ConditionPayload{Type: ConditionNotClicked}, models.SequenceEnrollment{}, true},
		{models.ConditionPayload{Type: ConditionReplied}, models.SequenceEnrollment{Replied: true}, true},
		{models.ConditionPayload{Type: ConditionNotReplied}, models.SequenceEnrollment{Replied: true}, false},
		{models.ConditionPayload{Type: ConditionHasTag, Value: "vip"}, models.SequenceEnrollment{}, true},
		{models.ConditionPayload{Type: ConditionNotHasTag, Value: "vip"}, models.SequenceEnrollment{}, false},
		{models.ConditionPayload{Type: ConditionScoreAbove, Value: "40"}, models.SequenceEnrollment{}, true},
		{models.ConditionPayload{Type: ConditionScoreAbove, Value: "42"}, models.SequenceEnrollment{}, false},
		{models.ConditionPayload{Type: ConditionScoreBelow, Value: "50"}, models.SequenceEnrollment{}, true},
		{models.ConditionPayload{Type: ConditionFieldEquals, Value: "company=Analytical Engines"}, models.SequenceEnrollment{}, true},
		{models.ConditionPayload{Type: ConditionFieldEquals, Value: "industry = computing"}, models.SequenceEnrollment{}, true},
		{models.ConditionPayload{Type: ConditionFieldEquals, Value: "industry=retail"}, models.SequenceEnrollment{}, false},
		{models.ConditionPayload{Type: ConditionFieldEquals, Value: "region=emea"}, models.SequenceEnrollment{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.cond.Type+" "+tt.cond.Value, func(t *testing.T) {
			enr := tt.enr
			enr.LeadID = lead.ID
			steps := []models.SequenceStep{{StepType: models.StepCondition, IsActive: true, Condition: tt.cond}}
			r := &stepRun{enr: &enr, seq: seq, steps: steps, contact: contact, now: baseTime}

			got, err := env.engine.evaluateCondition(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateCondition_RejectsMalformedValues(t *testing.T) {
	env := newTestEnv(t, Options{})
	seq := &models.Sequence{Timezone: "UTC"}
	contact := &Contact{}

	for _, cond := range []models.ConditionPayload{
		{Type: ConditionScoreAbove, Value: "lots"},
		{Type: ConditionFieldEquals, Value: "no-separator"},
		{Type: "became_customer"},
	} {
		steps := []models.SequenceStep{{StepType: models.StepCondition, Condition: cond}}
		r := &stepRun{enr: &models.SequenceEnrollment{}, seq: seq, steps: steps, contact: contact, now: baseTime}
		_, err := env.engine.evaluateCondition(context.Background(), r)
		assert.True(t, errors.Is(err, ErrValidation), cond.Type)
	}
}
