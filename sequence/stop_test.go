package sequence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"sequencer/models"
)

func allStops() *models.Sequence {
	return &models.Sequence{
		StopOnUnsubscribe:   true,
		StopOnBounce:        true,
		StopOnReply:         true,
		StopOnClick:         true,
		StopOnOpen:          true,
		StopOnScoreAbove:    true,
		ScoreAboveThreshold: 80,
		StopOnScoreBelow:    true,
		ScoreBelowThreshold: 10,
	}
}

func TestShouldStop_PriorityOrder(t *testing.T) {
	high, low, mid := 95, 2, 50
	tests := []struct {
		name  string
		enr   models.SequenceEnrollment
		score *int
		want  models.StopReason
	}{
		{"unsubscribe beats everything", models.SequenceEnrollment{Unsubscribed: true, Bounced: true, Replied: true, EmailsOpened: 1}, &high, models.StopUnsubscribe},
		{"bounce beats reply", models.SequenceEnrollment{Bounced: true, Replied: true}, nil, models.StopBounce},
		{"reply beats click", models.SequenceEnrollment{Replied: true, EmailsClicked: 2}, nil, models.StopReply},
		{"click beats open", models.SequenceEnrollment{EmailsClicked: 1, EmailsOpened: 1}, nil, models.StopClick},
		{"open", models.SequenceEnrollment{EmailsOpened: 3}, &mid, models.StopOpen},
		{"score above", models.SequenceEnrollment{}, &high, models.StopScoreHigh},
		{"score below", models.SequenceEnrollment{}, &low, models.StopScoreLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stop, reason := ShouldStop(&tt.enr, allStops(), tt.score)
			assert.True(t, stop)
			assert.Equal(t, tt.want, reason)
		})
	}
}

func TestShouldStop_NoMatch(t *testing.T) {
	mid := 50
	stop, reason := ShouldStop(&models.SequenceEnrollment{}, allStops(), &mid)
	assert.False(t, stop)
	assert.Empty(t, reason)

	// disabled conditions never fire
	enr := &models.SequenceEnrollment{Replied: true, EmailsOpened: 4, EmailsClicked: 1}
	stop, _ = ShouldStop(enr, &models.Sequence{}, &mid)
	assert.False(t, stop)
}

func TestShouldStop_NilScoreSkipsScoreConditions(t *testing.T) {
	stop, _ := ShouldStop(&models.SequenceEnrollment{}, allStops(), nil)
	assert.False(t, stop)
}

func TestShouldStopOnScore_ThresholdsAreExclusive(t *testing.T) {
	seq := allStops()
	at := 80
	stop, _ := ShouldStopOnScore(seq, &at)
	assert.False(t, stop)

	floor := 10
	stop, _ = ShouldStopOnScore(seq, &floor)
	assert.False(t, stop)
}

func TestStopReasonForEvent(t *testing.T) {
	seq := &models.Sequence{StopOnReply: true}

	ok, reason := stopReasonForEvent(seq, models.EventReplied)
	assert.True(t, ok)
	assert.Equal(t, models.StopReply, reason)

	ok, _ = stopReasonForEvent(seq, models.EventOpened)
	assert.False(t, ok)

	ok, _ = stopReasonForEvent(seq, models.EventEnrolled)
	assert.False(t, ok)
}
