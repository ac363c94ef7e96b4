package sequence

import "sequencer/models"

// ShouldStop evaluates the sequence's enabled stop conditions against the
// enrollment's engagement state and the contact's current score. The first
// match in the order unsubscribe, bounce, reply, click, open, score above,
// score below wins. A nil score skips the score conditions.
func ShouldStop(enr *models.SequenceEnrollment, seq *models.Sequence, score *int) (bool, models.StopReason) {
	switch {
	case seq.StopOnUnsubscribe && enr.Unsubscribed:
		return true, models.StopUnsubscribe
	case seq.StopOnBounce && enr.Bounced:
		return true, models.StopBounce
	case seq.StopOnReply && enr.Replied:
		return true, models.StopReply
	case seq.StopOnClick && enr.EmailsClicked > 0:
		return true, models.StopClick
	case seq.StopOnOpen && enr.EmailsOpened > 0:
		return true, models.StopOpen
	}
	return ShouldStopOnScore(seq, score)
}

// ShouldStopOnScore evaluates only the score conditions
func ShouldStopOnScore(seq *models.Sequence, score *int) (bool, models.StopReason) {
	if score == nil {
		return false, ""
	}
	if seq.StopOnScoreAbove && *score > seq.ScoreAboveThreshold {
		return true, models.StopScoreHigh
	}
	if seq.StopOnScoreBelow && *score < seq.ScoreBelowThreshold {
		return true, models.StopScoreLow
	}
	return false, ""
}

// stopReasonForEvent is the condition keyed on one event type, if enabled
func stopReasonForEvent(seq *models.Sequence, event models.EventType) (bool, models.StopReason) {
	switch event {
	case models.EventUnsubscribed:
		return seq.StopOnUnsubscribe, models.StopUnsubscribe
	case models.EventBounced:
		return seq.StopOnBounce, models.StopBounce
	case models.EventReplied:
		return seq.StopOnReply, models.StopReply
	case models.EventClicked:
		return seq.StopOnClick, models.StopClick
	case models.EventOpened:
		return seq.StopOnOpen, models.StopOpen
	}
	return false, ""
}
