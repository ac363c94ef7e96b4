package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"sequencer/models"
	"sequencer/utils"
)

// ThrottleCounter counts emails a sequence sent since the start of its local day.
// Counts are best effort across workers: two workers may both pass the check
// for the last remaining send of a day.
type ThrottleCounter interface {
	SentSince(ctx context.Context, seq *models.Sequence, dayStart time.Time) (int, error)
	RecordSend(ctx context.Context, seq *models.Sequence, dayStart time.Time) error
}

// StoreThrottle counts sent email executions
type StoreThrottle struct {
	store Store
}

func NewStoreThrottle(store Store) *StoreThrottle {
	return &StoreThrottle{store: store}
}

func (t *StoreThrottle) SentSince(ctx context.Context, seq *models.Sequence, dayStart time.Time) (int, error) {
	return t.store.CountEmailsSentSince(ctx, seq.ID, dayStart)
}

func (t *StoreThrottle) RecordSend(context.Context, *models.Sequence, time.Time) error {
	return nil
}

// RedisThrottle keeps one INCR counter per sequence per local day
type RedisThrottle struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisThrottle(client *redis.Client) *RedisThrottle {
	return &RedisThrottle{client: client, ttl: 48 * time.Hour}
}

func throttleKey(seqID uint, dayStart time.Time) string {
	return fmt.Sprintf("seq:throttle:%d:%d", seqID, dayStart.Unix())
}

func (t *RedisThrottle) SentSince(ctx context.Context, seq *models.Sequence, dayStart time.Time) (int, error) {
	n, err := t.client.Get(ctx, throttleKey(seq.ID, dayStart)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

func (t *RedisThrottle) RecordSend(ctx context.Context, seq *models.Sequence, dayStart time.Time) error {
	key := throttleKey(seq.ID, dayStart)
	pipe := t.client.TxPipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, t.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// checkThrottle reports whether an email may go out now for seq and, if not,
// when to look again. Counter failures do not block sending.
func (e *Engine) checkThrottle(ctx context.Context, seq *models.Sequence, now time.Time) (bool, time.Time) {
	if seq.MinDelayBetweenEmails > 0 && seq.LastEmailSentAt != nil {
		earliest := seq.LastEmailSentAt.Add(time.Duration(seq.MinDelayBetweenEmails) * time.Second)
		if now.Before(earliest) {
			return false, earliest.UTC()
		}
	}

	if seq.MaxEmailsPerDay > 0 {
		loc := sequenceLocation(seq)
		dayStart := utils.StartOfLocalDay(now, loc)
		sent, err := e.throttle.SentSince(ctx, seq, dayStart)
		if err != nil {
			utils.LogError("throttle_count_failed", err, map[string]interface{}{"sequence_id": seq.ID})
			return true, now
		}
		if sent >= seq.MaxEmailsPerDay {
			return false, utils.NextLocalMidnight(now, loc)
		}
	}
	return true, now
}

func (e *Engine) recordThrottledSend(ctx context.Context, seq *models.Sequence, at time.Time) {
	if seq.MaxEmailsPerDay <= 0 {
		return
	}
	dayStart := utils.StartOfLocalDay(at, sequenceLocation(seq))
	if err := e.throttle.RecordSend(ctx, seq, dayStart); err != nil {
		utils.LogError("throttle_record_failed", err, map[string]interface{}{"sequence_id": seq.ID})
	}
}

func sequenceLocation(seq *models.Sequence) *time.Location {
	loc, err := utils.LoadLocation(seq.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
