package sequence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"sequencer/models"
)

// GormStore implements Store over gorm. Conditional updates are single
// UPDATE ... WHERE statements so concurrent workers on separate machines
// serialize at the database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

var (
	enrollmentFlags   = map[string]bool{"replied": true, "bounced": true, "unsubscribed": true}
	executionMarks    = map[string]bool{"delivered_at": true, "opened_at": true, "clicked_at": true, "replied_at": true, "bounced_at": true}
	enrollmentCounter = map[string]bool{"emails_sent": true, "emails_opened": true, "emails_clicked": true}
	sequenceCounter   = map[string]bool{
		"total_enrolled": true, "active_enrolled": true, "completed_count": true, "stopped_count": true,
		"total_sent": true, "total_opened": true, "total_clicked": true, "total_replied": true,
	}
	stepCounter = map[string]bool{"sent_count": true, "opened_count": true, "clicked_count": true, "replied_count": true, "bounced_count": true}
)

func notFound(err error, what string, id any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func counterExprs(deltas map[string]int, allowed map[string]bool) (map[string]any, error) {
	out := make(map[string]any, len(deltas))
	for col, d := range deltas {
		if !allowed[col] {
			return nil, fmt.Errorf("unknown counter %q", col)
		}
		if d == 0 {
			continue
		}
		out[col] = gorm.Expr(col+" + ?", d)
	}
	return out, nil
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewGormStore(tx))
	})
}

func (s *GormStore) CreateSequence(ctx context.Context, seq *models.Sequence) error {
	return s.db.WithContext(ctx).Create(seq).Error
}

func (s *GormStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := s.db.WithContext(ctx).First(&seq, id).Error; err != nil {
		return nil, notFound(err, "sequence", id)
	}
	return &seq, nil
}

func (s *GormStore) GetWorkspaceSequence(ctx context.Context, workspaceID, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).
		Where("id = ? AND workspace_id = ?", id, workspaceID).
		First(&seq).Error
	if err != nil {
		return nil, notFound(err, "sequence", id)
	}
	return &seq, nil
}

func (s *GormStore) ListWorkspaceSequences(ctx context.Context, workspaceID uint) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID).
		Order("id").
		Find(&seqs).Error
	return seqs, err
}

func (s *GormStore) ListActiveSequences(ctx context.Context, afterID uint, limit int) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := s.db.WithContext(ctx).
		Where("status = ? AND id > ?", models.SequenceActive, afterID).
		Order("id").
		Limit(limit).
		Find(&seqs).Error
	return seqs, err
}

func (s *GormStore) ListScoreSequences(ctx context.Context, afterID uint, limit int) ([]models.Sequence, error) {
	var seqs []models.Sequence
	err := s.db.WithContext(ctx).
		Where("status IN ? AND id > ?", []models.SequenceStatus{models.SequenceActive, models.SequencePaused}, afterID).
		Where("stop_on_score_above = ? OR stop_on_score_below = ?", true, true).
		Order("id").
		Limit(limit).
		Find(&seqs).Error
	return seqs, err
}

func (s *GormStore) UpdateSequenceStatus(ctx context.Context, id uint, from []models.SequenceStatus, to models.SequenceStatus) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Sequence{}).
		Where("id = ? AND status IN ?", id, from).
		Update("status", to)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) ListSteps(ctx context.Context, sequenceID uint) ([]models.SequenceStep, error) {
	var steps []models.SequenceStep
	err := s.db.WithContext(ctx).
		Where("sequence_id = ?", sequenceID).
		Order("step_order").
		Find(&steps).Error
	return steps, err
}

func (s *GormStore) GetStep(ctx context.Context, id uint) (*models.SequenceStep, error) {
	var step models.SequenceStep
	if err := s.db.WithContext(ctx).First(&step, id).Error; err != nil {
		return nil, notFound(err, "step", id)
	}
	return &step, nil
}

func (s *GormStore) CreateStep(ctx context.Context, step *models.SequenceStep) error {
	err := s.db.WithContext(ctx).Create(step).Error
	if isDuplicateKey(err) {
		return validationf("step order %d is already used in this sequence", step.Order)
	}
	return err
}

// UpdateStep rewrites a step's definition; its counters are left alone
func (s *GormStore) UpdateStep(ctx context.Context, step *models.SequenceStep) error {
	err := s.db.WithContext(ctx).
		Model(step).
		Select("*").
		Omit("id", "created_at", "deleted_at", "sequence_id",
			"sent_count", "opened_count", "clicked_count", "replied_count", "bounced_count").
		Updates(step).Error
	if isDuplicateKey(err) {
		return validationf("step order %d is already used in this sequence", step.Order)
	}
	return err
}

func (s *GormStore) SetStepActive(ctx context.Context, id uint, active bool) error {
	res := s.db.WithContext(ctx).
		Model(&models.SequenceStep{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("step %d: %w", id, ErrNotFound)
	}
	return nil
}

// CreateEnrollment inserts the enrollment and counts it on the sequence.
// The partial unique index turns a concurrent duplicate into ErrAlreadyEnrolled.
func (s *GormStore) CreateEnrollment(ctx context.Context, enr *models.SequenceEnrollment) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(enr).Error; err != nil {
			return err
		}
		return tx.Model(&models.Sequence{}).
			Where("id = ?", enr.SequenceID).
			Updates(map[string]any{
				"total_enrolled":  gorm.Expr("total_enrolled + ?", 1),
				"active_enrolled": gorm.Expr("active_enrolled + ?", 1),
			}).Error
	})
	if isDuplicateKey(err) {
		return fmt.Errorf("sequence %d lead %d: %w", enr.SequenceID, enr.LeadID, ErrAlreadyEnrolled)
	}
	return err
}

func (s *GormStore) GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error) {
	var enr models.SequenceEnrollment
	if err := s.db.WithContext(ctx).First(&enr, id).Error; err != nil {
		return nil, notFound(err, "enrollment", id)
	}
	return &enr, nil
}

func (s *GormStore) FindOpenEnrollment(ctx context.Context, sequenceID, leadID uint) (*models.SequenceEnrollment, error) {
	var enr models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND lead_id = ? AND status IN ?", sequenceID, leadID,
			[]models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPaused}).
		First(&enr).Error
	if err != nil {
		return nil, notFound(err, "open enrollment for lead", leadID)
	}
	return &enr, nil
}

func (s *GormStore) ListDueEnrollments(ctx context.Context, sequenceID uint, now time.Time, limit int) ([]models.SequenceEnrollment, error) {
	var enrs []models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND status = ? AND next_step_at <= ?", sequenceID, models.EnrollmentActive, now).
		Order("next_step_at, id").
		Limit(limit).
		Find(&enrs).Error
	return enrs, err
}

func (s *GormStore) ListOpenEnrollments(ctx context.Context, sequenceID, afterID uint, limit int) ([]models.SequenceEnrollment, error) {
	var enrs []models.SequenceEnrollment
	err := s.db.WithContext(ctx).
		Where("sequence_id = ? AND id > ? AND status IN ?", sequenceID, afterID,
			[]models.EnrollmentStatus{models.EnrollmentActive, models.EnrollmentPaused}).
		Order("id").
		Limit(limit).
		Find(&enrs).Error
	return enrs, err
}

func (s *GormStore) UpdateEnrollment(ctx context.Context, u EnrollmentUpdate) (bool, error) {
	seqDeltas, err := counterExprs(u.SequenceDeltas, sequenceCounter)
	if err != nil {
		return false, err
	}

	applied := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		set := make(map[string]any, len(u.Set)+1)
		for k, v := range u.Set {
			set[k] = v
		}
		set["lock_version"] = gorm.Expr("lock_version + 1")

		q := tx.Model(&models.SequenceEnrollment{}).Where("id = ?", u.ID)
		if len(u.From) > 0 {
			q = q.Where("status IN ?", u.From)
		}
		if u.Version != AnyVersion {
			q = q.Where("lock_version = ?", u.Version)
		}
		res := q.Updates(set)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}
		applied = true

		if len(seqDeltas) == 0 {
			return nil
		}
		return tx.Model(&models.Sequence{}).Where("id = ?", u.SequenceID).Updates(seqDeltas).Error
	})
	if isDuplicateKey(err) {
		return false, fmt.Errorf("enrollment %d: %w", u.ID, ErrAlreadyEnrolled)
	}
	return applied, err
}

// SetEnrollmentFlag flips a boolean engagement flag; true only for the first caller
func (s *GormStore) SetEnrollmentFlag(ctx context.Context, id uint, column string) (bool, error) {
	if !enrollmentFlags[column] {
		return false, fmt.Errorf("unknown enrollment flag %q", column)
	}
	res := s.db.WithContext(ctx).
		Model(&models.SequenceEnrollment{}).
		Where("id = ? AND "+column+" = ?", id, false).
		UpdateColumn(column, true)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) CreateExecution(ctx context.Context, exec *models.SequenceStepExecution) error {
	return s.db.WithContext(ctx).Create(exec).Error
}

// RecordEmailSent stores a sent email execution and counts it everywhere at once
func (s *GormStore) RecordEmailSent(ctx context.Context, exec *models.SequenceStepExecution) error {
	sentAt := exec.ExecutedAt
	if sentAt == nil {
		return errors.New("sent execution has no executed_at")
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(exec).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Sequence{}).Where("id = ?", exec.SequenceID).
			Updates(map[string]any{
				"total_sent":         gorm.Expr("total_sent + ?", 1),
				"last_email_sent_at": *sentAt,
			}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.SequenceStep{}).Where("id = ?", exec.StepID).
			UpdateColumn("sent_count", gorm.Expr("sent_count + ?", 1)).Error; err != nil {
			return err
		}
		return tx.Model(&models.SequenceEnrollment{}).Where("id = ?", exec.EnrollmentID).
			UpdateColumns(map[string]any{
				"emails_sent":        gorm.Expr("emails_sent + ?", 1),
				"last_email_sent_at": *sentAt,
			}).Error
	})
}

func (s *GormStore) FindExecutionByMessageID(ctx context.Context, messageID string) (*models.SequenceStepExecution, error) {
	var exec models.SequenceStepExecution
	err := s.db.WithContext(ctx).
		Where("message_id = ?", strings.Trim(messageID, "<> ")).
		Order("id DESC").
		First(&exec).Error
	if err != nil {
		return nil, notFound(err, "message", messageID)
	}
	return &exec, nil
}

func (s *GormStore) LatestEmailExecution(ctx context.Context, enrollmentID uint) (*models.SequenceStepExecution, error) {
	var exec models.SequenceStepExecution
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ? AND step_type = ? AND status = ?", enrollmentID, models.StepEmail, models.ExecutionSent).
		Order("id DESC").
		First(&exec).Error
	if err != nil {
		return nil, notFound(err, "email execution for enrollment", enrollmentID)
	}
	return &exec, nil
}

func (s *GormStore) ListExecutions(ctx context.Context, enrollmentID uint) ([]models.SequenceStepExecution, error) {
	var execs []models.SequenceStepExecution
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id").
		Find(&execs).Error
	return execs, err
}

// MarkExecution sets an engagement timestamp once; true only for the first caller
func (s *GormStore) MarkExecution(ctx context.Context, id uint, column string, at time.Time) (bool, error) {
	if !executionMarks[column] {
		return false, fmt.Errorf("unknown execution timestamp %q", column)
	}
	res := s.db.WithContext(ctx).
		Model(&models.SequenceStepExecution{}).
		Where("id = ? AND "+column+" IS NULL", id).
		UpdateColumn(column, at)
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) CountEmailsSentSince(ctx context.Context, sequenceID uint, since time.Time) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).
		Model(&models.SequenceStepExecution{}).
		Where("sequence_id = ? AND step_type = ? AND status = ? AND executed_at >= ?",
			sequenceID, models.StepEmail, models.ExecutionSent, since).
		Count(&n).Error
	return int(n), err
}

func (s *GormStore) IncrementCounters(ctx context.Context, d CounterDelta) error {
	enrSet, err := counterExprs(d.Enrollment, enrollmentCounter)
	if err != nil {
		return err
	}
	seqSet, err := counterExprs(d.Sequence, sequenceCounter)
	if err != nil {
		return err
	}
	stepSet, err := counterExprs(d.Step, stepCounter)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(enrSet) > 0 && d.EnrollmentID != 0 {
			if err := tx.Model(&models.SequenceEnrollment{}).Where("id = ?", d.EnrollmentID).UpdateColumns(enrSet).Error; err != nil {
				return err
			}
		}
		if len(seqSet) > 0 && d.SequenceID != 0 {
			if err := tx.Model(&models.Sequence{}).Where("id = ?", d.SequenceID).UpdateColumns(seqSet).Error; err != nil {
				return err
			}
		}
		if len(stepSet) > 0 && d.StepID != 0 {
			if err := tx.Model(&models.SequenceStep{}).Where("id = ?", d.StepID).UpdateColumns(stepSet).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) CreateEvent(ctx context.Context, ev *models.SequenceEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

func (s *GormStore) ListEvents(ctx context.Context, enrollmentID uint) ([]models.SequenceEvent, error) {
	var events []models.SequenceEvent
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ?", enrollmentID).
		Order("id").
		Find(&events).Error
	return events, err
}

type statusCount struct {
	Status models.EnrollmentStatus
	Count  int
}

type stepTotals struct {
	StepID  uint
	Sent    int
	Opened  int
	Clicked int
	Replied int
	Bounced int
}

// ReconcileStats rebuilds counters from enrollments and step executions.
// The sequence row is locked for the duration so incremental updates queue behind it.
func (s *GormStore) ReconcileStats(ctx context.Context, sequenceID uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&seq, sequenceID).Error; err != nil {
			return notFound(err, "sequence", sequenceID)
		}

		var counts []statusCount
		if err := tx.Model(&models.SequenceEnrollment{}).
			Select("status, COUNT(*) AS count").
			Where("sequence_id = ?", sequenceID).
			Group("status").
			Scan(&counts).Error; err != nil {
			return err
		}
		byStatus := make(map[models.EnrollmentStatus]int, len(counts))
		total := 0
		for _, c := range counts {
			byStatus[c.Status] = c.Count
			total += c.Count
		}

		var replied int64
		if err := tx.Model(&models.SequenceEnrollment{}).
			Where("sequence_id = ? AND replied = ?", sequenceID, true).
			Count(&replied).Error; err != nil {
			return err
		}

		var totals []stepTotals
		if err := tx.Model(&models.SequenceStepExecution{}).
			Select(`step_id,
				SUM(CASE WHEN step_type = ? AND status = ? THEN 1 ELSE 0 END) AS sent,
				SUM(CASE WHEN opened_at IS NOT NULL THEN 1 ELSE 0 END) AS opened,
				SUM(CASE WHEN clicked_at IS NOT NULL THEN 1 ELSE 0 END) AS clicked,
				SUM(CASE WHEN replied_at IS NOT NULL THEN 1 ELSE 0 END) AS replied,
				SUM(CASE WHEN bounced_at IS NOT NULL THEN 1 ELSE 0 END) AS bounced`,
				models.StepEmail, models.ExecutionSent).
			Where("sequence_id = ?", sequenceID).
			Group("step_id").
			Scan(&totals).Error; err != nil {
			return err
		}

		var steps []models.SequenceStep
		if err := tx.Where("sequence_id = ?", sequenceID).Find(&steps).Error; err != nil {
			return err
		}
		byStep := make(map[uint]stepTotals, len(totals))
		var sent, opened, clicked int
		for _, t := range totals {
			byStep[t.StepID] = t
			sent += t.Sent
			opened += t.Opened
			clicked += t.Clicked
		}
		for _, step := range steps {
			t := byStep[step.ID]
			if err := tx.Model(&models.SequenceStep{}).Where("id = ?", step.ID).UpdateColumns(map[string]any{
				"sent_count":    t.Sent,
				"opened_count":  t.Opened,
				"clicked_count": t.Clicked,
				"replied_count": t.Replied,
				"bounced_count": t.Bounced,
			}).Error; err != nil {
				return err
			}
		}

		return tx.Model(&seq).UpdateColumns(map[string]any{
			"total_enrolled":  total,
			"active_enrolled": byStatus[models.EnrollmentActive],
			"completed_count": byStatus[models.EnrollmentCompleted],
			"stopped_count":   byStatus[models.EnrollmentStopped],
			"total_sent":      sent,
			"total_opened":    opened,
			"total_clicked":   clicked,
			"total_replied":   int(replied),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return s.GetSequence(ctx, sequenceID)
}
