package sequence

import (
	"context"
	"time"

	"sequencer/models"
)

// AnyVersion disables the lock_version check of an EnrollmentUpdate
const AnyVersion = -1

// EnrollmentUpdate is a conditional state transition. It applies only when the
// enrollment's status is one of From and, unless Version is AnyVersion, its
// lock_version equals Version. Applied updates bump lock_version and apply
// SequenceDeltas to the owning sequence's counters in the same transaction.
type EnrollmentUpdate struct {
	ID             uint
	SequenceID     uint
	Version        int
	From           []models.EnrollmentStatus
	Set            map[string]any
	SequenceDeltas map[string]int
}

// CounterDelta increments engagement counters on an enrollment, its sequence
// and one step together. Counters never decrease through this path.
type CounterDelta struct {
	EnrollmentID uint
	SequenceID   uint
	StepID       uint
	Enrollment   map[string]int
	Sequence     map[string]int
	Step         map[string]int
}

// Store is the persistence boundary of the engine
type Store interface {
	// Transaction runs fn against a store bound to one database transaction.
	// Any error from fn rolls back everything fn wrote.
	Transaction(ctx context.Context, fn func(tx Store) error) error

	// Sequences and steps
	CreateSequence(ctx context.Context, seq *models.Sequence) error
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	GetWorkspaceSequence(ctx context.Context, workspaceID, id uint) (*models.Sequence, error)
	ListWorkspaceSequences(ctx context.Context, workspaceID uint) ([]models.Sequence, error)
	ListActiveSequences(ctx context.Context, afterID uint, limit int) ([]models.Sequence, error)
	ListScoreSequences(ctx context.Context, afterID uint, limit int) ([]models.Sequence, error)
	UpdateSequenceStatus(ctx context.Context, id uint, from []models.SequenceStatus, to models.SequenceStatus) (bool, error)
	ListSteps(ctx context.Context, sequenceID uint) ([]models.SequenceStep, error)
	GetStep(ctx context.Context, id uint) (*models.SequenceStep, error)
	CreateStep(ctx context.Context, step *models.SequenceStep) error
	UpdateStep(ctx context.Context, step *models.SequenceStep) error
	SetStepActive(ctx context.Context, id uint, active bool) error

	// Enrollments
	CreateEnrollment(ctx context.Context, enr *models.SequenceEnrollment) error
	GetEnrollment(ctx context.Context, id uint) (*models.SequenceEnrollment, error)
	FindOpenEnrollment(ctx context.Context, sequenceID, leadID uint) (*models.SequenceEnrollment, error)
	ListDueEnrollments(ctx context.Context, sequenceID uint, now time.Time, limit int) ([]models.SequenceEnrollment, error)
	ListOpenEnrollments(ctx context.Context, sequenceID, afterID uint, limit int) ([]models.SequenceEnrollment, error)
	UpdateEnrollment(ctx context.Context, u EnrollmentUpdate) (bool, error)
	SetEnrollmentFlag(ctx context.Context, id uint, column string) (bool, error)

	// Executions, events and counters
	CreateExecution(ctx context.Context, exec *models.SequenceStepExecution) error
	RecordEmailSent(ctx context.Context, exec *models.SequenceStepExecution) error
	FindExecutionByMessageID(ctx context.Context, messageID string) (*models.SequenceStepExecution, error)
	LatestEmailExecution(ctx context.Context, enrollmentID uint) (*models.SequenceStepExecution, error)
	ListExecutions(ctx context.Context, enrollmentID uint) ([]models.SequenceStepExecution, error)
	MarkExecution(ctx context.Context, id uint, column string, at time.Time) (bool, error)
	CountEmailsSentSince(ctx context.Context, sequenceID uint, since time.Time) (int, error)
	IncrementCounters(ctx context.Context, d CounterDelta) error
	CreateEvent(ctx context.Context, ev *models.SequenceEvent) error
	ListEvents(ctx context.Context, enrollmentID uint) ([]models.SequenceEvent, error)

	// ReconcileStats recomputes every sequence and step counter from history
	ReconcileStats(ctx context.Context, sequenceID uint) (*models.Sequence, error)
}
