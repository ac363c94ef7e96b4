package sequence

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"sequencer/models"
	"sequencer/utils"
)

const testWorkspace uint = 1

// FixedClock is a settable clock
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{now: t.UTC()} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *FixedClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t.UTC()
	c.mu.Unlock()
}

type MockMailer struct {
	mock.Mock
}

func (m *MockMailer) Send(ctx context.Context, email utils.OutgoingEmail) (string, error) {
	args := m.Called(ctx, email)
	return args.String(0), args.Error(1)
}

type MockWebhooks struct {
	mock.Mock
}

func (m *MockWebhooks) Invoke(ctx context.Context, url, method string, headers map[string]string, body string) (int, error) {
	args := m.Called(ctx, url, method, headers, body)
	return args.Int(0), args.Error(1)
}

type MockTasks struct {
	mock.Mock
}

func (m *MockTasks) CreateTask(ctx context.Context, title, description, assignee string) (string, error) {
	args := m.Called(ctx, title, description, assignee)
	return args.String(0), args.Error(1)
}

type testEnv struct {
	db       *gorm.DB
	store    *GormStore
	engine   *Engine
	clock    *FixedClock
	mailer   *MockMailer
	webhooks *MockWebhooks
	tasks    *MockTasks
}

// Tuesday 2024-01-16 10:00 UTC
var baseTime = time.Date(2024, time.January, 16, 10, 0, 0, 0, time.UTC)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "sequence.db")), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.AllModels()...))
	return db
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	db := newTestDB(t)
	env := &testEnv{
		db:       db,
		store:    NewGormStore(db),
		clock:    NewFixedClock(baseTime),
		mailer:   &MockMailer{},
		webhooks: &MockWebhooks{},
		tasks:    &MockTasks{},
	}
	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)
	env.engine = NewEngine(Deps{
		Store:    env.store,
		Contacts: NewGormContacts(db),
		Mailer:   env.mailer,
		Webhooks: env.webhooks,
		Tasks:    env.tasks,
		Clock:    env.clock,
		Logger:   logrus.NewEntry(log),
	}, opts)
	return env
}

func (env *testEnv) acceptEmails() {
	env.mailer.On("Send", mock.Anything, mock.Anything).Return("", nil)
}

func (env *testEnv) createLead(t *testing.T, email string, mutate ...func(*models.Lead)) *models.Lead {
	t.Helper()
	lead := &models.Lead{WorkspaceID: testWorkspace, Email: email, FirstName: "Ada", LastName: "Lovelace", Company: "Analytical"}
	for _, m := range mutate {
		m(lead)
	}
	require.NoError(t, env.db.Create(lead).Error)
	return lead
}

// createSequence stores an active sequence with the given steps; orders
// default to their position.
func (env *testEnv) createSequence(t *testing.T, mutate func(*models.Sequence), steps ...models.SequenceStep) (*models.Sequence, []models.SequenceStep) {
	t.Helper()
	seq := &models.Sequence{
		WorkspaceID:     testWorkspace,
		Name:            "Onboarding",
		Status:          models.SequenceActive,
		FromName:        "Jane",
		FromEmail:       "jane@acme.com",
		SendWindowStart: "09:00",
		SendWindowEnd:   "17:00",
		Timezone:        "UTC",
	}
	if mutate != nil {
		mutate(seq)
	}
	require.NoError(t, env.db.Create(seq).Error)
	for i := range steps {
		steps[i].SequenceID = seq.ID
		if steps[i].Order == 0 {
			steps[i].Order = i + 1
		}
		require.NoError(t, env.db.Create(&steps[i]).Error)
	}
	return seq, steps
}

func (env *testEnv) enroll(t *testing.T, seq *models.Sequence, lead *models.Lead) *models.SequenceEnrollment {
	t.Helper()
	enr, err := env.engine.Enroll(context.Background(), testWorkspace, seq.ID, lead.ID, "test")
	require.NoError(t, err)
	return enr
}

func (env *testEnv) reloadEnrollment(t *testing.T, id uint) *models.SequenceEnrollment {
	t.Helper()
	enr, err := env.store.GetEnrollment(context.Background(), id)
	require.NoError(t, err)
	return enr
}

func (env *testEnv) reloadSequence(t *testing.T, id uint) *models.Sequence {
	t.Helper()
	seq, err := env.store.GetSequence(context.Background(), id)
	require.NoError(t, err)
	return seq
}

func (env *testEnv) executions(t *testing.T, enrollmentID uint) []models.SequenceStepExecution {
	t.Helper()
	execs, err := env.store.ListExecutions(context.Background(), enrollmentID)
	require.NoError(t, err)
	return execs
}

func (env *testEnv) pass(t *testing.T) PassResult {
	t.Helper()
	res, err := env.engine.RunPass(context.Background())
	require.NoError(t, err)
	return res
}

func emailStep(subject string) models.SequenceStep {
	return models.SequenceStep{
		StepType: models.StepEmail,
		IsActive: true,
		Email:    models.EmailPayload{Subject: subject, HTML: "<p>Hi {{first_name}}</p>", Text: "Hi {{first_name}}"},
	}
}

func delayStep(amount int, unit string) models.SequenceStep {
	return models.SequenceStep{
		StepType: models.StepDelay,
		IsActive: true,
		Delay:    models.DelayPayload{Amount: amount, Unit: unit},
	}
}

func conditionStep(kind, value string) models.SequenceStep {
	return models.SequenceStep{
		StepType:  models.StepCondition,
		IsActive:  true,
		Condition: models.ConditionPayload{Type: kind, Value: value},
	}
}

func intPtr(v int) *int { return &v }

func boolPtr(v bool) *bool { return &v }
