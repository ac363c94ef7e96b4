package sequence

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Options tune the processing pass
type Options struct {
	BatchSize       int           // due enrollments per sequence per pass
	MaxRetries      int           // transient failures tolerated before a forced stop
	RetryBackoff    time.Duration // first retry delay; doubles each attempt
	ClaimLease      time.Duration // how long a claimed enrollment is hidden from other workers
	CallTimeout     time.Duration // bound on each external call
	Parallelism     int           // sequences processed concurrently in one pass
	TrackingBaseURL string
	TrackingSecret  string
}

func (o *Options) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 5 * time.Minute
	}
	if o.ClaimLease <= 0 {
		o.ClaimLease = 5 * time.Minute
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.Parallelism <= 0 {
		o.Parallelism = 1
	}
}

// Deps are the engine's collaborators. Throttle defaults to counting
// executions in the store and Clock to the system clock.
type Deps struct {
	Store    Store
	Contacts ContactProvider
	Mailer   EmailSender
	Webhooks WebhookInvoker
	Tasks    TaskCreator
	Throttle ThrottleCounter
	Clock    Clock
	Logger   *logrus.Entry
}

// Engine drives enrollments through their sequences
type Engine struct {
	store    Store
	contacts ContactProvider
	mailer   EmailSender
	webhooks WebhookInvoker
	tasks    TaskCreator
	throttle ThrottleCounter
	clock    Clock
	opts     Options
	log      *logrus.Entry
}

func NewEngine(deps Deps, opts Options) *Engine {
	opts.setDefaults()
	e := &Engine{
		store:    deps.Store,
		contacts: deps.Contacts,
		mailer:   deps.Mailer,
		webhooks: deps.Webhooks,
		tasks:    deps.Tasks,
		throttle: deps.Throttle,
		clock:    deps.Clock,
		opts:     opts,
		log:      deps.Logger,
	}
	if e.throttle == nil {
		e.throttle = NewStoreThrottle(deps.Store)
	}
	if e.clock == nil {
		e.clock = SystemClock{}
	}
	if e.log == nil {
		e.log = logrus.WithField("component", "sequence")
	}
	return e
}

func (e *Engine) now() time.Time {
	return e.clock.Now().UTC()
}
