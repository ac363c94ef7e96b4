package cli

import (
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"sequencer/config"
	"sequencer/sequence"
	"sequencer/utils"
)

// App is the wired engine and the connections it owns
type App struct {
	DB     *gorm.DB
	Redis  *redis.Client
	Engine *sequence.Engine
}

// bootstrap loads configuration, connects to the database and Redis and
// assembles the engine with its production collaborators.
func bootstrap() (*App, error) {
	if err := config.LoadConfig(); err != nil {
		return nil, err
	}
	cfg := config.AppConfig
	if err := utils.InitLogging(cfg.Environment, cfg.SentryDSN); err != nil {
		logrus.WithError(err).Warn("Sentry initialisation failed, continuing without it")
	}
	if err := config.ConnectDB(); err != nil {
		return nil, err
	}
	rdb, err := config.NewRedisClient()
	if err != nil {
		return nil, err
	}
	return &App{
		DB:     config.DB,
		Redis:  rdb,
		Engine: NewEngine(config.DB, rdb, cfg),
	}, nil
}

// NewEngine wires the SMTP mailer, the fasthttp webhook and task client and,
// when Redis is available, the shared daily throttle.
func NewEngine(db *gorm.DB, rdb *redis.Client, cfg config.Config) *sequence.Engine {
	store := sequence.NewGormStore(db)
	invoker := utils.NewHTTPInvoker(cfg.ExternalCallTimeout, cfg.TaskAPIURL, cfg.TaskAPIToken)

	deps := sequence.Deps{
		Store:    store,
		Contacts: sequence.NewGormContacts(db),
		Mailer:   utils.NewSMTPMailer(db, cfg.EncryptionKey),
		Webhooks: invoker,
		Tasks:    invoker,
		Logger:   logrus.WithField("component", "sequence"),
	}
	if rdb != nil {
		deps.Throttle = sequence.NewRedisThrottle(rdb)
	}

	return sequence.NewEngine(deps, sequence.Options{
		BatchSize:       cfg.Sequence.BatchSize,
		MaxRetries:      cfg.Sequence.MaxRetries,
		RetryBackoff:    cfg.Sequence.RetryBackoff,
		ClaimLease:      cfg.Sequence.ClaimLease,
		CallTimeout:     cfg.ExternalCallTimeout,
		Parallelism:     cfg.Sequence.Parallelism,
		TrackingBaseURL: cfg.TrackingBaseURL,
		TrackingSecret:  cfg.TrackingSecret,
	})
}

func (a *App) Close() {
	if a.Redis != nil {
		a.Redis.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
	utils.FlushSentry()
}
