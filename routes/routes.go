package routes

import (
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	controller "sequencer/controllers"
	"sequencer/middleware"
	"sequencer/sequence"
)

// Options carries what the route handlers need from main
type Options struct {
	Engine           *sequence.Engine
	DB               *gorm.DB
	Redis            *redis.Client // nil keeps rate limits in memory
	JWTSecret        string
	TrackingSecret   string
	EncryptionKey    string        // sender passwords at rest
	TriggerRateLimit int
}

var requestLogFormat = "[${time}] ${status} - ${latency} ${method} ${path}\n"

// SetupTrackingRoutes registers the unauthenticated endpoints hit from inside emails
func SetupTrackingRoutes(app *fiber.App, opts Options) {
	tracking := controller.NewTrackingController(opts.Engine, opts.TrackingSecret, logrus.WithField("component", "tracking"))

	track := app.Group("/track")
	track.Get("/open/:messageID/:token", tracking.HandleOpen)
	track.Get("/click/:messageID/:token", tracking.HandleClick)
}

func SetupAPIRoutes(app *fiber.App, opts Options) {
	sequenceController := controller.NewSequenceController(opts.Engine, logrus.WithField("component", "api"))
	enrollmentController := controller.NewEnrollmentController(opts.Engine, logrus.WithField("component", "api"))
	leadController := controller.NewLeadController(opts.DB, logrus.WithField("component", "api"))
	senderController := controller.NewSenderController(opts.DB, opts.EncryptionKey, logrus.WithField("component", "api"))

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(opts.JWTSecret), logger.New(logger.Config{
		Format: requestLogFormat,
	}))

	// Sequence authoring
	seq := api.Group("/sequences")
	seq.Post("/", sequenceController.CreateSequence)
	seq.Get("/", sequenceController.GetSequences)
	seq.Get("/:id", sequenceController.GetSequence)
	seq.Put("/:id/status", sequenceController.UpdateSequenceStatus)
	seq.Post("/:id/steps", sequenceController.AddStep)
	seq.Put("/:id/steps/:stepID", sequenceController.UpdateStep)
	seq.Post("/:id/steps/:stepID/activate", sequenceController.SetStepActive(true))
	seq.Post("/:id/steps/:stepID/deactivate", sequenceController.SetStepActive(false))
	seq.Post("/:id/reconcile", sequenceController.ReconcileStats)
	seq.Post("/:id/enroll", enrollmentController.Enroll)

	// Enrollment control
	enr := api.Group("/enrollments")
	enr.Get("/:id", enrollmentController.GetHistory)
	enr.Post("/:id/pause", enrollmentController.Pause)
	enr.Post("/:id/resume", enrollmentController.Resume)
	enr.Post("/:id/stop", enrollmentController.Stop)

	// Contacts
	leads := api.Group("/leads")
	leads.Post("/", leadController.CreateLead)
	leads.Get("/", leadController.GetLeads)
	leads.Post("/import", leadController.ImportLeads)
	leads.Get("/:id", leadController.GetLead)
	leads.Put("/:id", leadController.UpdateLead)
	leads.Delete("/:id", leadController.DeleteLead)

	// Sending accounts
	senders := api.Group("/senders")
	senders.Post("/", senderController.CreateSender)
	senders.Get("/", senderController.GetSenders)
	senders.Get("/:id", senderController.GetSender)
	senders.Put("/:id", senderController.UpdateSender)
	senders.Delete("/:id", senderController.DeleteSender)
	senders.Post("/:id/test", senderController.TestSender)

	// Engagement reported by external systems
	api.Post("/events/:type", enrollmentController.RecordEvent)

	// Manual processing for external schedulers, rate limited per workspace
	processing := api.Group("/processing", middleware.TriggerRateLimiter(opts.TriggerRateLimit, opts.Redis))
	processing.Post("/pass", sequenceController.RunPass)
	processing.Post("/score-sweep", sequenceController.SweepScores)

	// Templates
	templates := api.Group("/templates")
	templates.Post("/preview", controller.PreviewTemplate)
	templates.Post("/validate", controller.ValidateTemplate)
	templates.Post("/render", controller.RenderTemplate)

	logrus.Info("API routes initialized successfully")
}

func SetupRoutes(app *fiber.App, opts Options) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	SetupTrackingRoutes(app, opts)
	SetupAPIRoutes(app, opts)

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"success": false,
			"message": "The requested resource was not found",
		})
	})
}
