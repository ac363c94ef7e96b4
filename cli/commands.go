package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"sequencer/config"
	"sequencer/middleware"
	"sequencer/routes"
	"sequencer/utils"
	"sequencer/worker"
)

// NewServeCommand runs the HTTP API together with the pass and reply workers
func NewServeCommand(opts *RootOptions) *cobra.Command {
	var noWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and background workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only; passes are triggered externally")
	return cmd
}

func serve(parent context.Context, noWorkers bool) error {
	if parent == nil {
		parent = context.Background()
	}
	app, err := bootstrap()
	if err != nil {
		return err
	}
	defer app.Close()
	cfg := config.AppConfig

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !noWorkers {
		sequenceWorker := worker.NewSequenceWorker(app.Engine, cfg.Sequence.PassInterval, cfg.Sequence.ScoreSweepInterval,
			logrus.WithField("component", "sequence_worker"))
		go sequenceWorker.Start(ctx)

		replyWorker := worker.NewReplyWorker(app.DB, app.Engine, cfg.EncryptionKey, cfg.Sequence.ReplyPollInterval,
			logrus.WithField("component", "reply_worker"))
		go replyWorker.Start(ctx)
	}

	server := fiber.New(fiber.Config{DisableStartupMessage: true})
	server.Use(recover.New())
	server.Use(middleware.CORS(middleware.DefaultCORSConfig(cfg.AllowedOrigins)))
	routes.SetupRoutes(server, routes.Options{
		Engine:           app.Engine,
		DB:               app.DB,
		Redis:            app.Redis,
		JWTSecret:        cfg.JWTSecret,
		TrackingSecret:   cfg.TrackingSecret,
		EncryptionKey:    cfg.EncryptionKey,
		TriggerRateLimit: cfg.Sequence.TriggerRateLimit,
	})

	go func() {
		<-ctx.Done()
		logrus.Info("Shutting down server...")
		_ = server.ShutdownWithTimeout(10 * time.Second)
	}()

	logrus.Infof("🚀 Server starting on port %s", cfg.ServerPort)
	if err := server.Listen(":" + cfg.ServerPort); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// NewPassCommand runs one processing pass, for cron-driven deployments
func NewPassCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "pass",
		Short: "Run one processing pass over every due enrollment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Engine.RunPass(cmd.Context())
			if err != nil {
				return err
			}
			message := fmt.Sprintf("Processed %d enrollments in %d sequences: %d succeeded, %d deferred, %d errors",
				res.Processed, res.Sequences, res.Succeeded, res.Deferred, res.Errors)
			return report(cmd.OutOrStdout(), opts, message, res)
		},
	}
}

func NewSweepCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Stop enrollments whose contact score crossed a threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.Engine.SweepScores(cmd.Context())
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, fmt.Sprintf("Checked %d enrollments, stopped %d", res.Checked, res.Stopped), res)
		},
	}
}

func NewReconcileCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile <sequence-id>",
		Short: "Rebuild a sequence's counters from its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid sequence id %q", args[0])
			}
			app, err := bootstrap()
			if err != nil {
				return err
			}
			defer app.Close()

			seq, err := app.Engine.ReconcileSequence(cmd.Context(), uint(id))
			if err != nil {
				return err
			}
			message := fmt.Sprintf("Sequence %d: %d enrolled, %d active, %d completed, %d stopped, %d sent",
				seq.ID, seq.TotalEnrolled, seq.ActiveEnrolled, seq.CompletedCount, seq.StoppedCount, seq.TotalSent)
			return report(cmd.OutOrStdout(), opts, message, seq)
		},
	}
}

// NewTokenCommand issues an API token for a workspace
func NewTokenCommand(opts *RootOptions) *cobra.Command {
	var ttl time.Duration
	var name string
	cmd := &cobra.Command{
		Use:   "token <workspace-id>",
		Short: "Issue an API token scoped to one workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 32)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid workspace id %q", args[0])
			}
			if err := config.LoadConfig(); err != nil {
				return err
			}
			token, err := utils.GenerateJWTToken(config.AppConfig.JWTSecret, uint(id), name, ttl)
			if err != nil {
				return err
			}
			return report(cmd.OutOrStdout(), opts, token, map[string]any{"workspace_id": id, "expires_in": ttl.String()})
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 30*24*time.Hour, "token lifetime")
	cmd.Flags().StringVar(&name, "name", "", "label stored in the token")
	return cmd
}
