package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/zulandar/workdesk/internal/archive"
	"github.com/zulandar/workdesk/internal/attachment"
	"github.com/zulandar/workdesk/internal/broadcast"
	"github.com/zulandar/workdesk/internal/config"
	"github.com/zulandar/workdesk/internal/db"
	"github.com/zulandar/workdesk/internal/lifecycle"
	"github.com/zulandar/workdesk/internal/logger"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/notify"
	"github.com/zulandar/workdesk/internal/notify/discord"
	"github.com/zulandar/workdesk/internal/notify/slack"
	"github.com/zulandar/workdesk/internal/repo"
	"github.com/zulandar/workdesk/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Workdesk API server",
		Long: `Starts the HTTP API with its live snapshot stream, and the scheduled
archive sweep when archive.schedule is set. Stops gracefully on SIGINT or
SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cmd, configPath)
		},
	}

	addConfigFlag(cmd, &configPath)
	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	r := repo.New(gormDB)

	files, err := attachment.Open(cfg.Attachments.Path, attachment.Options{
		ChunkSize: cfg.Attachments.ChunkBytes,
		Log:       log,
	})
	if err != nil {
		return err
	}
	defer files.Close()

	notifier, err := buildNotifier(cfg.Notify, log)
	if err != nil {
		return err
	}

	hub := broadcast.NewHub(broadcast.Options{
		Buffer:       cfg.Broadcast.Buffer,
		WriteTimeout: cfg.Broadcast.WriteTimeout,
		Log:          log,
	})
	defer hub.Close()

	engine := lifecycle.New(lifecycle.Options{
		Repo:     r,
		Files:    files,
		Hub:      hub,
		Notifier: notifier,
		Log:      log,
		Limits:   lifecycle.LimitsFromConfig(cfg.Attachments),
	})
	defer engine.Wait()
	for _, kind := range []models.Kind{models.KindTask, models.KindComplaint} {
		hub.Register(kind.Topic(), engine.SnapshotFunc(kind))
	}

	archiver := archive.New(r, hub, log).WithNotifier(notifier)
	defer archiver.Wait()
	sched, err := archive.NewScheduler(archiver, cfg.Archive, files, log)
	if err != nil {
		return err
	}
	go sched.Run(ctx)

	srv, err := server.New(server.Options{
		Engine:       engine,
		Archive:      archiver,
		Files:        files,
		Hub:          hub,
		Log:          log,
		JWTSecret:    cfg.Server.JWTSecret,
		MaxMemory:    cfg.Server.MaxMemoryBytes,
		Heartbeat:    cfg.Broadcast.Heartbeat,
		PollInterval: cfg.Broadcast.PollInterval,
		WriteTimeout: cfg.Broadcast.WriteTimeout,
	})
	if err != nil {
		return err
	}
	return srv.Start(ctx, server.StartOpts{
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Out:             cmd.OutOrStdout(),
	})
}

// buildNotifier returns a notifier posting to every configured chat
// platform, or notify.Nop when none is configured.
func buildNotifier(cfg config.NotifyConfig, log logrus.FieldLogger) (notify.Notifier, error) {
	var multi notify.Multi
	if cfg.Slack.Enabled() {
		n, err := slack.New(slack.Opts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Slack.ChannelID})
		if err != nil {
			return nil, fmt.Errorf("slack notifier: %w", err)
		}
		multi = append(multi, n)
		log.WithField("channel", cfg.Slack.ChannelID).Info("slack notifications enabled")
	}
	if cfg.Discord.Enabled() {
		n, err := discord.New(discord.Opts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Discord.ChannelID})
		if err != nil {
			return nil, fmt.Errorf("discord notifier: %w", err)
		}
		multi = append(multi, n)
		log.WithField("channel", cfg.Discord.ChannelID).Info("discord notifications enabled")
	}
	if len(multi) == 0 {
		return notify.Nop{}, nil
	}
	return multi, nil
}
