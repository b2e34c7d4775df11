package main

import (
	"context"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/buildbay/internal/builder"
	"github.com/zulandar/buildbay/internal/config"
	"github.com/zulandar/buildbay/internal/db"
	"github.com/zulandar/buildbay/internal/filestore"
	"github.com/zulandar/buildbay/internal/notify"
	"github.com/zulandar/buildbay/internal/ports"
	"github.com/zulandar/buildbay/internal/scheduler"
	"github.com/zulandar/buildbay/internal/server"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the BuildBay daemon",
		Long:  "Starts the API server and the build scheduler: accepts uploads, dispatches queued jobs to build workers, and supervises preview servers.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "buildbay.yaml", "path to BuildBay config file")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database ready (%s)\n", cfg.Database.Driver)

	files, err := filestore.NewDiskStore(filepath.Join(cfg.Builds.DataDir, "archives"))
	if err != nil {
		return err
	}
	pool, err := ports.NewPool(cfg.Builds.PortMin, cfg.Builds.PortMax)
	if err != nil {
		return err
	}

	hub := notify.NewHub()
	adapters, err := buildAdapters(cfg)
	if err != nil {
		return err
	}
	publisher := notify.NewPublisher(gormDB, hub, adapters...)
	for _, a := range adapters {
		fmt.Fprintf(out, "Notification adapter enabled: %s\n", a.Name())
	}

	exec, err := builder.New(builder.Opts{
		DB:           gormDB,
		Files:        files,
		Pool:         pool,
		Notifier:     publisher,
		DataDir:      cfg.Builds.DataDir,
		PreviewHost:  cfg.Server.PreviewHost,
		ServerPort:   cfg.Server.Port,
		ReadyTimeout: cfg.ReadyTimeout(),
		StepTimeout:  cfg.StepTimeout(),
		Out:          out,
	})
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Opts{
		DB:              gormDB,
		Exec:            exec,
		Pool:            pool,
		Notifier:        publisher,
		MaxConcurrent:   cfg.Builds.MaxConcurrent,
		MaxJobsPerOwner: cfg.Builds.MaxJobsPerOwner,
		PollInterval:    cfg.PollInterval(),
		SweepInterval:   cfg.SweepInterval(),
		Out:             out,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedDone := make(chan error, 1)
	go func() {
		schedDone <- sched.Run(ctx)
	}()

	fmt.Fprintf(out, "Workers: %d, ports %d-%d\n", cfg.Builds.MaxConcurrent, cfg.Builds.PortMin, cfg.Builds.PortMax)
	err = server.Start(ctx, server.StartOpts{
		DB:          gormDB,
		Sched:       sched,
		Hub:         hub,
		Files:       files,
		StagingRoot: filepath.Join(cfg.Builds.DataDir, "staging"),
		Port:        cfg.Server.Port,
		Out:         out,
	})

	<-schedDone
	fmt.Fprintln(out, "BuildBay stopped")
	return err
}

// buildAdapters assembles the push adapters the config enables.
func buildAdapters(cfg *config.Config) ([]notify.Adapter, error) {
	var adapters []notify.Adapter
	if cfg.Notify.Command != "" {
		a, err := notify.NewShellAdapter(cfg.Notify.Command)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Notify.Slack.BotToken != "" {
		a, err := notify.NewSlackAdapter(notify.SlackOpts{
			BotToken:  cfg.Notify.Slack.BotToken,
			ChannelID: cfg.Notify.Slack.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	if cfg.Notify.Discord.BotToken != "" {
		a, err := notify.NewDiscordAdapter(notify.DiscordOpts{
			BotToken:  cfg.Notify.Discord.BotToken,
			ChannelID: cfg.Notify.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}
	return adapters, nil
}
