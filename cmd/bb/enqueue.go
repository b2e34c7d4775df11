package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/buildbay/internal/job"
)

func newEnqueueCmd() *cobra.Command {
	var (
		configPath string
		owner      string
		priority   int
	)

	cmd := &cobra.Command{
		Use:   "enqueue <website-id>",
		Short: "Queue a build for an uploaded website",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(cmd, configPath, args[0], owner, priority)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "buildbay.yaml", "path to BuildBay config file")
	cmd.Flags().StringVar(&owner, "owner", "", "owner the job is created for (required)")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "queue priority (higher dispatches first)")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func runEnqueue(cmd *cobra.Command, configPath, websiteID, owner string, priority int) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	j, err := job.Enqueue(gormDB, websiteID, owner, job.EnqueueOpts{
		Priority:  priority,
		MaxActive: cfg.Builds.MaxJobsPerOwner,
	})
	if err != nil {
		return err
	}

	pos, err := job.QueuePosition(gormDB, j.ID)
	if err != nil {
		pos = 0
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Queued %s for website %s (priority %d)\n", j.ID, websiteID, priority)
	fmt.Fprintf(out, "Queue position: %d\n", pos)
	fmt.Fprintln(out, "The running daemon picks it up on its next poll.")
	return nil
}
