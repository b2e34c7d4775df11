package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/buildbay/internal/job"
	"github.com/zulandar/buildbay/internal/models"
)

func newJobsCmd() *cobra.Command {
	var (
		configPath string
		owner      string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List an owner's build jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobs(cmd, configPath, owner)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "buildbay.yaml", "path to BuildBay config file")
	cmd.Flags().StringVar(&owner, "owner", "", "owner whose jobs to list (required)")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func runJobs(cmd *cobra.Command, configPath, owner string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	jobs, err := job.UserJobs(gormDB, owner)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(jobs) == 0 {
		fmt.Fprintf(out, "No jobs for %s\n", owner)
		return nil
	}

	fmt.Fprintf(out, "%-14s %-10s %-9s %4s  %-24s %s\n", "JOB", "STATUS", "PRIORITY", "PROG", "STEP", "PREVIEW")
	for _, j := range jobs {
		fmt.Fprintf(out, "%-14s %-10s %-9d %3d%%  %-24s %s\n",
			j.ID, j.Status, j.Priority, j.Progress, truncate(j.CurrentStep, 24), j.PreviewURL)
	}
	return nil
}

func newLogsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "logs <job-id>",
		Short: "Show a job's build logs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLogs(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "buildbay.yaml", "path to BuildBay config file")
	return cmd
}

func runLogs(cmd *cobra.Command, configPath, jobID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	j, err := job.Get(gormDB, jobID)
	if err != nil {
		return err
	}
	logs, err := job.Logs(gormDB, jobID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  %s\n", j.ID, j.Status, summarize(j))
	for _, l := range logs {
		for _, line := range strings.Split(strings.TrimRight(l.Content, "\n"), "\n") {
			fmt.Fprintf(out, "[%s] %s\n", l.Stage, line)
		}
	}
	return nil
}

// summarize renders the one-line outcome for a job header.
func summarize(j *models.BuildJob) string {
	switch j.Status {
	case models.JobFailed:
		return "error: " + j.Error
	case models.JobCompleted, models.JobRunning:
		return j.PreviewURL
	case models.JobQueued:
		return "queued " + j.CreatedAt.Format(time.RFC3339)
	}
	return j.CurrentStep
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func newCancelCmd() *cobra.Command {
	var (
		configPath string
		owner      string
	)

	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued or in-progress job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCancel(cmd, configPath, args[0], owner)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "buildbay.yaml", "path to BuildBay config file")
	cmd.Flags().StringVar(&owner, "owner", "", "owner requesting the cancel (required)")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func runCancel(cmd *cobra.Command, configPath, jobID, owner string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	if err := job.Cancel(gormDB, jobID, owner); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Cancelled %s\n", jobID)
	fmt.Fprintln(out, "A build already in progress stops on the daemon's next status check.")
	return nil
}
